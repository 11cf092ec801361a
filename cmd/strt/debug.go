package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	dap "github.com/google/go-dap"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/trust-plc/strt/internal/debug"
)

func newDebugCmd() *cobra.Command {
	var cycleTime time.Duration
	cmd := &cobra.Command{
		Use:   "debug <bundle>",
		Short: "Run a bundle's scan cycle with an interactive debug REPL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return debugBundle(cmd.Context(), args[0], cycleTime)
		},
	}
	cmd.Flags().DurationVar(&cycleTime, "cycle", 10*time.Millisecond, "fixed ticker period driving execute_cycle")
	return cmd
}

// debugBundle issues the §6.4 debug verbs directly against the in-process
// debug.Control, a minimal stand-in for the external JSON-RPC transport
// spec.md declares out of scope (SPEC_FULL.md §4.7). Verb output reuses
// google/go-dap's event/Breakpoint struct shapes without adopting its
// JSON-RPC framing.
func debugBundle(ctx context.Context, dir string, cycleTime time.Duration) error {
	b, err := loadBundle(dir)
	if err != nil {
		return err
	}

	ctl := debug.New(b.Storage, b.Module)
	b.Engine.SetDebug(ctl)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for ev := range ctl.Stops() {
			printStopEvent(ev)
		}
	}()

	go runCycleLoop(ctx, b, cycleTime)

	return runREPL(ctl)
}

func runCycleLoop(ctx context.Context, b *bundle, cycleTime time.Duration) {
	ticker := time.NewTicker(cycleTime)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := b.Engine.ExecuteCycle(ctx, t.Sub(start)); err != nil && b.Fault.Faulted() {
				log.WithError(err).Error("resource latched faulted, cycle loop stopping")
				return
			}
		}
	}
}

func printStopEvent(ev debug.StopEvent) {
	body := dap.StoppedEventBody{
		Reason:            strings.ToLower(ev.Reason.String()),
		ThreadId:          int(ev.ThreadID),
		AllThreadsStopped: true,
	}
	if ev.HasGeneration {
		body.HitBreakpointIds = []int{int(ev.BreakpointGeneration)}
	}
	enc, _ := json.Marshal(body)
	fmt.Printf("\nstopped: %s\n", enc)
}

func runREPL(ctl *debug.Control) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		cmdLine, err := line.Prompt("(strt) ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line.AppendHistory(cmdLine)
		if quit := dispatchReplCommand(ctl, cmdLine); quit {
			return nil
		}
	}
}

func dispatchReplCommand(ctl *debug.Control, raw string) (quit bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "continue", "c":
		ctl.Continue()
	case "step", "s":
		ctl.StepInto()
	case "next", "n":
		ctl.StepOver()
	case "out", "o":
		ctl.StepOut()
	case "pause", "p":
		ctl.Pause()
	case "break", "b":
		handleBreak(ctl, fields[1:])
	case "mode":
		fmt.Println(ctl.Mode())
	case "logs":
		for _, l := range ctl.Logs() {
			fmt.Println(l)
		}
	case "quit", "q":
		return true
	default:
		fmt.Printf("unknown command %q (continue|step|next|out|pause|break|mode|logs|quit)\n", fields[0])
	}
	return false
}

func handleBreak(ctl *debug.Control, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: break <file-id> <line>")
		return
	}
	fileID, err1 := strconv.Atoi(args[0])
	line, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		fmt.Println("usage: break <file-id> <line>")
		return
	}
	bps := ctl.SetBreakpoints(uint32(fileID), []debug.BreakpointSpec{{Line: uint32(line)}})
	for _, bp := range bps {
		dbp := dap.Breakpoint{Verified: true, Line: int(bp.Line)}
		enc, _ := json.Marshal(dbp)
		fmt.Printf("breakpoint set: %s\n", enc)
	}
}
