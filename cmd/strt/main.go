// Command strt loads a compiled bundle (module.stbc + resource.yaml +
// retain.strn) and runs, inspects, or interactively debugs its scan cycle
// (SPEC_FULL.md §4.7).
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.NewEntry(logrus.StandardLogger())

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "strt",
		Short: "Structured Text bytecode runtime",
	}
	levelFlag := &logLevelFlag{level: logrus.InfoLevel}
	root.PersistentFlags().Var(levelFlag, "log-level", "log level (debug, info, warn, error)")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logrus.SetLevel(levelFlag.level)
	}
	root.AddCommand(newRunCmd(), newInspectCmd(), newDebugCmd())
	return root
}

// runID tags one `strt run` invocation for log correlation across its
// scan-thread log lines.
func runID() string { return uuid.NewString() }
