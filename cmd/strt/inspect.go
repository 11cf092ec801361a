package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trust-plc/strt/internal/bytecode"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <bundle>",
		Short: "Decode and validate a bundle's module.stbc without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectBundle(args[0])
		},
	}
}

func inspectBundle(dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, "module.stbc"))
	if err != nil {
		return fmt.Errorf("read module.stbc: %w", err)
	}
	mod, err := bytecode.Decode(b)
	if err != nil {
		return fmt.Errorf("decode module.stbc: %w", err)
	}
	if err := mod.Validate(); err != nil {
		return fmt.Errorf("validate module.stbc: %w", err)
	}

	fmt.Printf("version: %d.%d\n", mod.Version.Major, mod.Version.Minor)
	fmt.Printf("strings: %d\n", len(mod.Strings))
	fmt.Printf("types: %d\n", len(mod.Types))
	fmt.Printf("consts: %d\n", len(mod.Consts))
	fmt.Printf("refs: %d\n", len(mod.Refs))
	fmt.Printf("pous: %d (%d bytes of code)\n", len(mod.Pous), len(mod.PouBodies))
	fmt.Printf("resources: %d\n", len(mod.Resources))
	for _, r := range mod.Resources {
		fmt.Printf("  %s: %d tasks, inputs=%dB outputs=%dB memory=%dB\n",
			mod.Strings[r.NameIdx], len(r.Tasks), r.InputsSize, r.OutputsSize, r.MemorySize)
	}
	fmt.Printf("io_map: %d\n", len(mod.IoMap))
	if mod.HasDebugMap() {
		fmt.Printf("debug_map: %d entries\n", len(mod.DebugMap))
	}
	if mod.HasVarMeta() {
		fmt.Printf("var_meta: %d entries\n", len(mod.VarMeta))
	}
	if mod.HasRetainInit() {
		fmt.Printf("retain_init: %d entries\n", len(mod.RetainInit))
	}
	return nil
}
