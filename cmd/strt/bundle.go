package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trust-plc/strt/internal/bytecode"
	"github.com/trust-plc/strt/internal/compiler"
	"github.com/trust-plc/strt/internal/eval"
	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/iodriver"
	"github.com/trust-plc/strt/internal/retain"
	"github.com/trust-plc/strt/internal/scheduler"
	"github.com/trust-plc/strt/internal/storage"
	"github.com/trust-plc/strt/internal/value"
)

// registerMappingConfig is one resource.yaml driver register entry
// (SPEC_FULL.md §4.7: "driver configuration stubs").
type registerMappingConfig struct {
	Register uint16 `yaml:"register"`
	Area     string `yaml:"area"` // "input" | "output" | "memory"
	Byte     uint32 `yaml:"byte"`
	Kind     string `yaml:"kind"` // BOOL, INT, DINT, REAL, ...
}

type mirrorConfig struct {
	OutputByte uint32 `yaml:"output_byte"`
	InputByte  uint32 `yaml:"input_byte"`
	Size       int    `yaml:"size"`
}

type driverConfig struct {
	Type    string                  `yaml:"type"` // "memory" | "modbus"
	Name    string                  `yaml:"name"`
	Address string                  `yaml:"address"` // modbus TCP address
	Inputs  []registerMappingConfig `yaml:"inputs"`
	Outputs []registerMappingConfig `yaml:"outputs"`
	Mirrors []mirrorConfig          `yaml:"mirrors"`
}

// bundleConfig is resource.yaml: save interval and driver wiring, the
// deployment-time knobs a compiled module itself has no opinion about
// (SPEC_FULL.md §4.7).
type bundleConfig struct {
	RetainFile   string         `yaml:"retain_file"`
	SaveInterval string         `yaml:"save_interval"`
	Drivers      []driverConfig `yaml:"drivers"`
}

// bundle is a loaded deployment: a decoded+validated module, the storage
// and evaluator built over it, and the scheduler engine wired with its
// configured drivers and retain manager, ready to run cycles.
type bundle struct {
	Dir     string
	Module  *bytecode.Module
	Storage *storage.Storage
	Eval    *eval.Context
	Fault   *fault.Policy
	Retain  *retain.Manager
	Engine  *scheduler.Engine
}

// loadBundle reads module.stbc (and an optional resource.yaml/retain.strn)
// out of dir and wires a runnable Engine for the module's first resource
// (SPEC_FULL.md §4.7: "a directory ... containing module.stbc, an optional
// retain.strn, and a resource.yaml").
func loadBundle(dir string) (*bundle, error) {
	modBytes, err := os.ReadFile(filepath.Join(dir, "module.stbc"))
	if err != nil {
		return nil, fmt.Errorf("read module.stbc: %w", err)
	}
	mod, err := bytecode.Decode(modBytes)
	if err != nil {
		return nil, fmt.Errorf("decode module.stbc: %w", err)
	}
	if err := mod.Validate(); err != nil {
		return nil, fmt.Errorf("validate module.stbc: %w", err)
	}
	if len(mod.Resources) == 0 {
		return nil, fmt.Errorf("module.stbc declares no resources")
	}
	resource := mod.Resources[0]

	cfg, err := loadBundleConfig(filepath.Join(dir, "resource.yaml"))
	if err != nil {
		return nil, err
	}

	types, err := compiler.LoadTypes(mod)
	if err != nil {
		return nil, fmt.Errorf("load type table: %w", err)
	}

	st := storage.New(int(resource.InputsSize), int(resource.OutputsSize), int(resource.MemorySize))
	fp := fault.NewPolicy()
	ev := eval.NewContext(st, mod, types, fp)

	if err := seedInitialValues(ev, mod, st); err != nil {
		return nil, err
	}

	rm := &retain.Manager{}
	interval, hasInterval, err := parseSaveInterval(cfg.SaveInterval)
	if err != nil {
		return nil, err
	}
	var store retain.Store
	if cfg.RetainFile != "" {
		store = &retain.FileStore{Path: resolvePath(dir, cfg.RetainFile)}
	}
	rm.Configure(store, interval, hasInterval, 0)
	if store != nil {
		snap, err := rm.Load()
		if err != nil {
			log.WithError(err).Warn("load retain snapshot failed; starting with empty retain state")
			snap = nil
		}
		st.LoadRetainSnapshot(snap)
	}

	eng := scheduler.New(ev, st, mod, resource, fp, rm)
	drivers, err := buildDrivers(cfg.Drivers, int(resource.InputsSize))
	if err != nil {
		return nil, err
	}
	eng.Drivers = drivers

	return &bundle{Dir: dir, Module: mod, Storage: st, Eval: ev, Fault: fp, Retain: rm, Engine: eng}, nil
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func loadBundleConfig(path string) (bundleConfig, error) {
	var cfg bundleConfig
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read resource.yaml: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse resource.yaml: %w", err)
	}
	return cfg, nil
}

func parseSaveInterval(s string) (time.Duration, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("parse save_interval %q: %w", s, err)
	}
	return d, true, nil
}

// seedInitialValues installs every VAR_META/RETAIN_INIT row's declared
// initial constant into storage before the first cycle's driver read
// (spec §6.5). A RETAIN_INIT row is named through the Retain VAR_META row
// with the same REF_TABLE index; rows with no such VAR_META row are skipped.
func seedInitialValues(ev *eval.Context, mod *bytecode.Module, st *storage.Storage) error {
	retainNames := map[uint32]string{}
	for _, vm := range mod.VarMeta {
		if vm.Retain {
			retainNames[vm.RefIdx] = mod.Strings[vm.NameIdx]
		}
		if vm.InitConstIdx == nil {
			continue
		}
		v, err := ev.ConstValue(*vm.InitConstIdx)
		if err != nil {
			return err
		}
		name := mod.Strings[vm.NameIdx]
		if vm.Retain {
			st.DeclareRetain(name, v)
		} else {
			st.SetGlobal(name, v)
		}
	}
	for _, ri := range mod.RetainInit {
		name, ok := retainNames[ri.RefIdx]
		if !ok {
			continue
		}
		v, err := ev.ConstValue(ri.ConstIdx)
		if err != nil {
			return err
		}
		st.DeclareRetain(name, v)
	}
	return nil
}

func buildDrivers(cfgs []driverConfig, inputSize int) ([]scheduler.IoDriver, error) {
	var out []scheduler.IoDriver
	for _, dc := range cfgs {
		switch dc.Type {
		case "memory":
			mem := iodriver.NewMemory(dc.Name, inputSize)
			for _, m := range dc.Mirrors {
				mem.AddMirror(iodriver.Mirror{OutputByte: m.OutputByte, InputByte: m.InputByte, Size: m.Size})
			}
			out = append(out, mem)
		case "modbus":
			inputs, err := resolveRegisterMappings(dc.Inputs, storage.AreaInput)
			if err != nil {
				return nil, err
			}
			outputs, err := resolveRegisterMappings(dc.Outputs, storage.AreaOutput)
			if err != nil {
				return nil, err
			}
			out = append(out, iodriver.NewModbusTCP(dc.Name, dc.Address, inputs, outputs))
		default:
			return nil, fmt.Errorf("resource.yaml: unknown driver type %q", dc.Type)
		}
	}
	return out, nil
}

func resolveRegisterMappings(cfgs []registerMappingConfig, defaultArea storage.Area) ([]iodriver.RegisterMapping, error) {
	out := make([]iodriver.RegisterMapping, 0, len(cfgs))
	for _, c := range cfgs {
		kind, size, err := kindFromName(c.Kind)
		if err != nil {
			return nil, err
		}
		area := defaultArea
		if c.Area != "" {
			area, err = areaFromName(c.Area)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, iodriver.RegisterMapping{
			Register: c.Register,
			Addr:     storage.Address{Area: area, Byte: c.Byte},
			Kind:     kind,
			Size:     size,
		})
	}
	return out, nil
}

func areaFromName(s string) (storage.Area, error) {
	switch s {
	case "input":
		return storage.AreaInput, nil
	case "output":
		return storage.AreaOutput, nil
	case "memory":
		return storage.AreaMemory, nil
	default:
		return 0, fmt.Errorf("resource.yaml: unknown io area %q", s)
	}
}

func kindFromName(s string) (value.Kind, int, error) {
	switch s {
	case "BOOL":
		return value.KindBool, 1, nil
	case "SINT":
		return value.KindSInt, 1, nil
	case "USINT", "BYTE":
		return value.KindUSInt, 1, nil
	case "INT":
		return value.KindInt, 2, nil
	case "UINT", "WORD":
		return value.KindUInt, 2, nil
	case "DINT":
		return value.KindDInt, 4, nil
	case "UDINT", "DWORD":
		return value.KindUDInt, 4, nil
	case "LINT":
		return value.KindLInt, 8, nil
	case "ULINT", "LWORD":
		return value.KindULInt, 8, nil
	case "REAL":
		return value.KindReal, 4, nil
	case "LREAL":
		return value.KindLReal, 8, nil
	default:
		return 0, 0, fmt.Errorf("resource.yaml: unknown register kind %q", s)
	}
}
