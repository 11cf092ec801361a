// Package storage implements the variable containers the evaluator and
// scheduler operate over: globals, retain variables, the I/O image, call
// frames, and the instance heap (spec §3.3).
package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/trust-plc/strt/internal/value"
)

// namedMap is a case-insensitive name -> Value map that preserves the
// original-case key it was first inserted with (spec §3.3: "case-insensitive
// lookup, original case preserved").
type namedMap struct {
	values map[string]value.Value
	casing map[string]string // lower -> original case
}

func newNamedMap() *namedMap {
	return &namedMap{values: map[string]value.Value{}, casing: map[string]string{}}
}

func (m *namedMap) get(name string) (value.Value, bool) {
	key, ok := m.casing[strings.ToLower(name)]
	if !ok {
		return value.Null, false
	}
	v, ok := m.values[key]
	return v, ok
}

func (m *namedMap) set(name string, v value.Value) {
	lower := strings.ToLower(name)
	key, ok := m.casing[lower]
	if !ok {
		key = name
		m.casing[lower] = key
	}
	m.values[key] = v
}

func (m *namedMap) names() []string {
	out := make([]string, 0, len(m.values))
	for k := range m.values {
		out = append(out, k)
	}
	return out
}

// Frame is one pushed call context: locals plus an optional bound instance
// for FB/class/method calls (spec §3.3).
type Frame struct {
	ID         uint64
	Name       string
	Locals     *namedMap
	InstanceID value.InstanceID
	HasInst    bool
}

// Instance is a live function-block/class object on the instance heap.
type Instance struct {
	TypeName string
	Vars     *namedMap
	Parent   value.InstanceID
	HasPar   bool
}

// Storage owns every variable container for one resource/runtime.
type Storage struct {
	mu sync.RWMutex

	globals *namedMap
	retain  *namedMap
	retainN map[string]bool // names declared retained, for dirty tracking

	frames   []*Frame
	nextFrame uint64

	instances map[value.InstanceID]*Instance
	nextInst  value.InstanceID

	io *IOImage

	dirty bool
}

// New returns an empty Storage with a zeroed I/O image of the given sizes.
func New(inputSize, outputSize, memorySize int) *Storage {
	return &Storage{
		globals:   newNamedMap(),
		retain:    newNamedMap(),
		retainN:   map[string]bool{},
		instances: map[value.InstanceID]*Instance{},
		io:        NewIOImage(inputSize, outputSize, memorySize),
	}
}

// IO returns the I/O image.
func (s *Storage) IO() *IOImage { return s.io }

// --- globals ---

// GetGlobal reads a global by name (case-insensitive).
func (s *Storage) GetGlobal(name string) (value.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals.get(name)
}

// SetGlobal writes a global by name.
func (s *Storage) SetGlobal(name string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals.set(name, v)
}

// --- retain ---

// DeclareRetain marks name as a retained global and seeds its initial value.
func (s *Storage) DeclareRetain(name string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain.set(name, v)
	s.retainN[strings.ToLower(name)] = true
}

// GetRetain reads a retain variable by name.
func (s *Storage) GetRetain(name string) (value.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retain.get(name)
}

// SetRetain writes a retain variable and marks storage dirty for the next
// retain-persistence check (spec §4.3 step 10).
func (s *Storage) SetRetain(name string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain.set(name, v)
	s.dirty = true
}

// IsDirty reports whether any retain variable was mutated since the last
// ClearDirty.
func (s *Storage) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// ClearDirty resets the dirty flag after a successful retain save.
func (s *Storage) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// RetainSnapshot returns a name->Value copy of every retained variable, in
// no particular order (the retain codec imposes its own ordering).
func (s *Storage) RetainSnapshot() map[string]value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]value.Value, len(s.retain.values))
	for k, v := range s.retain.values {
		out[k] = v
	}
	return out
}

// GlobalsSnapshot returns a name->Value copy of every non-retain global,
// used by the debug control block to build a paused DebugSnapshot.
func (s *Storage) GlobalsSnapshot() map[string]value.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]value.Value, len(s.globals.values))
	for k, v := range s.globals.values {
		out[k] = v
	}
	return out
}

// InstanceView is a read-only copy of one instance's fields, named by its
// id, for snapshot reporting.
type InstanceView struct {
	TypeName string
	Vars     map[string]value.Value
}

// InstancesSnapshot copies every live instance's fields, keyed by id.
func (s *Storage) InstancesSnapshot() map[value.InstanceID]InstanceView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[value.InstanceID]InstanceView, len(s.instances))
	for id, inst := range s.instances {
		vars := make(map[string]value.Value, len(inst.Vars.values))
		for k, v := range inst.Vars.values {
			vars[k] = v
		}
		out[id] = InstanceView{TypeName: inst.TypeName, Vars: vars}
	}
	return out
}

// FrameNames returns the call-stack frame names, outermost first, for a
// paused snapshot's stack-frame listing.
func (s *Storage) FrameNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Name
	}
	return out
}

// LoadRetainSnapshot installs a decoded retain snapshot into storage,
// called once at runtime start before the first cycle's driver read
// (spec §6.5).
func (s *Storage) LoadRetainSnapshot(snap map[string]value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, v := range snap {
		s.retain.set(name, v)
		s.retainN[strings.ToLower(name)] = true
	}
}

// --- frames ---

// PushFrame pushes a new, empty-locals frame and returns it. Frame ids are
// monotone and never reused within a run (spec §3.3).
func (s *Storage) PushFrame(name string) *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFrame++
	f := &Frame{ID: s.nextFrame, Name: name, Locals: newNamedMap()}
	s.frames = append(s.frames, f)
	return f
}

// PushFrameWithInstance pushes a frame bound to instance id (THIS binding
// for method/FB calls).
func (s *Storage) PushFrameWithInstance(name string, id value.InstanceID) *Frame {
	f := s.PushFrame(name)
	s.mu.Lock()
	f.InstanceID = id
	f.HasInst = true
	s.mu.Unlock()
	return f
}

// PopFrame pops the most recently pushed frame. It is always safe to call
// on error paths: popping never invalidates instances the frame referenced
// (spec §3.3).
func (s *Storage) PopFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return
	}
	s.frames = s.frames[:len(s.frames)-1]
}

// CurrentFrame returns the top of the frame stack, or nil if empty.
func (s *Storage) CurrentFrame() *Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// FrameByID looks up a still-live frame by id (used to apply a queued
// debug write that targets a specific, possibly-popped frame; spec §4.3
// step 2 tolerates the frame having already been popped).
func (s *Storage) FrameByID(id uint64) (*Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.frames {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Depth returns the current frame-stack depth, used by step-over/step-out.
func (s *Storage) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// GetLocal reads a local from f.
func (f *Frame) GetLocal(name string) (value.Value, bool) { return f.Locals.get(name) }

// SetLocal writes a local into f.
func (f *Frame) SetLocal(name string, v value.Value) { f.Locals.set(name, v) }

// --- instances ---

// NewInstance creates a fresh instance of typeName and returns its stable
// id (spec §3.3: "created on first reference ... live with their owning
// container").
func (s *Storage) NewInstance(typeName string, parent value.InstanceID, hasParent bool) value.InstanceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextInst++
	id := s.nextInst
	s.instances[id] = &Instance{TypeName: typeName, Vars: newNamedMap(), Parent: parent, HasPar: hasParent}
	return id
}

// GetInstance returns the instance for id.
func (s *Storage) GetInstance(id value.InstanceID) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// GetInstanceVar reads a field off an instance, by name.
func (s *Storage) GetInstanceVar(id value.InstanceID, name string) (value.Value, bool) {
	inst, ok := s.GetInstance(id)
	if !ok {
		return value.Null, false
	}
	return inst.Vars.get(name)
}

// SetInstanceVar writes a field on an instance.
func (s *Storage) SetInstanceVar(id value.InstanceID, name string, v value.Value) error {
	inst, ok := s.GetInstance(id)
	if !ok {
		return fmt.Errorf("storage: unknown instance %d", id)
	}
	inst.Vars.set(name, v)
	return nil
}

// ResolveThis walks THIS/SUPER qualified-name parent links. Cycles cannot
// occur because the inheritance graph is constructed as a DAG (spec §3.3).
func (s *Storage) ResolveThis(id value.InstanceID, name string) (value.Value, bool) {
	for {
		if v, ok := s.GetInstanceVar(id, name); ok {
			return v, true
		}
		inst, ok := s.GetInstance(id)
		if !ok || !inst.HasPar {
			return value.Null, false
		}
		id = inst.Parent
	}
}
