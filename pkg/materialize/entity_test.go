package materialize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
)

type fakeTarget struct {
	slide     uint64
	loaded    bool
	dead      bool
	pvarCount int
}

func (t *fakeTarget) Target() Target {
	if t.dead {
		return nil
	}
	return t
}

func (t *fakeTarget) ResolveLoadAddress(fileAddr uint64) (uint64, bool) {
	if !t.loaded {
		return 0, false
	}
	return fileAddr + t.slide, true
}

func (t *fakeTarget) NextPersistentVariableName() string {
	name := fmt.Sprintf("$%d", t.pvarCount)
	t.pvarCount++
	return name
}

func (t *fakeTarget) NewPersistentVariable(name string, size uint64, order binary.ByteOrder, ptrSize int) *PersistentVariable {
	return NewPersistentVariable(name, size, order, ptrSize)
}

type fakeFrame struct {
	target *fakeTarget
	regs   map[string][]byte
}

func (f *fakeFrame) Target() Target { return f.target.Target() }

func (f *fakeFrame) ReadRegister(reg *RegisterInfo) ([]byte, error) {
	data, ok := f.regs[reg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown register %s", reg.Name)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeFrame) WriteRegister(reg *RegisterInfo, data []byte) error {
	f.regs[reg.Name] = append([]byte(nil), data...)
	return nil
}

// fakeMap is a flat little-endian memory with allocation accounting. Unlike
// memmap.Map it accepts reads and writes anywhere, like a fully mapped
// process.
type fakeMap struct {
	target *fakeTarget
	data   map[uint64]byte
	allocs map[uint64]uint64
	next   uint64
}

func newFakeMap(target *fakeTarget) *fakeMap {
	return &fakeMap{
		target: target,
		data:   make(map[uint64]byte),
		allocs: make(map[uint64]uint64),
		next:   0x2000,
	}
}

func (m *fakeMap) Malloc(size, align uint64, perms Permissions, policy AllocationPolicy) (uint64, error) {
	if align == 0 {
		align = 1
	}
	addr := m.next
	if r := addr % align; r != 0 {
		addr += align - r
	}
	m.allocs[addr] = size
	m.next = addr + size + 16
	return addr, nil
}

func (m *fakeMap) Free(addr uint64) error {
	if _, ok := m.allocs[addr]; !ok {
		return fmt.Errorf("attempt to free unallocated memory at %#x", addr)
	}
	delete(m.allocs, addr)
	return nil
}

func (m *fakeMap) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		buf[i] = m.data[addr+uint64(i)]
	}
	return len(buf), nil
}

func (m *fakeMap) WriteMemory(addr uint64, data []byte) (int, error) {
	for i, b := range data {
		m.data[addr+uint64(i)] = b
	}
	return len(data), nil
}

func (m *fakeMap) ReadPointer(addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	m.ReadMemory(buf, addr)
	return binary.LittleEndian.Uint64(buf), nil
}

func (m *fakeMap) WritePointer(addr uint64, val uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	m.WriteMemory(addr, buf)
	return nil
}

func (m *fakeMap) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (m *fakeMap) AddressByteSize() int        { return 8 }

func (m *fakeMap) BestExecutionScope() ExecutionScope {
	if m.target == nil || m.target.dead {
		return nil
	}
	return m.target
}

// fakeVar is a scripted variable implementing both Var and Value.
type fakeVar struct {
	name     string
	ref      bool
	size     uint64
	bitAlign uint64
	data     []byte
	addr     uint64
	hasAddr  bool
}

func (v *fakeVar) Name() string    { return v.name }
func (v *fakeVar) Reference() bool { return v.ref }

func (v *fakeVar) Resolve(scope ExecutionScope) (Value, error) {
	if scope == nil {
		return nil, fmt.Errorf("no execution scope")
	}
	return v, nil
}

func (v *fakeVar) Size() uint64     { return v.size }
func (v *fakeVar) BitAlign() uint64 { return v.bitAlign }

func (v *fakeVar) Bytes() ([]byte, error) {
	return append([]byte(nil), v.data...), nil
}

func (v *fakeVar) SetBytes(data []byte) error {
	if uint64(len(data)) != v.size {
		return fmt.Errorf("expected %d bytes, got %d", v.size, len(data))
	}
	v.data = append([]byte(nil), data...)
	return nil
}

func (v *fakeVar) AddressOf() (uint64, error) {
	if !v.hasAddr {
		return 0, ErrNotAddressable
	}
	return v.addr, nil
}

const testBase = 0x100

func TestRegisterWidthMismatch(t *testing.T) {
	target := &fakeTarget{}
	frame := &fakeFrame{target: target, regs: map[string][]byte{"rax": {1, 2, 3, 4}}}
	mem := newFakeMap(target)

	m := New()
	m.AddRegister(RegisterInfo{Name: "rax", ByteSize: 8})

	err := m.entities[0].materialize(frame, mem, testBase)
	if err == nil {
		t.Fatal("expected an error for a short register read")
	}
	if !strings.Contains(err.Error(), "had size 4 but we expected 8") {
		t.Errorf("unexpected error: %v", err)
	}
	// The width check runs before anything is written.
	slot := make([]byte, 8)
	mem.ReadMemory(slot, testBase)
	if !bytes.Equal(slot, make([]byte, 8)) {
		t.Errorf("slot was written despite the error: %x", slot)
	}
}

func TestRegisterEntityRoundTrip(t *testing.T) {
	target := &fakeTarget{}
	frame := &fakeFrame{target: target, regs: map[string][]byte{"eax": {0xef, 0xbe, 0xad, 0xde}}}
	mem := newFakeMap(target)

	m := New()
	off := m.AddRegister(RegisterInfo{Name: "eax", ByteSize: 4})
	e := m.entities[0]

	if err := e.materialize(frame, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	slot := make([]byte, 4)
	mem.ReadMemory(slot, testBase+uint64(off))
	if !bytes.Equal(slot, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("slot = %x, want efbeadde", slot)
	}

	mem.WriteMemory(testBase+uint64(off), []byte{1, 2, 3, 4})
	if err := e.dematerialize(frame, mem, testBase, InvalidFrameBound, InvalidFrameBound); err != nil {
		t.Fatalf("dematerialize: %v", err)
	}
	if got := frame.regs["eax"]; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("register after dematerialize = %x, want 01020304", got)
	}
}

func TestRegisterNeedsFrame(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	m := New()
	m.AddRegister(RegisterInfo{Name: "rax", ByteSize: 8})

	if err := m.entities[0].materialize(nil, mem, testBase); err == nil {
		t.Error("expected an error materializing a register without a frame")
	}
	if err := m.entities[0].dematerialize(nil, mem, testBase, InvalidFrameBound, InvalidFrameBound); err == nil {
		t.Error("expected an error dematerializing a register without a frame")
	}
}

func TestResultGenericDematerializeRejected(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	e := &resultEntity{tempAlloc: invalidAddress}
	if err := e.dematerialize(nil, mem, testBase, InvalidFrameBound, InvalidFrameBound); err != errResultGenericDemat {
		t.Errorf("err = %v, want %v", err, errResultGenericDemat)
	}
}

func TestVariableScratchAlreadyExists(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	m := New()
	m.AddVariable(&fakeVar{name: "x", size: 4, bitAlign: 32, data: []byte{1, 2, 3, 4}})
	e := m.entities[0]

	if err := e.materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	err := e.materialize(nil, mem, testBase)
	if err == nil || !strings.Contains(err.Error(), "one exists") {
		t.Errorf("second materialize: err = %v, want temporary region error", err)
	}
}

func TestVariableSizeDisagreement(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	m := New()
	m.AddVariable(&fakeVar{name: "x", size: 8, bitAlign: 64, data: []byte{1, 2, 3, 4}})

	err := m.entities[0].materialize(nil, mem, testBase)
	if err == nil || !strings.Contains(err.Error(), "disagrees") {
		t.Errorf("err = %v, want size disagreement error", err)
	}
}

func TestVariableReferenceWritesPointee(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	refBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(refBytes, 0x5000)

	m := New()
	off := m.AddVariable(&fakeVar{name: "r", ref: true, size: 8, bitAlign: 64, data: refBytes})

	if err := m.entities[0].materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	slot, _ := mem.ReadPointer(testBase + uint64(off))
	if slot != 0x5000 {
		t.Errorf("slot = %#x, want 0x5000", slot)
	}
	if len(mem.allocs) != 0 {
		t.Errorf("reference variable made %d allocations, want 0", len(mem.allocs))
	}
}

func TestVariableAddressedNoScratch(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	m := New()
	off := m.AddVariable(&fakeVar{name: "x", size: 4, bitAlign: 32, data: []byte{1, 2, 3, 4}, addr: 0x7000, hasAddr: true})
	e := m.entities[0]

	if err := e.materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	slot, _ := mem.ReadPointer(testBase + uint64(off))
	if slot != 0x7000 {
		t.Errorf("slot = %#x, want 0x7000", slot)
	}
	if len(mem.allocs) != 0 {
		t.Errorf("addressed variable made %d allocations, want 0", len(mem.allocs))
	}
	// Nothing to copy back either.
	if err := e.dematerialize(nil, mem, testBase, InvalidFrameBound, InvalidFrameBound); err != nil {
		t.Errorf("dematerialize: %v", err)
	}
}

func TestPersistentProgramReferenceLateResolution(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	pv := NewPersistentVariable("$p", 4, binary.LittleEndian, 8)
	pv.Flags = PVIsProgramReference

	m := New()
	off := m.AddPersistentVariable(pv)
	e := m.entities[0]

	// The expression wrote the variable's program location into the slot.
	mem.WritePointer(testBase+uint64(off), 0x4000)

	if err := e.dematerialize(nil, mem, testBase, 0x9000, 0x8000); err != nil {
		t.Fatalf("dematerialize: %v", err)
	}
	live, ok := pv.LiveAddress()
	if !ok || live != 0x4000 {
		t.Errorf("live address = %#x, %v, want 0x4000, true", live, ok)
	}
	if pv.Flags != PVIsProgramReference {
		t.Errorf("flags = %#x, want unchanged %#x", pv.Flags, PVIsProgramReference)
	}
}

func TestPersistentFrameContainmentReflag(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	pv := NewPersistentVariable("$p", 4, binary.LittleEndian, 8)
	pv.Flags = PVIsProgramReference

	m := New()
	off := m.AddPersistentVariable(pv)
	e := m.entities[0]

	// The location is inside the expression's own stack frame, so the
	// variable cannot stay a program reference.
	mem.WritePointer(testBase+uint64(off), 0x8800)
	mem.WriteMemory(0x8800, []byte{0xaa, 0xbb, 0xcc, 0xdd})

	err := e.dematerialize(nil, mem, testBase, 0x9000, 0x8000)

	if pv.Flags&PVIsProgramReference != 0 {
		t.Error("program reference flag still set after frame containment")
	}
	if pv.Flags&PVIsEngineAllocated == 0 || pv.Flags&PVNeedsAllocation == 0 {
		t.Errorf("flags = %#x, want engine-allocated and needs-allocation set", pv.Flags)
	}
	if pv.Flags&PVNeedsFreezeDry != 0 {
		t.Error("freeze-dry flag not cleared after the read-back")
	}
	if !bytes.Equal(pv.Bytes(), []byte{0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Errorf("contents = %x, want aabbccdd", pv.Bytes())
	}
	// The stack location was never a tracked allocation, so the teardown of
	// the stale backing fails.
	if err == nil || !strings.Contains(err.Error(), "could not deallocate") {
		t.Errorf("err = %v, want deallocation failure", err)
	}
}

func TestPersistentNoMaterialization(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	pv := NewPersistentVariable("$p", 4, binary.LittleEndian, 8)

	m := New()
	m.AddPersistentVariable(pv)

	err := m.entities[0].materialize(nil, mem, testBase)
	if err == nil || !strings.Contains(err.Error(), "no materialization happened") {
		t.Errorf("err = %v, want no-materialization error", err)
	}
}

func TestPersistentAllocateAndTearDown(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	pv := NewPersistentVariable("$p", 4, binary.LittleEndian, 8)
	copy(pv.Bytes(), []byte{1, 2, 3, 4})
	pv.Flags = PVNeedsAllocation | PVIsEngineAllocated

	m := New()
	off := m.AddPersistentVariable(pv)
	e := m.entities[0]

	if err := e.materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	live, ok := pv.LiveAddress()
	if !ok {
		t.Fatal("no live address after materialize")
	}
	slot, _ := mem.ReadPointer(testBase + uint64(off))
	if slot != live {
		t.Errorf("slot = %#x, want live address %#x", slot, live)
	}
	stored := make([]byte, 4)
	mem.ReadMemory(stored, live)
	if !bytes.Equal(stored, []byte{1, 2, 3, 4}) {
		t.Errorf("backing contents = %x, want 01020304", stored)
	}

	if err := e.dematerialize(nil, mem, testBase, InvalidFrameBound, InvalidFrameBound); err != nil {
		t.Fatalf("dematerialize: %v", err)
	}
	if _, ok := pv.LiveAddress(); ok {
		t.Error("live address survived teardown")
	}
	if len(mem.allocs) != 0 {
		t.Errorf("%d allocations outstanding after teardown, want 0", len(mem.allocs))
	}
}

func TestPersistentKeepInTarget(t *testing.T) {
	target := &fakeTarget{}
	mem := newFakeMap(target)

	pv := NewPersistentVariable("$p", 4, binary.LittleEndian, 8)
	pv.Flags = PVNeedsAllocation | PVIsEngineAllocated | PVKeepInTarget

	m := New()
	m.AddPersistentVariable(pv)
	e := m.entities[0]

	if err := e.materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if pv.Flags&PVNeedsAllocation != 0 {
		t.Error("needs-allocation flag not cleared for a keep-in-target variable")
	}
	live, _ := pv.LiveAddress()
	mem.WriteMemory(live, []byte{9, 9, 9, 9})

	if err := e.dematerialize(nil, mem, testBase, InvalidFrameBound, InvalidFrameBound); err != nil {
		t.Fatalf("dematerialize: %v", err)
	}
	if !bytes.Equal(pv.Bytes(), []byte{9, 9, 9, 9}) {
		t.Errorf("contents = %x, want 09090909", pv.Bytes())
	}
	if _, ok := pv.LiveAddress(); !ok {
		t.Error("keep-in-target variable lost its live address")
	}
	if len(mem.allocs) != 1 {
		t.Errorf("%d allocations outstanding, want the durable backing to survive", len(mem.allocs))
	}
}

func TestSymbolLoadAddressAndFallback(t *testing.T) {
	target := &fakeTarget{loaded: true, slide: 0x100000}
	mem := newFakeMap(target)

	m := New()
	off := m.AddSymbol(Symbol{Name: "printf", FileAddr: 0x401000})

	if err := m.entities[0].materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	slot, _ := mem.ReadPointer(testBase + uint64(off))
	if slot != 0x501000 {
		t.Errorf("slot = %#x, want 0x501000", slot)
	}

	// Before the target's modules load, the static address is used as-is.
	target.loaded = false
	if err := m.entities[0].materialize(nil, mem, testBase); err != nil {
		t.Fatalf("materialize (unloaded): %v", err)
	}
	slot, _ = mem.ReadPointer(testBase + uint64(off))
	if slot != 0x401000 {
		t.Errorf("slot = %#x, want 0x401000", slot)
	}
}
