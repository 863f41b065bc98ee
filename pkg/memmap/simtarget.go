package memmap

import (
	"encoding/binary"
	"fmt"

	"github.com/exprmat/exprmat/pkg/materialize"
)

const pageSize = 0x1000

// SimTarget is an in-memory stand-in for a debugged process: a sparse page
// store with a bump allocator, a symbol slide and a persistent variable
// counter. It backs tests and the CLI's simulated runs; real debugger
// backends implement TargetMemory against a live process instead.
type SimTarget struct {
	pages   map[uint64][]byte
	regions map[uint64]uint64
	next    uint64

	order   binary.ByteOrder
	ptrSize int

	loaded bool
	slide  uint64
	dead   bool

	pvarCount int
}

// NewSimTarget returns an empty little-endian 64-bit simulated target.
func NewSimTarget() *SimTarget {
	return &SimTarget{
		pages:   make(map[uint64][]byte),
		regions: make(map[uint64]uint64),
		next:    0x00100000,
		order:   binary.LittleEndian,
		ptrSize: 8,
	}
}

// MapRegion makes [addr, addr+size) readable and writable without going
// through the allocator, like memory the program itself owns.
func (t *SimTarget) MapRegion(addr, size uint64) {
	for page := addr &^ (pageSize - 1); page < addr+size; page += pageSize {
		if t.pages[page] == nil {
			t.pages[page] = make([]byte, pageSize)
		}
	}
}

// SetLoaded marks the target's modules loaded at the given slide, enabling
// load address resolution.
func (t *SimTarget) SetLoaded(slide uint64) {
	t.loaded = true
	t.slide = slide
}

// Kill makes the target unavailable: ExecutionScope and Target return nil
// afterwards.
func (t *SimTarget) Kill() {
	t.dead = true
}

func (t *SimTarget) page(addr uint64) []byte {
	return t.pages[addr&^(pageSize-1)]
}

// ReadMemory implements TargetMemory. Reads of unmapped memory fail.
func (t *SimTarget) ReadMemory(buf []byte, addr uint64) (int, error) {
	for n := 0; n < len(buf); {
		p := t.page(addr + uint64(n))
		if p == nil {
			return n, fmt.Errorf("read of unmapped memory at %#x", addr+uint64(n))
		}
		off := (addr + uint64(n)) % pageSize
		n += copy(buf[n:], p[off:])
	}
	return len(buf), nil
}

// WriteMemory implements TargetMemory. Writes to unmapped memory fail.
func (t *SimTarget) WriteMemory(addr uint64, data []byte) (int, error) {
	for n := 0; n < len(data); {
		p := t.page(addr + uint64(n))
		if p == nil {
			return n, fmt.Errorf("write to unmapped memory at %#x", addr+uint64(n))
		}
		off := (addr + uint64(n)) % pageSize
		n += copy(p[off:], data[n:])
	}
	return len(data), nil
}

// AllocateMemory implements TargetMemory with a bump allocator.
func (t *SimTarget) AllocateMemory(size uint64, perms materialize.Permissions) (uint64, error) {
	if t.dead {
		return 0, fmt.Errorf("cannot allocate %d bytes: target is gone", size)
	}
	if size == 0 {
		size = 1
	}
	addr := alignUp(t.next, 16)
	t.MapRegion(addr, size)
	t.regions[addr] = size
	t.next = addr + size
	return addr, nil
}

// DeallocateMemory implements TargetMemory.
func (t *SimTarget) DeallocateMemory(addr uint64) error {
	if _, ok := t.regions[addr]; !ok {
		return fmt.Errorf("deallocate of unallocated address %#x", addr)
	}
	delete(t.regions, addr)
	return nil
}

// ByteOrder implements TargetMemory.
func (t *SimTarget) ByteOrder() binary.ByteOrder { return t.order }

// PointerSize implements TargetMemory.
func (t *SimTarget) PointerSize() int { return t.ptrSize }

// ExecutionScope implements TargetMemory.
func (t *SimTarget) ExecutionScope() materialize.ExecutionScope {
	if t.dead {
		return nil
	}
	return t
}

// Target implements materialize.ExecutionScope.
func (t *SimTarget) Target() materialize.Target {
	if t.dead {
		return nil
	}
	return t
}

// ResolveLoadAddress implements materialize.Target.
func (t *SimTarget) ResolveLoadAddress(fileAddr uint64) (uint64, bool) {
	if !t.loaded {
		return 0, false
	}
	return fileAddr + t.slide, true
}

// NextPersistentVariableName implements materialize.Target.
func (t *SimTarget) NextPersistentVariableName() string {
	name := fmt.Sprintf("$%d", t.pvarCount)
	t.pvarCount++
	return name
}

// NewPersistentVariable implements materialize.Target.
func (t *SimTarget) NewPersistentVariable(name string, size uint64, order binary.ByteOrder, ptrSize int) *materialize.PersistentVariable {
	return materialize.NewPersistentVariable(name, size, order, ptrSize)
}

// SimFrame is a stopped stack frame of a SimTarget with a named register
// file.
type SimFrame struct {
	target *SimTarget
	regs   map[string][]byte
}

// NewFrame returns a frame with an empty register file.
func (t *SimTarget) NewFrame() *SimFrame {
	return &SimFrame{target: t, regs: make(map[string][]byte)}
}

// Target implements materialize.ExecutionScope.
func (f *SimFrame) Target() materialize.Target {
	return f.target.Target()
}

// SetRegister initializes or replaces a register's bytes.
func (f *SimFrame) SetRegister(name string, data []byte) {
	f.regs[name] = append([]byte(nil), data...)
}

// Register returns the current bytes of a register, nil if unset.
func (f *SimFrame) Register(name string) []byte {
	return f.regs[name]
}

// ReadRegister implements materialize.Frame.
func (f *SimFrame) ReadRegister(reg *materialize.RegisterInfo) ([]byte, error) {
	data, ok := f.regs[reg.Name]
	if !ok {
		return nil, fmt.Errorf("unknown register %s", reg.Name)
	}
	return append([]byte(nil), data...), nil
}

// WriteRegister implements materialize.Frame.
func (f *SimFrame) WriteRegister(reg *materialize.RegisterInfo, data []byte) error {
	if _, ok := f.regs[reg.Name]; !ok {
		return fmt.Errorf("unknown register %s", reg.Name)
	}
	f.regs[reg.Name] = append([]byte(nil), data...)
	return nil
}

// SimVar is a scripted source-level variable for simulated runs. Its Value
// view resolves to itself in any scope.
type SimVar struct {
	name    string
	ref     bool
	typ     materialize.TypeInfo
	data    []byte
	addr    uint64
	hasAddr bool
}

// NewSimVar returns a variable with the given debugger-side contents and no
// addressable storage.
func NewSimVar(name string, typ materialize.TypeInfo, data []byte) *SimVar {
	return &SimVar{name: name, typ: typ, data: append([]byte(nil), data...)}
}

// SetAddress gives the variable addressable storage in the target.
func (v *SimVar) SetAddress(addr uint64) {
	v.addr = addr
	v.hasAddr = true
}

// SetReference marks the variable's type as a reference type. Its contents
// must then hold the referenced address in target byte order.
func (v *SimVar) SetReference(ref bool) {
	v.ref = ref
}

// Data returns the variable's debugger-side contents.
func (v *SimVar) Data() []byte { return v.data }

// Name implements materialize.Var.
func (v *SimVar) Name() string { return v.name }

// Reference implements materialize.Var.
func (v *SimVar) Reference() bool { return v.ref }

// Resolve implements materialize.Var.
func (v *SimVar) Resolve(scope materialize.ExecutionScope) (materialize.Value, error) {
	if scope == nil {
		return nil, fmt.Errorf("no execution scope")
	}
	return v, nil
}

// Size implements materialize.Value.
func (v *SimVar) Size() uint64 { return v.typ.ByteSize }

// BitAlign implements materialize.Value.
func (v *SimVar) BitAlign() uint64 { return v.typ.BitAlign }

// Bytes implements materialize.Value.
func (v *SimVar) Bytes() ([]byte, error) {
	return append([]byte(nil), v.data...), nil
}

// SetBytes implements materialize.Value.
func (v *SimVar) SetBytes(data []byte) error {
	if uint64(len(data)) != v.typ.ByteSize {
		return fmt.Errorf("expected %d bytes for %s, got %d", v.typ.ByteSize, v.name, len(data))
	}
	copy(v.data, data)
	return nil
}

// AddressOf implements materialize.Value.
func (v *SimVar) AddressOf() (uint64, error) {
	if !v.hasAddr {
		return 0, materialize.ErrNotAddressable
	}
	return v.addr, nil
}
