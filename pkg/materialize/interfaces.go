package materialize

import (
	"encoding/binary"
	"errors"
)

// Permissions describe the protection of a target memory allocation.
type Permissions uint8

const (
	// PermRead marks an allocation readable by the target.
	PermRead Permissions = 1 << iota
	// PermWrite marks an allocation writable by the target.
	PermWrite
	// PermExec marks an allocation executable by the target.
	PermExec
)

// AllocationPolicy selects where the backing of an allocation lives.
type AllocationPolicy uint8

const (
	// AllocHostOnly allocations exist only on the debugger side; no target
	// memory is reserved for them.
	AllocHostOnly AllocationPolicy = iota
	// AllocMirror allocations exist in the target with a debugger-side
	// mirror of their contents.
	AllocMirror
	// AllocTargetOnly allocations exist only in the target.
	AllocTargetOnly
)

// MemoryMap is the engine's view of the target process address space. It is
// implemented by memmap.Map.
type MemoryMap interface {
	// Malloc allocates size bytes in the target, aligned to align.
	Malloc(size, align uint64, perms Permissions, policy AllocationPolicy) (uint64, error)
	// Free releases an allocation made by Malloc.
	Free(addr uint64) error
	// ReadMemory is just like io.ReaderAt.ReadAt except addr is a target
	// address.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)
	// ReadPointer reads a pointer-sized integer in the target's byte order.
	ReadPointer(addr uint64) (uint64, error)
	WritePointer(addr uint64, val uint64) error
	ByteOrder() binary.ByteOrder
	AddressByteSize() int
	// BestExecutionScope returns the execution scope to use when no stack
	// frame is available. May return nil if the target is gone.
	BestExecutionScope() ExecutionScope
}

// ExecutionScope ties an operation to the target it executes against.
type ExecutionScope interface {
	// Target returns the target associated with this scope, or nil if it no
	// longer exists.
	Target() Target
}

// Target is the subset of the debugged target the engine needs: symbol
// address resolution and creation of named persistent values.
type Target interface {
	// ResolveLoadAddress maps a symbol's static file address to the address
	// it is loaded at. The second return value is false if the target's
	// modules have not been loaded yet.
	ResolveLoadAddress(fileAddr uint64) (uint64, bool)
	// NextPersistentVariableName returns the next unused name for an
	// expression result ($0, $1, ...).
	NextPersistentVariableName() string
	// NewPersistentVariable creates a named value of the given byte size,
	// registered with the target so it survives this evaluation.
	NewPersistentVariable(name string, size uint64, order binary.ByteOrder, ptrSize int) *PersistentVariable
}

// Frame gives the engine access to the registers of the stopped thread the
// expression will run on. A frame is also an execution scope.
type Frame interface {
	ExecutionScope
	// ReadRegister returns the current bytes of reg, in target byte order.
	ReadRegister(reg *RegisterInfo) ([]byte, error)
	// WriteRegister replaces the contents of reg.
	WriteRegister(reg *RegisterInfo, data []byte) error
}

// RegisterInfo describes a CPU register.
type RegisterInfo struct {
	Name string
	// ByteSize is the native width of the register.
	ByteSize int
}

// ErrNotAddressable is returned by Value.AddressOf when the value has no
// storage in the target (for example a computed or register-resident value).
var ErrNotAddressable = errors.New("value has no addressable storage")

// Value is a resolved, typed view of a variable's current contents.
type Value interface {
	// Size returns the byte size of the value's type.
	Size() uint64
	// BitAlign returns the alignment of the value's type in bits.
	BitAlign() uint64
	// Bytes returns the value's current contents.
	Bytes() ([]byte, error)
	// SetBytes replaces the value's contents after the expression ran.
	SetBytes(data []byte) error
	// AddressOf returns the target address of the value's storage, or
	// ErrNotAddressable.
	AddressOf() (uint64, error)
}

// Var is a source-level variable. The surrounding evaluator resolves it to a
// Value in a concrete execution scope.
type Var interface {
	Name() string
	// Reference reports whether the variable's type is a reference type.
	Reference() bool
	Resolve(scope ExecutionScope) (Value, error)
}
