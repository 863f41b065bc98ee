// Package memmap tracks engine-owned allocations in a target process and
// provides the memory primitives the materialization engine runs on.
package memmap

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/exprmat/exprmat/pkg/logflags"
	"github.com/exprmat/exprmat/pkg/materialize"
)

// TargetMemory is the low-level memory access this package needs from a
// debugged process. It is implemented by the debugger backend, or by
// SimTarget for offline runs.
type TargetMemory interface {
	// ReadMemory is just like io.ReaderAt.ReadAt except addr is a target
	// address.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)
	// AllocateMemory reserves size bytes in the target.
	AllocateMemory(size uint64, perms materialize.Permissions) (uint64, error)
	// DeallocateMemory releases a region returned by AllocateMemory.
	DeallocateMemory(addr uint64) error
	ByteOrder() binary.ByteOrder
	PointerSize() int
	// ExecutionScope returns the scope to evaluate against, nil if the
	// target is gone.
	ExecutionScope() materialize.ExecutionScope
}

// hostMemoryBase is the start of the address range handed out for host-only
// allocations. It sits in the non-canonical hole on every supported target,
// so it can never collide with a real target address.
const hostMemoryBase = 0xffff800000000000

type allocation struct {
	// addr is the aligned address handed to the caller.
	addr uint64
	// base is the address returned by the target allocator; what must be
	// passed to DeallocateMemory.
	base   uint64
	size   uint64
	perms  materialize.Permissions
	policy materialize.AllocationPolicy
	// host is the debugger-side buffer for host-only and mirror policies.
	host []byte
}

func (a *allocation) contains(addr uint64, n int) bool {
	return addr >= a.addr && addr+uint64(n) <= a.addr+a.size
}

type readKey struct {
	addr uint64
	n    int
}

// Map implements materialize.MemoryMap on top of a TargetMemory backend.
// Not safe for concurrent use; the engine is strictly single threaded.
type Map struct {
	target      TargetMemory
	allocations map[uint64]*allocation
	hostNext    uint64
	cache       *lru.Cache
}

// New returns a Map over target. cacheSize is the number of recently read
// memory blocks kept on the debugger side; 0 disables read caching.
func New(target TargetMemory, cacheSize int) *Map {
	m := &Map{
		target:      target,
		allocations: make(map[uint64]*allocation),
		hostNext:    hostMemoryBase,
	}
	if cacheSize > 0 {
		// lru.New only fails for non-positive sizes.
		m.cache, _ = lru.New(cacheSize)
	}
	return m
}

func alignUp(addr, align uint64) uint64 {
	if r := addr % align; r != 0 {
		addr += align - r
	}
	return addr
}

// Malloc allocates size bytes aligned to align. Host-only allocations never
// touch the target.
func (m *Map) Malloc(size, align uint64, perms materialize.Permissions, policy materialize.AllocationPolicy) (uint64, error) {
	if align == 0 {
		align = 1
	}

	a := &allocation{size: size, perms: perms, policy: policy}
	switch policy {
	case materialize.AllocHostOnly:
		a.addr = alignUp(m.hostNext, align)
		a.base = a.addr
		m.hostNext = a.addr + size
		a.host = make([]byte, size)
	case materialize.AllocMirror, materialize.AllocTargetOnly:
		// Over-allocate so the aligned address still leaves room for size
		// bytes; the backend only guarantees its own natural alignment.
		base, err := m.target.AllocateMemory(size+align-1, perms)
		if err != nil {
			return 0, err
		}
		a.base = base
		a.addr = alignUp(base, align)
		if policy == materialize.AllocMirror {
			a.host = make([]byte, size)
		}
	default:
		return 0, fmt.Errorf("unknown allocation policy %d", policy)
	}

	m.allocations[a.addr] = a
	memmapLog("allocated %d bytes at %#x (align %d, policy %d)", size, a.addr, align, policy)
	return a.addr, nil
}

// Free releases an allocation made by Malloc. Freeing an address that is not
// the start of a live allocation is an error.
func (m *Map) Free(addr uint64) error {
	a, ok := m.allocations[addr]
	if !ok {
		return fmt.Errorf("attempt to free unallocated memory at %#x", addr)
	}
	if a.policy != materialize.AllocHostOnly {
		if err := m.target.DeallocateMemory(a.base); err != nil {
			return fmt.Errorf("could not deallocate target memory at %#x: %v", a.addr, err)
		}
	}
	delete(m.allocations, addr)
	if m.cache != nil {
		m.cache.Purge()
	}
	memmapLog("freed allocation at %#x", addr)
	return nil
}

// OutstandingAllocations returns the number of live allocations.
func (m *Map) OutstandingAllocations() int {
	return len(m.allocations)
}

// AllocationSize returns the requested size of the live allocation starting
// at addr.
func (m *Map) AllocationSize(addr uint64) (uint64, bool) {
	a, ok := m.allocations[addr]
	if !ok {
		return 0, false
	}
	return a.size, true
}

func (m *Map) findAllocation(addr uint64, n int) *allocation {
	for _, a := range m.allocations {
		if a.contains(addr, n) {
			return a
		}
	}
	return nil
}

// ReadMemory reads len(buf) bytes at addr. Reads of host-only allocations
// are served from the debugger side; target reads go through the read cache
// when it is enabled.
func (m *Map) ReadMemory(buf []byte, addr uint64) (int, error) {
	if a := m.findAllocation(addr, len(buf)); a != nil && a.policy == materialize.AllocHostOnly {
		copy(buf, a.host[addr-a.addr:])
		return len(buf), nil
	}

	key := readKey{addr, len(buf)}
	if m.cache != nil {
		if cached, ok := m.cache.Get(key); ok {
			copy(buf, cached.([]byte))
			return len(buf), nil
		}
	}

	n, err := m.target.ReadMemory(buf, addr)
	if err != nil {
		return n, err
	}
	if m.cache != nil {
		m.cache.Add(key, append([]byte(nil), buf...))
	}
	return n, nil
}

// WriteMemory writes data at addr. Any cached reads are discarded.
func (m *Map) WriteMemory(addr uint64, data []byte) (int, error) {
	if m.cache != nil {
		m.cache.Purge()
	}
	if a := m.findAllocation(addr, len(data)); a != nil {
		if a.host != nil {
			copy(a.host[addr-a.addr:], data)
		}
		if a.policy == materialize.AllocHostOnly {
			return len(data), nil
		}
	}
	return m.target.WriteMemory(addr, data)
}

// ReadPointer reads a pointer-sized integer at addr in the target's byte
// order.
func (m *Map) ReadPointer(addr uint64) (uint64, error) {
	buf := make([]byte, m.AddressByteSize())
	if _, err := m.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	switch len(buf) {
	case 4:
		return uint64(m.ByteOrder().Uint32(buf)), nil
	case 8:
		return m.ByteOrder().Uint64(buf), nil
	default:
		return 0, fmt.Errorf("unsupported pointer size %d", len(buf))
	}
}

// WritePointer writes val as a pointer-sized integer at addr.
func (m *Map) WritePointer(addr uint64, val uint64) error {
	buf := make([]byte, m.AddressByteSize())
	switch len(buf) {
	case 4:
		m.ByteOrder().PutUint32(buf, uint32(val))
	case 8:
		m.ByteOrder().PutUint64(buf, val)
	default:
		return fmt.Errorf("unsupported pointer size %d", len(buf))
	}
	_, err := m.WriteMemory(addr, buf)
	return err
}

// ByteOrder returns the target's byte order.
func (m *Map) ByteOrder() binary.ByteOrder {
	return m.target.ByteOrder()
}

// AddressByteSize returns the target's pointer size.
func (m *Map) AddressByteSize() int {
	return m.target.PointerSize()
}

// BestExecutionScope returns the scope to use when no stack frame is
// available.
func (m *Map) BestExecutionScope() materialize.ExecutionScope {
	return m.target.ExecutionScope()
}

func memmapLog(fmtstr string, args ...interface{}) {
	if logflags.MemMap() {
		logflags.MemMapLogger().Infof(fmtstr, args...)
	}
}
