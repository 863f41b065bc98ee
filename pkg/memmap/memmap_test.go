package memmap

import (
	"bytes"
	"testing"

	"github.com/exprmat/exprmat/pkg/materialize"
)

func TestMallocFreeAccounting(t *testing.T) {
	target := NewSimTarget()
	m := New(target, 0)

	addr, err := m.Malloc(32, 8, materialize.PermRead|materialize.PermWrite, materialize.AllocTargetOnly)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if addr%8 != 0 {
		t.Errorf("address %#x not aligned to 8", addr)
	}
	if size, ok := m.AllocationSize(addr); !ok || size != 32 {
		t.Errorf("AllocationSize = %d, %v, want 32, true", size, ok)
	}
	if n := m.OutstandingAllocations(); n != 1 {
		t.Errorf("outstanding = %d, want 1", n)
	}

	if err := m.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if n := m.OutstandingAllocations(); n != 0 {
		t.Errorf("outstanding after free = %d, want 0", n)
	}
	if err := m.Free(addr); err == nil {
		t.Error("double free succeeded")
	}
}

func TestFreeUnknownAddress(t *testing.T) {
	m := New(NewSimTarget(), 0)
	if err := m.Free(0x1234); err == nil {
		t.Error("free of an address that was never allocated succeeded")
	}
}

func TestMallocAlignment(t *testing.T) {
	m := New(NewSimTarget(), 0)
	for _, align := range []uint64{1, 2, 16, 64, 4096} {
		addr, err := m.Malloc(8, align, materialize.PermRead, materialize.AllocTargetOnly)
		if err != nil {
			t.Fatalf("Malloc(align %d): %v", align, err)
		}
		if addr%align != 0 {
			t.Errorf("address %#x not aligned to %d", addr, align)
		}
	}
}

func TestHostOnlyNeverTouchesTarget(t *testing.T) {
	target := NewSimTarget()
	m := New(target, 0)

	addr, err := m.Malloc(16, 8, materialize.PermRead|materialize.PermWrite, materialize.AllocHostOnly)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if addr < hostMemoryBase {
		t.Errorf("host-only address %#x below the host range", addr)
	}
	if len(target.regions) != 0 {
		t.Error("host-only allocation reserved target memory")
	}

	if _, err := m.WriteMemory(addr, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got := make([]byte, 4)
	if _, err := m.ReadMemory(got, addr); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("read back %x, want 01020304", got)
	}
	// The target never saw the address.
	if _, err := target.ReadMemory(make([]byte, 4), addr); err == nil {
		t.Error("host-only contents leaked into the target")
	}

	if err := m.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestMirrorRoundTrip(t *testing.T) {
	target := NewSimTarget()
	m := New(target, 8)

	addr, err := m.Malloc(8, 8, materialize.PermRead|materialize.PermWrite, materialize.AllocMirror)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if _, err := m.WriteMemory(addr, []byte{9, 8, 7, 6, 5, 4, 3, 2}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	// The write reached the target, not just the mirror.
	got := make([]byte, 8)
	if _, err := target.ReadMemory(got, addr); err != nil {
		t.Fatalf("target.ReadMemory: %v", err)
	}
	if !bytes.Equal(got, []byte{9, 8, 7, 6, 5, 4, 3, 2}) {
		t.Errorf("target contents = %x", got)
	}
}

func TestWriteInvalidatesCachedReads(t *testing.T) {
	target := NewSimTarget()
	m := New(target, 8)

	addr, err := m.Malloc(4, 4, materialize.PermRead|materialize.PermWrite, materialize.AllocTargetOnly)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if _, err := m.WriteMemory(addr, []byte{1, 1, 1, 1}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}

	got := make([]byte, 4)
	m.ReadMemory(got, addr) // populates the cache
	if _, err := m.WriteMemory(addr, []byte{2, 2, 2, 2}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if _, err := m.ReadMemory(got, addr); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(got, []byte{2, 2, 2, 2}) {
		t.Errorf("read %x after write, want 02020202", got)
	}
}

func TestPointerIO(t *testing.T) {
	m := New(NewSimTarget(), 0)

	addr, err := m.Malloc(8, 8, materialize.PermRead|materialize.PermWrite, materialize.AllocTargetOnly)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := m.WritePointer(addr, 0x1122334455667788); err != nil {
		t.Fatalf("WritePointer: %v", err)
	}
	got, err := m.ReadPointer(addr)
	if err != nil {
		t.Fatalf("ReadPointer: %v", err)
	}
	if got != 0x1122334455667788 {
		t.Errorf("ReadPointer = %#x", got)
	}

	// Little endian on the wire.
	raw := make([]byte, 8)
	m.ReadMemory(raw, addr)
	if !bytes.Equal(raw, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}) {
		t.Errorf("raw bytes = %x", raw)
	}
}

func TestSimTargetUnmappedAccess(t *testing.T) {
	target := NewSimTarget()
	if _, err := target.ReadMemory(make([]byte, 4), 0xdead0000); err == nil {
		t.Error("read of unmapped memory succeeded")
	}
	if _, err := target.WriteMemory(0xdead0000, []byte{1}); err == nil {
		t.Error("write to unmapped memory succeeded")
	}
	if err := target.DeallocateMemory(0xdead0000); err == nil {
		t.Error("deallocate of unallocated memory succeeded")
	}
}

func TestSimTargetMappedRegion(t *testing.T) {
	target := NewSimTarget()
	target.MapRegion(0x7000, 0x100)

	if _, err := target.WriteMemory(0x7080, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got := make([]byte, 3)
	if _, err := target.ReadMemory(got, 0x7080); err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("read %x, want 010203", got)
	}
}

func TestSimTargetDead(t *testing.T) {
	target := NewSimTarget()
	target.Kill()
	if target.ExecutionScope() != nil {
		t.Error("dead target still has an execution scope")
	}
	if _, err := target.AllocateMemory(8, materialize.PermRead); err == nil {
		t.Error("allocation on a dead target succeeded")
	}
}
