package materialize

import (
	"errors"
	"fmt"
)

var (
	errResultRegionExists = errors.New("trying to create a temporary region for the result but one exists")
	errResultGenericDemat = errors.New("tried to dematerialize a result variable with the generic dematerialize method")
)

type resultEntity struct {
	entityInfo
	typ TypeInfo
	// isProgramReference is true when the expression writes the address of
	// program storage into the slot itself, so no scratch region is needed.
	isProgramReference bool
	// keepInMemory is true when the result must stay resident in the target
	// after teardown.
	keepInMemory bool

	tempAlloc     uint64
	tempAllocSize uint64
}

// AddResultVariable adds the struct member holding the expression's result
// and returns its offset. At most one result entity may exist per
// Materializer; adding a second one replaces the designation.
func (m *Materializer) AddResultVariable(typ TypeInfo, isProgramReference, keepInMemory bool) uint32 {
	// Hard-coded to the maximum size of a pointer since all results are
	// materialized by reference.
	e := &resultEntity{
		typ:                typ,
		isProgramReference: isProgramReference,
		keepInMemory:       keepInMemory,
		tempAlloc:          invalidAddress,
	}
	e.size = pointerSize
	e.alignment = pointerSize
	ret := m.addStructMember(e)
	m.resultEntity = e
	return ret
}

func (e *resultEntity) materialize(frame Frame, mem MemoryMap, base uint64) error {
	matLog("resultEntity.materialize [base = %#x]", base)

	if e.isProgramReference {
		// The compiled expression fills the slot in with the address of the
		// program storage it references.
		return nil
	}

	if e.tempAlloc != invalidAddress {
		return errResultRegionExists
	}

	addr, err := mem.Malloc(e.typ.ByteSize, e.typ.AlignBytes(), PermRead|PermWrite, AllocMirror)
	if err != nil {
		return fmt.Errorf("could not allocate a temporary region for the result: %v", err)
	}
	e.tempAlloc = addr
	e.tempAllocSize = e.typ.ByteSize

	if err := mem.WritePointer(base+uint64(e.offset), addr); err != nil {
		return fmt.Errorf("could not write the address of the temporary region for the result: %v", err)
	}
	return nil
}

func (e *resultEntity) dematerialize(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) error {
	return errResultGenericDemat
}

// dematerializeResult reads the result's address out of the struct slot and
// manufactures a brand-new persistent variable holding its bytes. Unlike
// ordinary variables the result has no pre-existing debugger-side identity
// until the expression finishes.
func (e *resultEntity) dematerializeResult(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) (*PersistentVariable, error) {
	scope := mem.BestExecutionScope()
	if scope == nil {
		return nil, errors.New("could not dematerialize the result variable: invalid execution scope")
	}

	addr, err := mem.ReadPointer(base + uint64(e.offset))
	if err != nil {
		return nil, fmt.Errorf("could not dematerialize the result variable: could not read its address: %v", err)
	}

	target := scope.Target()
	if target == nil {
		return nil, errors.New("could not dematerialize the result variable: no target")
	}

	name := target.NextPersistentVariableName()
	ret := target.NewPersistentVariable(name, e.typ.ByteSize, mem.ByteOrder(), mem.AddressByteSize())
	if ret == nil {
		return nil, fmt.Errorf("could not dematerialize the result variable: failed to make persistent variable %s", name)
	}
	ret.SetLiveAddress(addr)

	if _, err := mem.ReadMemory(ret.Bytes(), addr); err != nil {
		return nil, fmt.Errorf("could not dematerialize the result variable: could not read its memory: %v", err)
	}

	if !e.keepInMemory && e.tempAlloc != invalidAddress {
		// The scratch region goes away, so the new variable is not backed by
		// durable storage yet.
		ret.Flags |= PVNeedsAllocation
		ret.ClearLive()
		mem.Free(e.tempAlloc)
	} else {
		ret.Flags |= PVIsEngineAllocated
	}
	e.tempAlloc = invalidAddress
	e.tempAllocSize = 0

	return ret, nil
}

func (e *resultEntity) wipe(mem MemoryMap, base uint64) {
	if !e.keepInMemory && e.tempAlloc != invalidAddress {
		mem.Free(e.tempAlloc)
	}
	e.tempAlloc = invalidAddress
	e.tempAllocSize = 0
}

func (e *resultEntity) dump(mem MemoryMap, base uint64) string {
	d := newDumpBuilder("result variable", "", base+uint64(e.offset))
	d.slot(mem, base+uint64(e.offset), int(e.size))
	if e.tempAlloc == invalidAddress {
		d.label("points to process memory")
	} else {
		d.label("temporary allocation")
		d.pointee(mem, base+uint64(e.offset), int(e.tempAllocSize), "contents")
	}
	return d.String()
}
