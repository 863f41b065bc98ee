package materialize

import (
	"fmt"
)

type variableEntity struct {
	entityInfo
	v           Var
	isReference bool

	// tempAlloc is the scratch region owned by this entity when the variable
	// has no addressable storage, invalidAddress when none is outstanding.
	tempAlloc     uint64
	tempAllocSize uint64
}

// AddVariable adds a struct member referencing a source-level variable and
// returns its offset.
func (m *Materializer) AddVariable(v Var) uint32 {
	// Hard-coded to the maximum size of a pointer since all variables are
	// materialized by reference.
	e := &variableEntity{v: v, isReference: v.Reference(), tempAlloc: invalidAddress}
	e.size = pointerSize
	e.alignment = pointerSize
	return m.addStructMember(e)
}

func (e *variableEntity) resolve(frame Frame, mem MemoryMap) (Value, error) {
	var scope ExecutionScope = frame
	if frame == nil {
		scope = mem.BestExecutionScope()
	}
	val, err := e.v.Resolve(scope)
	if err != nil {
		return nil, fmt.Errorf("could not get a value for variable %s: %v", e.v.Name(), err)
	}
	return val, nil
}

func (e *variableEntity) materialize(frame Frame, mem MemoryMap, base uint64) error {
	matLog("variableEntity.materialize [base = %#x, name = %s]", base, e.v.Name())

	val, err := e.resolve(frame, mem)
	if err != nil {
		return err
	}
	slot := base + uint64(e.offset)

	if e.isReference {
		data, err := val.Bytes()
		if err != nil {
			return fmt.Errorf("could not read reference variable %s: %v", e.v.Name(), err)
		}
		refAddr, err := pointerFromBytes(data, mem.ByteOrder(), mem.AddressByteSize())
		if err != nil {
			return fmt.Errorf("could not decode the referenced address of %s: %v", e.v.Name(), err)
		}
		if err := mem.WritePointer(slot, refAddr); err != nil {
			return fmt.Errorf("could not write the contents of reference variable %s to memory: %v", e.v.Name(), err)
		}
		return nil
	}

	if addr, err := val.AddressOf(); err == nil {
		if err := mem.WritePointer(slot, addr); err != nil {
			return fmt.Errorf("could not write the address of variable %s to memory: %v", e.v.Name(), err)
		}
		return nil
	}

	// The variable has no addressable storage; copy its bytes into a scratch
	// region in the target and point the slot there.
	if e.tempAlloc != invalidAddress {
		return fmt.Errorf("trying to create a temporary region for %s but one exists", e.v.Name())
	}

	data, err := val.Bytes()
	if err != nil {
		return fmt.Errorf("could not get the contents of variable %s: %v", e.v.Name(), err)
	}
	if uint64(len(data)) != val.Size() {
		return fmt.Errorf("size of variable %s (%d) disagrees with the value's size (%d)", e.v.Name(), val.Size(), len(data))
	}

	byteAlign := (val.BitAlign() + 7) / 8
	addr, err := mem.Malloc(uint64(len(data)), byteAlign, PermRead|PermWrite, AllocMirror)
	if err != nil {
		return fmt.Errorf("could not allocate a temporary region for %s: %v", e.v.Name(), err)
	}
	e.tempAlloc = addr
	e.tempAllocSize = uint64(len(data))

	if _, err := mem.WriteMemory(addr, data); err != nil {
		return fmt.Errorf("could not write to the temporary region for %s: %v", e.v.Name(), err)
	}
	if err := mem.WritePointer(slot, addr); err != nil {
		return fmt.Errorf("could not write the address of the temporary region for %s: %v", e.v.Name(), err)
	}
	return nil
}

func (e *variableEntity) dematerialize(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) error {
	matLog("variableEntity.dematerialize [base = %#x, name = %s]", base, e.v.Name())

	if e.tempAlloc == invalidAddress {
		// The variable was addressed directly; the expression operated on
		// its real storage.
		return nil
	}

	val, err := e.resolve(frame, mem)
	if err != nil {
		return err
	}

	data := make([]byte, val.Size())
	if _, err := mem.ReadMemory(data, e.tempAlloc); err != nil {
		return fmt.Errorf("could not get the data for variable %s: %v", e.v.Name(), err)
	}
	if err := val.SetBytes(data); err != nil {
		return fmt.Errorf("could not write the new contents of %s back into the variable: %v", e.v.Name(), err)
	}
	if err := mem.Free(e.tempAlloc); err != nil {
		return fmt.Errorf("could not free the temporary region for %s: %v", e.v.Name(), err)
	}
	e.tempAlloc = invalidAddress
	e.tempAllocSize = 0
	return nil
}

func (e *variableEntity) wipe(mem MemoryMap, base uint64) {
	if e.tempAlloc == invalidAddress {
		return
	}
	mem.Free(e.tempAlloc)
	e.tempAlloc = invalidAddress
	e.tempAllocSize = 0
}

func (e *variableEntity) dump(mem MemoryMap, base uint64) string {
	d := newDumpBuilder("variable", e.v.Name(), base+uint64(e.offset))
	d.slot(mem, base+uint64(e.offset), int(e.size))
	if e.tempAlloc == invalidAddress {
		d.label("points to process memory")
	} else {
		d.label("temporary allocation")
		d.pointee(mem, base+uint64(e.offset), int(e.tempAllocSize), "contents")
	}
	return d.String()
}
