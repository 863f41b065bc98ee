package materialize

import (
	"encoding/binary"
	"fmt"
)

// PVFlags describe the life-state of a persistent variable's backing store.
type PVFlags uint16

const (
	// PVNeedsAllocation means the variable has no durable backing in the
	// target yet and must be allocated before the next materialization.
	PVNeedsAllocation PVFlags = 1 << iota
	// PVIsProgramReference means the variable's storage lives in the target
	// program itself, not in engine-allocated memory.
	PVIsProgramReference
	// PVIsEngineAllocated means the variable is backed by memory this engine
	// allocated in the target.
	PVIsEngineAllocated
	// PVNeedsFreezeDry means the variable's bytes must be re-read from the
	// target before it becomes inaccessible.
	PVNeedsFreezeDry
	// PVKeepInTarget means the variable's target allocation must outlive
	// this evaluation session.
	PVKeepInTarget
)

// PersistentVariable is a debugger-named value that survives across
// expression evaluations. The engine reads and mutates its flags while
// marshaling but does not own its lifetime.
type PersistentVariable struct {
	Name string
	// Size is the byte size of the variable's value.
	Size uint64
	// Flags is the life-state of the variable's backing store.
	Flags PVFlags

	order   binary.ByteOrder
	ptrSize int

	data      []byte
	live      uint64
	liveValid bool
}

// NewPersistentVariable returns a persistent variable with a zeroed
// debugger-side copy of size bytes.
func NewPersistentVariable(name string, size uint64, order binary.ByteOrder, ptrSize int) *PersistentVariable {
	return &PersistentVariable{
		Name:    name,
		Size:    size,
		order:   order,
		ptrSize: ptrSize,
		data:    make([]byte, size),
	}
}

// Bytes returns the debugger-side copy of the variable's contents. The slice
// is the backing store itself, not a copy.
func (v *PersistentVariable) Bytes() []byte { return v.data }

// ByteOrder returns the byte order the variable was created with.
func (v *PersistentVariable) ByteOrder() binary.ByteOrder { return v.order }

// AddressByteSize returns the pointer size the variable was created with.
func (v *PersistentVariable) AddressByteSize() int { return v.ptrSize }

// SetLiveAddress records where the variable currently lives in the target.
func (v *PersistentVariable) SetLiveAddress(addr uint64) {
	v.live = addr
	v.liveValid = true
}

// LiveAddress returns the variable's current location in the target, if any.
func (v *PersistentVariable) LiveAddress() (uint64, bool) {
	return v.live, v.liveValid
}

// ClearLive forgets the variable's target location.
func (v *PersistentVariable) ClearLive() {
	v.live = 0
	v.liveValid = false
}

type persistentVariableEntity struct {
	entityInfo
	v *PersistentVariable
}

// AddPersistentVariable adds a struct member referencing a previously
// computed persistent variable and returns its offset.
func (m *Materializer) AddPersistentVariable(v *PersistentVariable) uint32 {
	// Hard-coded to the maximum size of a pointer since persistent variables
	// are materialized by reference.
	e := &persistentVariableEntity{v: v}
	e.size = pointerSize
	e.alignment = pointerSize
	return m.addStructMember(e)
}

// makeAllocation gives the variable a fresh backing area in the target and
// copies its current contents there.
func (e *persistentVariableEntity) makeAllocation(mem MemoryMap) error {
	v := e.v
	addr, err := mem.Malloc(v.Size, pointerSize, PermRead|PermWrite, AllocMirror)
	if err != nil {
		return fmt.Errorf("could not allocate a memory area to store %s: %v", v.Name, err)
	}
	matLog("allocated %s (%#x) successfully", v.Name, addr)

	v.SetLiveAddress(addr)

	// Clear the flag if the variable will never be deallocated.
	if v.Flags&PVKeepInTarget != 0 {
		v.Flags &^= PVNeedsAllocation
	}

	if _, err := mem.WriteMemory(addr, v.Bytes()); err != nil {
		return fmt.Errorf("could not write %s to the target: %v", v.Name, err)
	}
	return nil
}

func (e *persistentVariableEntity) destroyAllocation(mem MemoryMap) error {
	live, _ := e.v.LiveAddress()
	if err := mem.Free(live); err != nil {
		return fmt.Errorf("could not deallocate memory for %s: %v", e.v.Name, err)
	}
	e.v.ClearLive()
	return nil
}

func (e *persistentVariableEntity) materialize(frame Frame, mem MemoryMap, base uint64) error {
	v := e.v
	matLog("persistentVariableEntity.materialize [base = %#x, name = %s, flags = %#x]", base, v.Name, v.Flags)

	if v.Flags&PVNeedsAllocation != 0 {
		if err := e.makeAllocation(mem); err != nil {
			return err
		}
	}

	live, ok := v.LiveAddress()
	if (v.Flags&PVIsProgramReference != 0 && ok) || v.Flags&PVIsEngineAllocated != 0 {
		if !ok {
			return fmt.Errorf("could not find the memory area used to store %s", v.Name)
		}
		if err := mem.WritePointer(base+uint64(e.offset), live); err != nil {
			return fmt.Errorf("could not write the location of %s to memory: %v", v.Name, err)
		}
		return nil
	}

	return fmt.Errorf("no materialization happened for persistent variable %s", v.Name)
}

func (e *persistentVariableEntity) dematerialize(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) error {
	v := e.v
	matLog("persistentVariableEntity.dematerialize [base = %#x, name = %s, flags = %#x]", base, v.Name, v.Flags)

	if v.Flags&(PVIsEngineAllocated|PVIsProgramReference) == 0 {
		return fmt.Errorf("no dematerialization happened for persistent variable %s", v.Name)
	}

	if v.Flags&PVIsProgramReference != 0 {
		if _, ok := v.LiveAddress(); !ok {
			// The reference comes from the program, so its location was only
			// known after the expression ran. Read it from the struct slot.
			location, err := mem.ReadPointer(base + uint64(e.offset))
			if err != nil {
				return fmt.Errorf("could not read the address of program-allocated variable %s: %v", v.Name, err)
			}
			v.SetLiveAddress(location)

			if frameTop != invalidAddress && frameBottom != invalidAddress &&
				location >= frameBottom && location <= frameTop {
				// The variable is resident in the stack frame created by the
				// expression, so it cannot be relied upon to stay around. We
				// treat it as needing reallocation.
				v.Flags |= PVIsEngineAllocated | PVNeedsAllocation | PVNeedsFreezeDry
				v.Flags &^= PVIsProgramReference
			}
		}
	}

	live, ok := v.LiveAddress()
	if !ok {
		return fmt.Errorf("could not find the memory area used to store %s", v.Name)
	}

	if v.Flags&(PVNeedsFreezeDry|PVKeepInTarget) != 0 {
		matLog("dematerializing %s from %#x (size = %d)", v.Name, live, v.Size)
		if _, err := mem.ReadMemory(v.Bytes(), live); err != nil {
			return fmt.Errorf("could not read the contents of %s from memory: %v", v.Name, err)
		}
		v.Flags &^= PVNeedsFreezeDry
	}

	if v.Flags&PVNeedsAllocation != 0 && v.Flags&PVKeepInTarget == 0 {
		return e.destroyAllocation(mem)
	}
	return nil
}

func (e *persistentVariableEntity) wipe(mem MemoryMap, base uint64) {
	// The variable's allocation belongs to the persistent variable store,
	// not to this entity; nothing to release here.
}

func (e *persistentVariableEntity) dump(mem MemoryMap, base uint64) string {
	d := newDumpBuilder("persistent variable", e.v.Name, base+uint64(e.offset))
	d.slot(mem, base+uint64(e.offset), int(e.size))
	d.pointee(mem, base+uint64(e.offset), int(e.v.Size), "target")
	return d.String()
}
