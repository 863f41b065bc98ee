package materialize

import (
	"fmt"
)

type registerEntity struct {
	entityInfo
	reg RegisterInfo
}

// AddRegister adds a struct member holding a snapshot of a CPU register and
// returns its offset. Unlike the by-reference entities the register's bytes
// are copied into the struct itself.
func (m *Materializer) AddRegister(reg RegisterInfo) uint32 {
	// Alignment hard-coded conservatively to the register width.
	e := &registerEntity{reg: reg}
	e.size = uint32(reg.ByteSize)
	e.alignment = uint32(reg.ByteSize)
	return m.addStructMember(e)
}

func (e *registerEntity) materialize(frame Frame, mem MemoryMap, base uint64) error {
	matLog("registerEntity.materialize [base = %#x, name = %s]", base, e.reg.Name)

	if frame == nil {
		return fmt.Errorf("cannot materialize register %s without a stack frame", e.reg.Name)
	}

	data, err := frame.ReadRegister(&e.reg)
	if err != nil {
		return fmt.Errorf("could not read the value of register %s: %v", e.reg.Name, err)
	}
	if len(data) != e.reg.ByteSize {
		return fmt.Errorf("data for register %s had size %d but we expected %d", e.reg.Name, len(data), e.reg.ByteSize)
	}

	if _, err := mem.WriteMemory(base+uint64(e.offset), data); err != nil {
		return fmt.Errorf("could not write the contents of register %s: %v", e.reg.Name, err)
	}
	return nil
}

func (e *registerEntity) dematerialize(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) error {
	matLog("registerEntity.dematerialize [base = %#x, name = %s]", base, e.reg.Name)

	if frame == nil {
		return fmt.Errorf("cannot dematerialize register %s without a stack frame", e.reg.Name)
	}

	data := make([]byte, e.reg.ByteSize)
	if _, err := mem.ReadMemory(data, base+uint64(e.offset)); err != nil {
		return fmt.Errorf("could not get the data for register %s: %v", e.reg.Name, err)
	}
	if err := frame.WriteRegister(&e.reg, data); err != nil {
		return fmt.Errorf("could not write the value of register %s: %v", e.reg.Name, err)
	}
	return nil
}

func (e *registerEntity) wipe(mem MemoryMap, base uint64) {
}

func (e *registerEntity) dump(mem MemoryMap, base uint64) string {
	d := newDumpBuilder("register", e.reg.Name, base+uint64(e.offset))
	d.slot(mem, base+uint64(e.offset), int(e.size))
	return d.String()
}
