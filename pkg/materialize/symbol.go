package materialize

import (
	"fmt"
)

// Symbol is a raw, unnamed-variable program symbol (a C function, a linker
// symbol) referenced by address.
type Symbol struct {
	Name string
	// FileAddr is the symbol's static address in the object file.
	FileAddr uint64
}

type symbolEntity struct {
	entityInfo
	sym Symbol
}

// AddSymbol adds a struct member referencing a program symbol and returns
// its offset.
func (m *Materializer) AddSymbol(sym Symbol) uint32 {
	// Hard-coded to the maximum size of a symbol.
	e := &symbolEntity{sym: sym}
	e.size = pointerSize
	e.alignment = pointerSize
	return m.addStructMember(e)
}

func (e *symbolEntity) materialize(frame Frame, mem MemoryMap, base uint64) error {
	matLog("symbolEntity.materialize [base = %#x, name = %s]", base, e.sym.Name)

	var target Target
	if scope := mem.BestExecutionScope(); scope != nil {
		target = scope.Target()
	}
	if target == nil {
		return fmt.Errorf("could not resolve symbol %s because there is no target", e.sym.Name)
	}

	resolved, ok := target.ResolveLoadAddress(e.sym.FileAddr)
	if !ok {
		// The target is not loaded yet; fall back to the static address.
		resolved = e.sym.FileAddr
	}

	if err := mem.WritePointer(base+uint64(e.offset), resolved); err != nil {
		return fmt.Errorf("could not write the address of symbol %s: %v", e.sym.Name, err)
	}
	return nil
}

func (e *symbolEntity) dematerialize(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) error {
	matLog("symbolEntity.dematerialize [base = %#x, name = %s]", base, e.sym.Name)
	// Symbols are immutable references, never copied back.
	return nil
}

func (e *symbolEntity) wipe(mem MemoryMap, base uint64) {
}

func (e *symbolEntity) dump(mem MemoryMap, base uint64) string {
	d := newDumpBuilder("symbol", e.sym.Name, base+uint64(e.offset))
	d.slot(mem, base+uint64(e.offset), int(e.size))
	return d.String()
}
