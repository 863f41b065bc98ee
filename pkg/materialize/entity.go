package materialize

import (
	"encoding/binary"
	"fmt"
)

// invalidAddress marks an address field as unset.
const invalidAddress = ^uint64(0)

// pointerSize is the slot size reserved for by-reference entities. Always the
// maximum size of a pointer, regardless of the target's address size.
const pointerSize = 8

// An entity is one member of the materialized struct. The set of kinds is
// closed: persistent variable, variable, result variable, symbol, register.
type entity interface {
	materialize(frame Frame, mem MemoryMap, base uint64) error
	dematerialize(frame Frame, mem MemoryMap, base, frameTop, frameBottom uint64) error
	// wipe releases any scratch allocation the entity still owns. It never
	// fails; free errors on this path are swallowed.
	wipe(mem MemoryMap, base uint64)
	dump(mem MemoryMap, base uint64) string
	info() *entityInfo
}

// entityInfo holds the layout attributes shared by all entity kinds. The
// offset is assigned once when the entity is added and never changes.
type entityInfo struct {
	size      uint32
	alignment uint32
	offset    uint32
}

func (e *entityInfo) info() *entityInfo { return e }

// TypeInfo carries the size and alignment of a target type, as reported by
// the debug information.
type TypeInfo struct {
	// ByteSize is the size of the type in bytes.
	ByteSize uint64
	// BitAlign is the alignment of the type in bits.
	BitAlign uint64
}

// AlignBytes returns the type's alignment in bytes, for sizing scratch
// allocations.
func (t TypeInfo) AlignBytes() uint64 {
	return (t.BitAlign + 7) / 8
}

// SizeAndAlign returns the layout used when a value of this type becomes a
// struct member itself. The rounding mask below clears bits 4 and 8 in
// addition to bit 0; kept as-is for compatibility with existing offset
// tables.
func (t TypeInfo) SizeAndAlign() (size, align uint64) {
	bits := t.BitAlign
	if bits%8 != 0 {
		bits += 8
		bits &^= 0x111
	}
	return t.ByteSize, bits / 8
}

// pointerFromBytes decodes an architecture pointer from data.
func pointerFromBytes(data []byte, order binary.ByteOrder, ptrSize int) (uint64, error) {
	if len(data) < ptrSize {
		return 0, fmt.Errorf("expected at least %d bytes, got %d", ptrSize, len(data))
	}
	switch ptrSize {
	case 4:
		return uint64(order.Uint32(data)), nil
	case 8:
		return order.Uint64(data), nil
	default:
		return 0, fmt.Errorf("unsupported pointer size %d", ptrSize)
	}
}
