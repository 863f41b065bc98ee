package materialize

import (
	"errors"

	"github.com/exprmat/exprmat/pkg/logflags"
)

var (
	errAlreadyMaterialized   = errors.New("cannot materialize: already materialized")
	errNoTarget              = errors.New("cannot materialize: target does not exist")
	errInvalidDematerializer = errors.New("cannot dematerialize: invalid dematerializer")
	errTargetGone            = errors.New("cannot dematerialize: target is gone")
)

// Materializer owns the entities of one expression evaluation session,
// computes the struct layout and drives the materialize pass.
//
// Entities are added before the first materialization and held in insertion
// order. At most one Dematerializer produced by Materialize may be
// outstanding at any time.
type Materializer struct {
	entities      []entity
	resultEntity  *resultEntity
	currentOffset uint32
	structAlign   uint32

	// demat is the currently outstanding handle, nil if none. This replaces
	// a weak back-reference: a handle is valid only while demat still points
	// at it.
	demat *Dematerializer

	observer DumpObserver
}

// New returns an empty Materializer.
func New() *Materializer {
	return &Materializer{structAlign: pointerSize}
}

// addStructMember assigns the next aligned offset to e and appends it to the
// entity list. The first member pins the struct alignment; later members do
// not widen it.
func (m *Materializer) addStructMember(e entity) uint32 {
	ei := e.info()
	if ei.alignment == 0 {
		ei.alignment = 1
	}
	if m.currentOffset == 0 {
		m.structAlign = ei.alignment
	}
	if r := m.currentOffset % ei.alignment; r != 0 {
		m.currentOffset += ei.alignment - r
	}
	ret := m.currentOffset
	ei.offset = ret
	m.currentOffset += ei.size
	m.entities = append(m.entities, e)
	return ret
}

// StructAlignment returns the alignment of the materialized struct.
func (m *Materializer) StructAlignment() uint32 {
	return m.structAlign
}

// StructByteSize returns the size of the materialized struct.
func (m *Materializer) StructByteSize() uint32 {
	return m.currentOffset
}

// Materialize writes every entity into target memory at base. On success it
// returns the handle used to tear the struct down again.
//
// The pass is not transactional: the first entity failure aborts it and
// leaves already materialized entities in their new state.
func (m *Materializer) Materialize(frame Frame, mem MemoryMap, base uint64) (*Dematerializer, error) {
	if m.demat != nil {
		return nil, errAlreadyMaterialized
	}

	var scope ExecutionScope = frame
	if frame == nil {
		scope = mem.BestExecutionScope()
	}
	if scope == nil {
		return nil, errNoTarget
	}

	for _, e := range m.entities {
		if err := e.materialize(frame, mem, base); err != nil {
			return nil, err
		}
	}

	matLog("materialized struct at %#x (size %d, align %d)", base, m.currentOffset, m.structAlign)
	m.dumpAll(mem, base)

	d := &Dematerializer{m: m, frame: frame, mem: mem, base: base}
	m.demat = d
	return d, nil
}

// Close force-wipes any still outstanding materialization. Call it when the
// evaluation session ends.
func (m *Materializer) Close() {
	if m.demat != nil {
		m.demat.Wipe()
	}
}

// Dematerializer is a single-use handle representing a struct currently live
// in the target. It is produced by Materialize and consumed by Dematerialize
// or Wipe.
type Dematerializer struct {
	m     *Materializer
	frame Frame
	mem   MemoryMap
	base  uint64
}

func (d *Dematerializer) valid() bool {
	return d.m != nil && d.m.demat == d
}

// Dematerialize reads every entity back out of target memory in insertion
// order, reconciling values and releasing scratch allocations. The result
// entity, if any, produces the returned persistent variable. frameTop and
// frameBottom bound the stack frame the expression ran on; pass
// InvalidFrameBound for both if unknown.
//
// Whether it succeeds or not, the handle is torn down afterwards.
func (d *Dematerializer) Dematerialize(frameTop, frameBottom uint64) (result *PersistentVariable, err error) {
	defer d.Wipe()

	if !d.valid() {
		return nil, errInvalidDematerializer
	}
	if d.mem.BestExecutionScope() == nil {
		return nil, errTargetGone
	}

	matLog("dematerializing struct at %#x", d.base)
	d.m.dumpAll(d.mem, d.base)

	for _, e := range d.m.entities {
		if re, ok := e.(*resultEntity); ok && re == d.m.resultEntity {
			result, err = re.dematerializeResult(d.frame, d.mem, d.base, frameTop, frameBottom)
		} else {
			err = e.dematerialize(d.frame, d.mem, d.base, frameTop, frameBottom)
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// InvalidFrameBound disables the expression-frame containment check during
// Dematerialize.
const InvalidFrameBound = invalidAddress

// Wipe releases the scratch allocations of all entities without reading
// anything back. It is idempotent and never fails; it runs automatically at
// the end of Dematerialize and when the Materializer is closed with a handle
// still outstanding.
func (d *Dematerializer) Wipe() {
	if !d.valid() {
		return
	}
	for _, e := range d.m.entities {
		e.wipe(d.mem, d.base)
	}
	d.m.demat = nil
	d.m = nil
	d.mem = nil
	d.base = invalidAddress
}

func matLog(fmtstr string, args ...interface{}) {
	if logflags.Materializer() {
		logflags.MaterializerLogger().Infof(fmtstr, args...)
	}
}
