package materialize

import (
	"fmt"
	"strings"

	"github.com/exprmat/exprmat/pkg/logflags"
)

// DumpObserver receives a diagnostic description of one struct member after
// each materialize and dematerialize pass.
type DumpObserver func(desc string)

// SetDumpObserver installs obs as the receiver of per-entity dumps. With no
// observer installed dumps go to the materializer log when it is enabled.
func (m *Materializer) SetDumpObserver(obs DumpObserver) {
	m.observer = obs
}

func (m *Materializer) dumpAll(mem MemoryMap, base uint64) {
	if m.observer == nil && !logflags.Materializer() {
		return
	}
	for _, e := range m.entities {
		desc := e.dump(mem, base)
		if m.observer != nil {
			m.observer(desc)
		}
		if logflags.Materializer() {
			logflags.MaterializerLogger().Debug(desc)
		}
	}
}

// dumpBuilder renders one entity's slot and, where applicable, the memory it
// points at.
type dumpBuilder struct {
	buf strings.Builder
}

func newDumpBuilder(kind, name string, slotAddr uint64) *dumpBuilder {
	d := &dumpBuilder{}
	if name != "" {
		fmt.Fprintf(&d.buf, "%#x: %s (%s)\n", slotAddr, kind, name)
	} else {
		fmt.Fprintf(&d.buf, "%#x: %s\n", slotAddr, kind)
	}
	return d
}

func (d *dumpBuilder) label(s string) {
	fmt.Fprintf(&d.buf, "%s:\n", s)
}

// slot dumps the entity's own bytes inside the struct.
func (d *dumpBuilder) slot(mem MemoryMap, addr uint64, size int) {
	d.label("slot")
	data := make([]byte, size)
	if _, err := mem.ReadMemory(data, addr); err != nil {
		d.buf.WriteString("  <could not be read>\n")
		return
	}
	d.buf.WriteString(hexBytes(data, addr))
}

// pointee interprets the slot as a pointer and dumps size bytes at its
// destination.
func (d *dumpBuilder) pointee(mem MemoryMap, slotAddr uint64, size int, label string) {
	d.label(label)
	addr, err := mem.ReadPointer(slotAddr)
	if err != nil {
		d.buf.WriteString("  <could not be read>\n")
		return
	}
	data := make([]byte, size)
	if _, err := mem.ReadMemory(data, addr); err != nil {
		d.buf.WriteString("  <could not be read>\n")
		return
	}
	d.buf.WriteString(hexBytes(data, addr))
}

func (d *dumpBuilder) String() string {
	return d.buf.String()
}

// hexBytes formats data 16 bytes per line, each line prefixed with its
// target address.
func hexBytes(data []byte, addr uint64) string {
	var buf strings.Builder
	for i := 0; i < len(data); i += 16 {
		end := i + 16
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&buf, "  %#016x:", addr+uint64(i))
		for _, b := range data[i:end] {
			fmt.Fprintf(&buf, " %02x", b)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}
