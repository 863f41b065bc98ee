package cmds

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/ioutil"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/exprmat/exprmat/pkg/materialize"
	"github.com/exprmat/exprmat/pkg/memmap"
)

// layoutFile is the on-disk description of a materialized struct.
type layoutFile struct {
	Members []memberDesc `yaml:"members"`
}

type memberDesc struct {
	Kind             string `yaml:"kind"`
	Name             string `yaml:"name"`
	Size             uint64 `yaml:"size"`
	BitAlign         uint64 `yaml:"bit-align"`
	FileAddr         uint64 `yaml:"file-addr"`
	Address          uint64 `yaml:"address"`
	Reference        bool   `yaml:"reference"`
	ProgramReference bool   `yaml:"program-reference"`
	KeepInMemory     bool   `yaml:"keep-in-memory"`
	KeepInTarget     bool   `yaml:"keep-in-target"`
	// Value is the member's initial contents as a hex string, exactly
	// Size bytes once decoded.
	Value string `yaml:"value"`
}

func loadLayoutFile(path string) (*layoutFile, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := &layoutFile{}
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, fmt.Errorf("could not parse %s: %v", path, err)
	}
	return f, nil
}

func (d *memberDesc) typeInfo() materialize.TypeInfo {
	bits := d.BitAlign
	if bits == 0 {
		bits = d.Size * 8
	}
	return materialize.TypeInfo{ByteSize: d.Size, BitAlign: bits}
}

func (d *memberDesc) bytes(size uint64) ([]byte, error) {
	if d.Value == "" {
		return make([]byte, size), nil
	}
	data, err := hex.DecodeString(d.Value)
	if err != nil {
		return nil, fmt.Errorf("bad value for member %s: %v", d.Name, err)
	}
	if uint64(len(data)) != size {
		return nil, fmt.Errorf("value for member %s is %d bytes, expected %d", d.Name, len(data), size)
	}
	return data, nil
}

type builtMember struct {
	kind   string
	name   string
	offset uint32
	size   uint32
}

type regInit struct {
	name string
	data []byte
}

// session holds a materializer built from a layout file together with the
// simulated state it operates on.
type session struct {
	m       *materialize.Materializer
	members []builtMember
	vars    []*memmap.SimVar
	pvars   []*materialize.PersistentVariable
	regs    []regInit
}

func buildSession(f *layoutFile) (*session, error) {
	s := &session{m: materialize.New()}
	for i, d := range f.Members {
		switch d.Kind {
		case "register":
			reg, ok := amd64Register(d.Name)
			if !ok {
				return nil, fmt.Errorf("member %d: unknown register %q", i, d.Name)
			}
			data, err := d.bytes(uint64(reg.ByteSize))
			if err != nil {
				return nil, err
			}
			off := s.m.AddRegister(reg)
			s.members = append(s.members, builtMember{"register", reg.Name, off, uint32(reg.ByteSize)})
			s.regs = append(s.regs, regInit{reg.Name, data})

		case "variable":
			if d.Size == 0 {
				return nil, fmt.Errorf("member %d: variable %s needs a size", i, d.Name)
			}
			data, err := d.bytes(d.Size)
			if err != nil {
				return nil, err
			}
			v := memmap.NewSimVar(d.Name, d.typeInfo(), data)
			v.SetReference(d.Reference)
			if d.Address != 0 {
				v.SetAddress(d.Address)
			}
			off := s.m.AddVariable(v)
			s.members = append(s.members, builtMember{"variable", d.Name, off, 8})
			s.vars = append(s.vars, v)

		case "persistent":
			if d.Size == 0 {
				return nil, fmt.Errorf("member %d: persistent variable %s needs a size", i, d.Name)
			}
			data, err := d.bytes(d.Size)
			if err != nil {
				return nil, err
			}
			pv := materialize.NewPersistentVariable(d.Name, d.Size, binary.LittleEndian, 8)
			copy(pv.Bytes(), data)
			pv.Flags = materialize.PVNeedsAllocation | materialize.PVIsEngineAllocated
			if d.KeepInTarget {
				pv.Flags |= materialize.PVKeepInTarget
			}
			off := s.m.AddPersistentVariable(pv)
			s.members = append(s.members, builtMember{"persistent", d.Name, off, 8})
			s.pvars = append(s.pvars, pv)

		case "symbol":
			off := s.m.AddSymbol(materialize.Symbol{Name: d.Name, FileAddr: d.FileAddr})
			s.members = append(s.members, builtMember{"symbol", d.Name, off, 8})

		case "result":
			if d.Size == 0 {
				return nil, fmt.Errorf("member %d: the result needs a size", i)
			}
			off := s.m.AddResultVariable(d.typeInfo(), d.ProgramReference, d.KeepInMemory)
			s.members = append(s.members, builtMember{"result", "", off, 8})

		default:
			return nil, fmt.Errorf("member %d: unknown kind %q", i, d.Kind)
		}
	}
	return s, nil
}

func layoutCmd(cmd *cobra.Command, args []string) error {
	f, err := loadLayoutFile(args[0])
	if err != nil {
		return err
	}
	s, err := buildSession(f)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s %-6s %-12s %s\n", "OFFSET", "SIZE", "KIND", "NAME")
	for _, mb := range s.members {
		fmt.Printf("%-8s %-6d %-12s %s\n", fmt.Sprintf("%#x", mb.offset), mb.size, mb.kind, mb.name)
	}
	fmt.Printf("\nstruct size: %d bytes\nstruct alignment: %d bytes\n", s.m.StructByteSize(), s.m.StructAlignment())
	return nil
}

func runCmd(cmd *cobra.Command, args []string) error {
	f, err := loadLayoutFile(args[0])
	if err != nil {
		return err
	}
	s, err := buildSession(f)
	if err != nil {
		return err
	}

	target := memmap.NewSimTarget()
	target.SetLoaded(0)
	frame := target.NewFrame()
	for _, r := range s.regs {
		frame.SetRegister(r.name, r.data)
	}
	for _, v := range s.vars {
		// Addressed variables live in program memory; seed it with the
		// variable's contents so reads through the address line up.
		if addr, err := v.AddressOf(); err == nil {
			target.MapRegion(addr, v.Size())
			if _, err := target.WriteMemory(addr, v.Data()); err != nil {
				return err
			}
		}
	}

	mem := memmap.New(target, 64)
	base, err := mem.Malloc(uint64(s.m.StructByteSize()), uint64(s.m.StructAlignment()), materialize.PermRead|materialize.PermWrite, materialize.AllocTargetOnly)
	if err != nil {
		return err
	}

	s.m.SetDumpObserver(func(desc string) {
		fmt.Print(clipDump(desc))
	})
	defer s.m.Close()

	d, err := s.m.Materialize(frame, mem, base)
	if err != nil {
		return err
	}
	result, err := d.Dematerialize(materialize.InvalidFrameBound, materialize.InvalidFrameBound)
	if err != nil {
		return err
	}

	fmt.Println()
	for _, r := range s.regs {
		fmt.Printf("register %s = %x\n", r.name, frame.Register(r.name))
	}
	for _, v := range s.vars {
		fmt.Printf("variable %s = %x\n", v.Name(), v.Data())
	}
	for _, pv := range s.pvars {
		fmt.Printf("persistent %s = %x (flags %#x)\n", pv.Name, pv.Bytes(), pv.Flags)
	}
	if result != nil {
		fmt.Printf("result %s = %x (flags %#x)\n", result.Name, result.Bytes(), result.Flags)
	}

	if err := mem.Free(base); err != nil {
		return err
	}
	fmt.Printf("outstanding allocations: %d\n", mem.OutstandingAllocations())
	return nil
}

// clipDump truncates a member dump to the configured maximum.
func clipDump(desc string) string {
	if conf == nil || conf.MaxDumpBytes == nil {
		return desc
	}
	max := *conf.MaxDumpBytes
	if max <= 0 || len(desc) <= max {
		return desc
	}
	return desc[:max] + "...\n"
}
