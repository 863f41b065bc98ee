package cmds

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/exprmat/exprmat/pkg/materialize"
)

// amd64Registers maps lower case amd64 register names to their description.
var amd64Registers = map[string]materialize.RegisterInfo{}

func init() {
	for r := x86asm.AL; r <= x86asm.R15; r++ {
		size := amd64RegisterWidth(r)
		if size == 0 {
			continue
		}
		name := strings.ToLower(r.String())
		amd64Registers[name] = materialize.RegisterInfo{Name: name, ByteSize: size}
	}
}

func amd64RegisterWidth(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8
	}
	return 0
}

// amd64Register looks up a general purpose register by name, case
// insensitively.
func amd64Register(name string) (materialize.RegisterInfo, bool) {
	reg, ok := amd64Registers[strings.ToLower(name)]
	return reg, ok
}
