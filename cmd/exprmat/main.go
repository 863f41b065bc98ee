package main

import (
	"os"

	"github.com/exprmat/exprmat/cmd/exprmat/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
