// Package cmds implements the exprmat command line interface.
package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/exprmat/exprmat/pkg/config"
	"github.com/exprmat/exprmat/pkg/logflags"
	"github.com/exprmat/exprmat/pkg/materialize"
	"github.com/exprmat/exprmat/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce
	// debug output.
	logOutput string

	conf *config.Config
)

// New returns the root exprmat command.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "exprmat",
		Short: "Exprmat lays out and materializes expression state in a target process.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logFlag, logstr := log, logOutput
			if !cmd.Flags().Changed("log") && conf.Log {
				logFlag = true
			}
			if logstr == "" {
				logstr = conf.LogOutput
			}
			return logflags.Setup(logFlag, logstr)
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging output.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (materializer, memmap).")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("exprmat\n%s\n%s\n", version.ExprmatVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	layoutCommand := &cobra.Command{
		Use:   "layout <layout.yml>",
		Short: "Computes the struct layout described by a layout file.",
		Long: `Computes the struct layout described by a layout file.

The layout file lists the members of the materialized struct in order:

    members:
      - kind: register
        name: rax
      - kind: variable
        name: x
        size: 4
      - kind: symbol
        name: printf
        file-addr: 0x401000
      - kind: result
        size: 8

and layout prints the offset assigned to each member, together with the
overall size and alignment of the struct.`,
		Args: cobra.ExactArgs(1),
		RunE: layoutCmd,
	}
	rootCommand.AddCommand(layoutCommand)

	runCommand := &cobra.Command{
		Use:   "run <layout.yml>",
		Short: "Runs a materialize/dematerialize round trip against a simulated target.",
		Long: `Runs a materialize/dematerialize round trip against a simulated target.

The struct described by the layout file is laid out, materialized into an
in-memory simulated target, dumped, and dematerialized again. Member values
can be given as hex strings in the layout file:

    members:
      - kind: register
        name: rax
        value: efbeadde00000000`,
		Args: cobra.ExactArgs(1),
		RunE: runCmd,
	}
	rootCommand.AddCommand(runCommand)

	alignCommand := &cobra.Command{
		Use:   "align",
		Short: "Prints the struct member layout of a type given its size and bit alignment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return alignCmd(cmd.Flags())
		},
	}
	alignCommand.Flags().Uint64("size", 0, "Type size in bytes.")
	alignCommand.Flags().Uint64("bit-align", 0, "Type alignment in bits.")
	rootCommand.AddCommand(alignCommand)

	return rootCommand
}

func alignCmd(flags *pflag.FlagSet) error {
	size, err := flags.GetUint64("size")
	if err != nil {
		return err
	}
	bits, err := flags.GetUint64("bit-align")
	if err != nil {
		return err
	}
	typ := materialize.TypeInfo{ByteSize: size, BitAlign: bits}
	memberSize, memberAlign := typ.SizeAndAlign()
	fmt.Printf("size: %d bytes\nalignment: %d bytes\n", memberSize, memberAlign)
	return nil
}
