// Peekaboo
//
// Entry point: parses flags, wires all components together and hands the
// main goroutine to the sandbox adapter.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const owl = `
    ___
   (o,o)    Peekaboo
   {'"'}    Extended Email Attachment
   -"-"-    Behavior Observation Owl
`

type options struct {
	configPath string
	debug      bool
	daemon     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "peekaboo",
		Short:        "Email attachment behaviour analysis daemon",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.daemon {
				fmt.Fprintf(cmd.OutOrStdout(), "Starting Peekaboo %s.\n", version)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), owl)
			}
			os.Exit(run(opts))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "./peekaboo.yaml", "configuration file")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "force debug logging regardless of the configuration")
	flags.BoolVarP(&opts.daemon, "daemon", "D", false, "daemon mode: suppress the banner")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "peekaboo %s\n", version)
		},
	}
}
