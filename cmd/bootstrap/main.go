// Bootstrap tool for the EV3 loader.
// Builds the embedded bytecode image, lists images, and runs them off-device
// through the same loader the device uses.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	"github.com/tliron/kutil/util"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ev3boot.bootstrap")

// exitError carries a loader exit status out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Build, inspect and run EV3 bytecode images",
		Long: `bootstrap is the off-device companion of ev3app.

It regenerates the bytecode image embedded in the application, prints a
disassembly of any image, and runs an image through the loader with the
same exit codes the device reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose > 0 {
				commonlog.Configure(verbose, nil)
			}
		},
	}
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Increase log verbosity")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newDisasmCmd())
	rootCmd.AddCommand(newRunCmd())
	return rootCmd
}

// execute runs the command line and returns the process exit status.
func execute(args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	// Errors only unless -v is given
	commonlog.Configure(-2, nil)
	util.Exit(execute(os.Args[1:]))
}
