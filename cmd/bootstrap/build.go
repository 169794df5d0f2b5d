package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chazu/ev3boot/app"
)

func newBuildCmd() *cobra.Command {
	var (
		output string
		check  bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Encode the application program into an image file",
		Long: `Encode the application program into a bytecode image.

Run through go generate in the app package to refresh ev3_app.evi.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := app.Encode()
			if err != nil {
				return fmt.Errorf("encode image: %w", err)
			}

			if check {
				existing, err := os.ReadFile(output)
				if err != nil {
					return fmt.Errorf("read %s: %w", output, err)
				}
				if !bytes.Equal(existing, data) {
					return fmt.Errorf("%s is stale", output)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", output)
				return nil
			}

			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			log.Infof("wrote %s (%d bytes)", output, len(data))
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "ev3_app.evi", "Output image file")
	cmd.Flags().BoolVar(&check, "check", false, "Fail if the output file differs instead of writing it")
	return cmd
}
