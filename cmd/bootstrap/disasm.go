package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chazu/ev3boot/app"
	"github.com/chazu/ev3boot/pkg/bytecode"
	"github.com/chazu/ev3boot/pkg/image"
)

func newDisasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm [image]",
		Short: "Print the procedures of an image",
		Long:  `Disassemble every procedure of an image file, or of the embedded image when no file is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := app.Image
			if len(args) == 1 {
				var err error
				if data, err = os.ReadFile(args[0]); err != nil {
					return fmt.Errorf("read image: %w", err)
				}
			}

			img, err := image.Decode(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "; image %s, entry %s, %d procedures\n", img.Name, img.Entry, len(img.Procs))
			fmt.Fprintf(out, "; digest %x\n\n", img.Digest)
			for _, p := range img.Procs {
				chunk, err := bytecode.Deserialize(p.Chunk)
				if err != nil {
					return fmt.Errorf("procedure %s: %w", p.Name, err)
				}
				fmt.Fprintln(out, chunk.DisassembleWithName(p.Name))
			}
			return nil
		},
	}
}
