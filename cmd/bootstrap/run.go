package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"

	"github.com/chazu/ev3boot/app"
	"github.com/chazu/ev3boot/loader"
	"github.com/chazu/ev3boot/manifest"
)

func newRunCmd() *cobra.Command {
	var (
		manifestDir string
		trace       bool
	)

	cmd := &cobra.Command{
		Use:   "run [image]",
		Short: "Run an image through the loader",
		Long: `Run an image the way the device does and exit with the loader's status:
0 when the program completes, 1 on an unhandled exception, 128 when no VM
could be acquired.

boot.toml is read from --manifest-dir, else found by walking up from the
current directory, else the embedded one is used. Without an image argument
the manifest's image is run, or the embedded image.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The device cannot size a VM without its manifest either
			m, err := findManifest(manifestDir)
			if err != nil {
				log.Errorf("%s", err)
				return exitError{code: loader.ExitNoVM}
			}

			data, err := imageFor(m, args)
			if err != nil {
				return err
			}

			// -v on the command line wins over the manifest
			if v, _ := cmd.Flags().GetCount("verbose"); v == 0 {
				commonlog.Configure(m.Log.Verbosity, m.LogPath())
			}

			cfg := m.VMConfig()
			cfg.Stdout = cmd.OutOrStdout()
			if trace {
				cfg.Trace = true
			}

			code := loader.Run(loader.Options{
				Open:   loader.VMOpener(cfg),
				Image:  data,
				Stderr: cmd.ErrOrStderr(),
			})
			if code != loader.ExitOK {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "Directory containing boot.toml")
	cmd.Flags().BoolVar(&trace, "trace", false, "Log every executed instruction (needs -vv)")
	return cmd
}

func findManifest(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m != nil {
		log.Infof("using manifest in %s", m.Dir)
		return m, nil
	}
	return manifest.Parse(app.Manifest)
}

func imageFor(m *manifest.Manifest, args []string) ([]byte, error) {
	var path string
	switch {
	case len(args) == 1:
		path = args[0]
	case m.Dir != "":
		path = m.ImagePath()
	default:
		return app.Image, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}
