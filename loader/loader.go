// Package loader boots the embedded program: it acquires a VM instance, loads
// the bytecode image, reports an unhandled exception and releases the
// instance, mapping the outcome to the process exit code.
package loader

import (
	"io"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/ev3boot/manifest"
)

// Process exit codes. A supervising process depends on these values.
const (
	ExitOK        = 0   // Image ran to completion
	ExitException = 1   // Unhandled exception, diagnostics written
	ExitNoVM      = 128 // No VM instance could be acquired
)

var log = commonlog.GetLogger("ev3boot.loader")

// Options configures one Run.
type Options struct {
	Open   Opener
	Image  []byte
	Stderr io.Writer // Diagnostics; os.Stderr when nil
}

// Run drives one instance through its lifecycle and returns the exit code.
// Acquisition failure returns ExitNoVM without loading or writing anything.
func Run(opts Options) int {
	inst, err := Acquire(opts.Open)
	if err != nil {
		log.Debugf("%s", err)
		return ExitNoVM
	}
	defer inst.Close()

	inst.Load(opts.Image)
	if !inst.Faulted() {
		return ExitOK
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := inst.Report(stderr); err != nil {
		log.Errorf("writing diagnostics: %s", err)
	}
	return ExitException
}

// Boot runs image with the VM and logging configured by the embedded
// manifest. A manifest that cannot be parsed leaves no way to size the VM
// and is treated like an acquisition failure.
func Boot(manifestData, image []byte, stdout, stderr io.Writer) int {
	m, err := manifest.Parse(manifestData)
	if err != nil {
		log.Debugf("boot manifest: %s", err)
		return ExitNoVM
	}
	commonlog.Configure(m.Log.Verbosity, m.LogPath())
	log.Debugf("booting %s", m.App.Name)

	cfg := m.VMConfig()
	cfg.Stdout = stdout
	return Run(Options{
		Open:   VMOpener(cfg),
		Image:  image,
		Stderr: stderr,
	})
}
