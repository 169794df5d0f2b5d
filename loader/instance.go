package loader

import (
	"errors"
	"fmt"
	"io"

	"github.com/chazu/ev3boot/pkg/bytecode"
)

// Runtime is the VM surface the loader drives. *bytecode.VM implements it.
type Runtime interface {
	// LoadImage runs an image to completion. Failures are only visible
	// through HasException afterwards.
	LoadImage(image []byte)
	HasException() bool
	PrintError(w io.Writer) error
	PrintBacktrace(w io.Writer) error
	Close()
}

// Opener acquires a fresh Runtime.
type Opener func() (Runtime, error)

// VMOpener returns an Opener for bytecode VMs sized by cfg.
func VMOpener(cfg bytecode.Config) Opener {
	return func() (Runtime, error) {
		vm, err := bytecode.Open(cfg)
		if err != nil {
			// A nil *VM must not become a non-nil Runtime
			return nil, err
		}
		return vm, nil
	}
}

// ErrAcquire is wrapped by Acquire failures.
var ErrAcquire = errors.New("cannot acquire VM instance")

// Instance owns one acquired Runtime and tracks it through the lifecycle.
// Close releases the runtime exactly once; every other method panics once
// the instance is closed.
type Instance struct {
	rt    Runtime
	state State
}

// Acquire opens a runtime. On failure no instance exists and nothing needs
// releasing.
func Acquire(open Opener) (*Instance, error) {
	rt, err := open()
	if err == nil && rt == nil {
		err = errors.New("opener returned no runtime")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}

	inst := &Instance{rt: rt, state: StateOpen}
	log.Debugf("acquired VM instance")
	return inst, nil
}

// State returns the lifecycle state.
func (inst *Instance) State() State {
	return inst.state
}

func (inst *Instance) expect(op string, states ...State) {
	for _, s := range states {
		if inst.state == s {
			return
		}
	}
	panic(fmt.Sprintf("loader: %s in state %s", op, inst.state))
}

func (inst *Instance) transition(to State) {
	log.Debugf("%s -> %s", inst.state, to)
	inst.state = to
}

// Load runs image in the runtime.
func (inst *Instance) Load(image []byte) {
	inst.expect("Load", StateOpen)
	log.Debugf("loading image (%d bytes)", len(image))
	inst.rt.LoadImage(image)
	inst.transition(StateLoaded)
}

// Faulted checks the exception state left by Load.
func (inst *Instance) Faulted() bool {
	inst.expect("Faulted", StateLoaded, StateClean, StateFaulted, StateFaultedReported)
	if inst.state == StateLoaded {
		if inst.rt.HasException() {
			inst.transition(StateFaulted)
		} else {
			inst.transition(StateClean)
		}
	}
	return inst.state == StateFaulted || inst.state == StateFaultedReported
}

// Report writes the error message and then the backtrace to w. The backtrace
// is attempted even if writing the message fails.
func (inst *Instance) Report(w io.Writer) error {
	inst.expect("Report", StateFaulted)
	errMsg := inst.rt.PrintError(w)
	errTrace := inst.rt.PrintBacktrace(w)
	inst.transition(StateFaultedReported)
	return errors.Join(errMsg, errTrace)
}

// Close releases the runtime. Later calls do nothing.
func (inst *Instance) Close() {
	if inst.state == StateClosed {
		return
	}
	inst.transition(StateClosed)
	inst.rt.Close()
	inst.rt = nil
}
