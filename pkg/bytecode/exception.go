package bytecode

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Exception classes raised by the VM itself. Programs may raise any class name.
const (
	ClassRuntimeError     = "RuntimeError"
	ClassZeroDivision     = "ZeroDivisionError"
	ClassNoMethod         = "NoMethodError"
	ClassName             = "NameError"
	ClassArgument         = "ArgumentError"
	ClassType             = "TypeError"
	ClassIndex            = "IndexError"
	ClassSystemStackError = "SystemStackError"
	ClassScriptError      = "ScriptError"
)

// Frame is one entry of an exception backtrace.
type Frame struct {
	File string // Source file name recorded in the image
	Line uint32 // 0 when the procedure carries no source map
	Proc string // Procedure name
}

// String renders the frame the way backtraces print it.
func (f Frame) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if f.Proc == "" {
		return loc
	}
	return loc + ":in " + f.Proc
}

// Exception is the VM's record of an unhandled error: a class, a message and
// the call stack at the point of the raise, innermost frame first.
type Exception struct {
	Class     string
	Message   string
	Backtrace []Frame
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Class)
}

// ErrNoException is returned by the print operations when no exception is set.
var ErrNoException = errors.New("no exception")

// HasException reports whether the last load left an unhandled exception.
func (vm *VM) HasException() bool {
	return vm.exc != nil
}

// Exception returns the unhandled exception, or nil.
func (vm *VM) Exception() *Exception {
	return vm.exc
}

// ClearException drops the exception state.
func (vm *VM) ClearException() {
	vm.exc = nil
}

// PrintError writes a one-line description of the current exception:
//
//	ev3_app.rb:12: divide by zero (ZeroDivisionError)
func (vm *VM) PrintError(w io.Writer) error {
	if vm.exc == nil {
		return ErrNoException
	}
	var loc string
	if len(vm.exc.Backtrace) > 0 {
		top := vm.exc.Backtrace[0]
		loc = top.File
		if top.Line > 0 {
			loc = fmt.Sprintf("%s:%d", top.File, top.Line)
		}
		loc += ": "
	}
	_, err := fmt.Fprintf(w, "%s%s (%s)\n", loc, vm.exc.Message, vm.exc.Class)
	return err
}

// PrintBacktrace writes the call stack of the current exception, outermost
// call first, with the raising frame numbered [0].
func (vm *VM) PrintBacktrace(w io.Writer) error {
	if vm.exc == nil {
		return ErrNoException
	}
	var sb strings.Builder
	sb.WriteString("trace (most recent call last):\n")
	for i := len(vm.exc.Backtrace) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "\t[%d] %s\n", i, vm.exc.Backtrace[i])
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// handler is an installed rescue target.
type handler struct {
	frameDepth int // Frame that installed the handler
	sp         int // Stack height to restore
	target     int // Code offset of the rescue clause
}

// raise records an exception at the current execution point and transfers
// control to the nearest handler. It returns false when no handler exists and
// the exception has become the VM's exception state.
func (vm *VM) raise(class, message string) bool {
	exc := &Exception{
		Class:     class,
		Message:   message,
		Backtrace: vm.backtrace(),
	}

	if n := len(vm.handlers); n > 0 {
		h := vm.handlers[n-1]
		vm.handlers = vm.handlers[:n-1]
		for vm.frameDepth > h.frameDepth {
			vm.popFrame()
		}
		vm.sp = h.sp
		vm.ip = h.target
		vm.rescued = exc
		vm.log.Debugf("rescued %s in %s", exc.Class, vm.frame().name)
		return true
	}

	vm.exc = exc
	return false
}

// backtrace captures the active frames, innermost first.
func (vm *VM) backtrace() []Frame {
	frames := make([]Frame, 0, vm.frameDepth+1)
	for d := vm.frameDepth; d >= 0; d-- {
		f := vm.frames[d]
		pc := f.pc
		if d == vm.frameDepth {
			pc = vm.pc
		}
		line, _ := f.chunk.GetSourceLocation(uint32(pc))
		frames = append(frames, Frame{File: vm.file, Line: line, Proc: f.name})
	}
	return frames
}
