// Package bytecode provides the stack-based virtual machine that runs the
// precompiled program embedded in the EV3 application binary.
//
// The bytecode format is designed for:
//   - Compact representation (typically 1-4 bytes per instruction)
//   - Fast decoding (fixed-width opcodes, simple operand formats)
//   - Easy embedding (chunks are packed into an image by package image)
//
// # Architecture Overview
//
//   - Opcodes: stack-based instructions covering arithmetic, control flow,
//     locals and globals, primitive sends, procedure calls, rescue handlers
//     and JSON array/object values.
//
//   - Chunk: one compiled procedure: code, constants, parameter info and an
//     optional source map. Chunks serialize to the "EVBC" format.
//
//   - Program: packs chunks into an image with an entry procedure.
//
//   - VM: interpreter with an explicit frame stack. Values are strings; nil
//     is the empty string.
//
// # Lifecycle
//
// A VM is acquired with Open, runs one or more images with LoadImage, and is
// released with Close. LoadImage has no error result. A failure while loading
// or running leaves an Exception in the VM, which the host inspects with
// HasException and reports with PrintError and PrintBacktrace:
//
//	ev3_app.rb:12: divide by zero (ZeroDivisionError)
//	trace (most recent call last):
//		[1] ev3_app.rb:5:in main
//		[0] ev3_app.rb:12:in divide
//
// # Exceptions
//
// Raises travel through the interpreter as Go panics and are recovered by the
// run loop, which either jumps to the innermost rescue handler
// (OpPushHandler) or stores the exception and stops.
package bytecode
