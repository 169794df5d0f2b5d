// Package app embeds the EV3 application: the bytecode image the device runs
// and the boot manifest that sizes its VM.
package app

import (
	_ "embed"

	"github.com/chazu/ev3boot/pkg/bytecode"
)

//go:generate go run ../cmd/bootstrap build -o ev3_app.evi

// Image is the precompiled program, linked into the binary at build time.
//
//go:embed ev3_app.evi
var Image []byte

// Manifest is the boot configuration, linked into the binary at build time.
//
//go:embed boot.toml
var Manifest []byte

// SourceFile is the file name backtraces report for the application.
const SourceFile = "ev3_app.rb"

// Entry is the procedure a load runs.
const Entry = "main"

// DistancePerRotation is the plotter travel per motor rotation, in mm.
const DistancePerRotation = "173"

// Program builds the application from source. ev3_app.evi is its encoding.
//
//	puts "ev3_app: boot"
//	DISTANCE_PER_ROTATION = 173
//	distance = rotations_to_mm(3)
//	puts "distance: " + distance
func Program() (*bytecode.Program, error) {
	p := bytecode.NewProgram(SourceFile)
	if err := p.Add(Entry, mainProc()); err != nil {
		return nil, err
	}
	if err := p.Add("rotations_to_mm", rotationsToMM()); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode returns the image bytes for Program.
func Encode() ([]byte, error) {
	p, err := Program()
	if err != nil {
		return nil, err
	}
	return p.Encode(Entry)
}

func mainProc() *bytecode.Chunk {
	c := bytecode.NewChunk()
	c.LocalCount = 1
	c.VarNames = []string{"distance"}

	c.Line(1)
	c.Emit(bytecode.OpConstNil)
	c.EmitConstant("ev3_app: boot")
	c.EmitSend("puts", 1)
	c.Emit(bytecode.OpPop)

	c.Line(3)
	c.EmitConstant(DistancePerRotation)
	c.EmitNamed(bytecode.OpStoreGlobal, "DISTANCE_PER_ROTATION")

	c.Line(5)
	c.EmitConstant("3")
	c.EmitCall("rotations_to_mm", 1)
	c.EmitWithOperand(bytecode.OpStoreLocal, 0)

	c.Line(6)
	c.Emit(bytecode.OpConstNil)
	c.EmitConstant("distance: ")
	c.EmitWithOperand(bytecode.OpLoadLocal, 0)
	c.Emit(bytecode.OpConcat)
	c.EmitSend("puts", 1)
	c.Emit(bytecode.OpPop)

	c.Line(7)
	c.Emit(bytecode.OpReturnNil)
	return c
}

// rotations_to_mm(rotations) = rotations * DISTANCE_PER_ROTATION
func rotationsToMM() *bytecode.Chunk {
	c := bytecode.NewChunk()
	c.ParamCount = 1
	c.ParamNames = []string{"rotations"}

	c.Line(10)
	c.EmitWithOperand(bytecode.OpLoadParam, 0)
	c.EmitNamed(bytecode.OpLoadGlobal, "DISTANCE_PER_ROTATION")
	c.Emit(bytecode.OpMul)
	c.Emit(bytecode.OpReturn)
	return c
}
