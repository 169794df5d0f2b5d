package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleEmpty(t *testing.T) {
	output := NewChunk().Disassemble()

	if !strings.Contains(output, "EV3 Bytecode v1") {
		t.Error("Disassembly missing header")
	}
	if !strings.Contains(output, "; Code:") {
		t.Error("Disassembly missing code section")
	}
}

func TestDisassembleSimple(t *testing.T) {
	c := NewChunk()
	c.Emit(OpConstZero)
	c.Emit(OpConstOne)
	c.Emit(OpAdd)
	c.Emit(OpReturn)

	output := c.Disassemble()
	for _, want := range []string{"0000  CONST_ZERO", "0001  CONST_ONE", "0002  ADD", "0003  RETURN"} {
		if !strings.Contains(output, want) {
			t.Errorf("Missing %q in:\n%s", want, output)
		}
	}
}

func TestDisassembleOperands(t *testing.T) {
	c := NewChunk()
	c.ParamCount = 1
	c.ParamNames = []string{"rotations"}
	c.LocalCount = 1
	c.VarNames = []string{"distance"}
	c.Line(4)
	c.EmitConstant("hello world")
	c.EmitWithOperand(OpLoadParam, 0)
	c.EmitWithOperand(OpStoreLocal, 0)
	c.EmitNamed(OpLoadGlobal, "DISTANCE_PER_ROTATION")
	c.EmitSend("puts", 1)
	c.EmitCall("rotations_to_mm", 1)
	c.EmitNamed(OpRaise, "RuntimeError")

	output := c.Disassemble()
	for _, want := range []string{
		"; Parameters (1): rotations",
		"; Locals: 1 slots",
		`[  0] "hello world"`,
		`CONST 0 ; "hello world"`,
		"LOAD_PARAM 0 ; rotations",
		"STORE_LOCAL 0 ; distance",
		"LOAD_GLOBAL 1 ; DISTANCE_PER_ROTATION",
		"SEND 2 (puts) argc=1",
		"CALL 3 (rotations_to_mm) argc=1",
		"RAISE 4 ; RuntimeError",
		"; line 4:1",
		"[DEBUG]",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Missing %q in:\n%s", want, output)
		}
	}
}

func TestDisassembleJumps(t *testing.T) {
	c := NewChunk()
	handler := c.EmitJump(OpPushHandler)
	c.Emit(OpPopHandler)
	c.PatchJump(handler)
	c.Emit(OpLoadExc)

	output := c.Disassemble()
	if !strings.Contains(output, "PUSH_HANDLER +1 (-> 0004)") {
		t.Errorf("Missing handler target in:\n%s", output)
	}
	if !strings.Contains(output, "[RESCUES]") {
		t.Errorf("Missing rescue flag in:\n%s", output)
	}
}

func TestDisassembleWithName(t *testing.T) {
	c := NewChunk()
	c.Emit(OpReturnNil)

	output := c.DisassembleWithName("main")
	if !strings.HasPrefix(output, "; === main ===") {
		t.Errorf("Missing name header in:\n%s", output)
	}
}

func TestDisassembleTruncated(t *testing.T) {
	c := NewChunk()
	c.Code = append(c.Code, byte(OpSend), 0)

	if got := c.DisassembleInstruction(0); got != "SEND <truncated>" {
		t.Errorf("DisassembleInstruction(0) = %q", got)
	}
	if got := c.DisassembleInstruction(5); got != "<end of code>" {
		t.Errorf("DisassembleInstruction(5) = %q", got)
	}
}

func TestDisassembleToLines(t *testing.T) {
	c := NewChunk()
	c.Emit(OpConstNil)
	c.EmitConstant("x")
	c.Emit(OpConcat)

	lines := c.DisassembleToLines()
	if len(lines) != 3 {
		t.Fatalf("DisassembleToLines() returned %d lines, want 3", len(lines))
	}
	if lines[2] != "0004  CONCAT" {
		t.Errorf("lines[2] = %q", lines[2])
	}
	if c.InstructionCount() != 3 {
		t.Errorf("InstructionCount() = %d, want 3", c.InstructionCount())
	}
}

func TestDisassembleAllOpcodes(t *testing.T) {
	for _, op := range AllOpcodes() {
		c := NewChunk()
		c.AddConstant("k")
		c.Code = append(c.Code, byte(op))
		for i := 0; i < op.OperandLen(); i++ {
			c.Code = append(c.Code, 0)
		}
		if got := c.DisassembleInstruction(0); !strings.HasPrefix(got, op.String()) {
			t.Errorf("DisassembleInstruction(%s) = %q", op, got)
		}
	}
}
