package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Disassemble returns a listing of the chunk: header, constant pool and code.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName is Disassemble with a "; === name ===" banner.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder
	if name != "" {
		fmt.Fprintf(&sb, "; === %s ===\n", name)
	}
	c.writeHeader(&sb)

	sb.WriteString("; Code:\n")
	c.walk(func(offset int, text string) {
		if c.Flags&ChunkFlagDebug != 0 {
			if line, col := c.GetSourceLocation(uint32(offset)); line > 0 {
				fmt.Fprintf(&sb, "%04X  %-30s ; line %d:%d\n", offset, text, line, col)
				return
			}
		}
		fmt.Fprintf(&sb, "%04X  %s\n", offset, text)
	})
	return sb.String()
}

func (c *Chunk) writeHeader(sb *strings.Builder) {
	fmt.Fprintf(sb, "; EV3 Bytecode v%d\n", c.Version)
	fmt.Fprintf(sb, "; Flags: 0x%04X", c.Flags)
	if c.Flags&ChunkFlagDebug != 0 {
		sb.WriteString(" [DEBUG]")
	}
	if c.Flags&ChunkFlagRescues != 0 {
		sb.WriteString(" [RESCUES]")
	}
	sb.WriteString("\n")

	if c.ParamCount > 0 {
		fmt.Fprintf(sb, "; Parameters (%d): %s\n", c.ParamCount, strings.Join(c.ParamNames, ", "))
	}
	if c.LocalCount > 0 {
		fmt.Fprintf(sb, "; Locals: %d slots\n", c.LocalCount)
	}
	sb.WriteString("\n")

	if len(c.Constants) == 0 {
		return
	}
	sb.WriteString("; Constants:\n")
	for i, s := range c.Constants {
		fmt.Fprintf(sb, ";   [%3d] %q\n", i, abbreviate(s, 40))
	}
	sb.WriteString("\n")
}

// walk calls fn for each instruction in order. A truncated instruction ends
// the walk.
func (c *Chunk) walk(fn func(offset int, text string)) {
	for offset := 0; offset < len(c.Code); {
		text, n := c.decode(offset)
		fn(offset, text)
		offset += n
	}
}

// decode formats the instruction at offset and returns its length.
func (c *Chunk) decode(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}

	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)
	n := op.InstructionLen()
	if offset+n > len(c.Code) {
		return info.Name + " <truncated>", len(c.Code) - offset
	}
	operands := c.Code[offset+1 : offset+n]

	switch info.Operand {
	case OperandConst:
		idx := binary.BigEndian.Uint16(operands)
		return fmt.Sprintf("%s %d ; %q", info.Name, idx, abbreviate(c.constant(idx), 20)), n
	case OperandName:
		idx := binary.BigEndian.Uint16(operands)
		return fmt.Sprintf("%s %d ; %s", info.Name, idx, c.constant(idx)), n
	case OperandSlot:
		return annotate(info.Name, operands[0], c.VarNames), n
	case OperandParam:
		return annotate(info.Name, operands[0], c.ParamNames), n
	case OperandOffset:
		delta := int(int16(binary.BigEndian.Uint16(operands)))
		return fmt.Sprintf("%s %+d (-> %04X)", info.Name, delta, offset+n+delta), n
	case OperandSelector:
		idx := binary.BigEndian.Uint16(operands)
		return fmt.Sprintf("%s %d (%s) argc=%d", info.Name, idx, c.constant(idx), operands[2]), n
	}
	return info.Name, n
}

// annotate formats a one-byte index operand with its name when one is known.
func annotate(op string, idx byte, names []string) string {
	if int(idx) < len(names) && names[idx] != "" {
		return fmt.Sprintf("%s %d ; %s", op, idx, names[idx])
	}
	return fmt.Sprintf("%s %d", op, idx)
}

// abbreviate shortens s to at most limit runes, "..." included.
func abbreviate(s string, limit int) string {
	if utf8.RuneCountInString(s) > limit {
		return truncate(s, limit-3)
	}
	return s
}

// DisassembleInstruction formats the single instruction at offset.
func (c *Chunk) DisassembleInstruction(offset int) string {
	text, _ := c.decode(offset)
	return text
}

func (c *Chunk) constant(idx uint16) string {
	if int(idx) < len(c.Constants) {
		return c.Constants[idx]
	}
	return ""
}

// DisassembleToLines returns the code section only, one instruction per line.
func (c *Chunk) DisassembleToLines() []string {
	var lines []string
	c.walk(func(offset int, text string) {
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, text))
	})
	return lines
}

// InstructionCount returns the number of instructions in the chunk.
func (c *Chunk) InstructionCount() int {
	count := 0
	c.walk(func(int, string) { count++ })
	return count
}
