package bytecode

import (
	"encoding/binary"
	"fmt"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// Magic bytes for serialized chunks: "EVBC" (EV3 ByteCode)
var BytecodeMagic = []byte{'E', 'V', 'B', 'C'}

// ChunkFlags contains compilation flags for a chunk.
type ChunkFlags uint16

const (
	// ChunkFlagDebug indicates debug information is present.
	ChunkFlagDebug ChunkFlags = 1 << 0

	// ChunkFlagRescues indicates the chunk installs exception handlers.
	ChunkFlagRescues ChunkFlags = 1 << 1
)

// SourceLocation maps bytecode position to source location for debugging.
type SourceLocation struct {
	BytecodeOffset uint32 // Offset in code section
	Line           uint32 // Source line number (1-based)
	Column         uint16 // Source column number (1-based)
}

// Chunk represents compiled bytecode for one procedure of a loaded program.
// It is the fundamental unit of bytecode that can be serialized and executed.
type Chunk struct {
	// Header
	Version uint16     // Bytecode format version
	Flags   ChunkFlags // Compilation flags

	// Code section
	Code []byte // Bytecode instructions

	// Constant pool - strings referenced by OpConst, selectors and names
	Constants []string

	// Parameter information
	ParamCount uint8    // Number of parameters
	ParamNames []string // Parameter names (for debugging/reflection)

	// Local variables
	LocalCount uint8 // Number of local variable slots needed

	// Debug information (optional, present if ChunkFlagDebug is set)
	SourceMap []SourceLocation // Bytecode offset -> source location
	VarNames  []string         // Local variable names for debugging
}

// NewChunk creates a new empty chunk with the current version.
func NewChunk() *Chunk {
	return &Chunk{
		Version:   BytecodeVersion,
		Code:      make([]byte, 0, 64),
		Constants: make([]string, 0, 8),
	}
}

// AddConstant adds a string constant to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (c *Chunk) AddConstant(value string) uint16 {
	for i, s := range c.Constants {
		if s == value {
			return uint16(i)
		}
	}
	idx := uint16(len(c.Constants))
	c.Constants = append(c.Constants, value)
	return idx
}

// GetConstant returns the constant at the given index.
// Panics if the index is out of bounds.
func (c *Chunk) GetConstant(index uint16) string {
	return c.Constants[index]
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return offset
}

// EmitConstant emits an OpConst for value, adding it to the pool if needed.
func (c *Chunk) EmitConstant(value string) int {
	return c.emitIndexed(OpConst, value)
}

// EmitNamed emits op with a pool index for name as its operand
// (OpLoadGlobal, OpStoreGlobal, OpRaise).
func (c *Chunk) EmitNamed(op Opcode, name string) int {
	return c.emitIndexed(op, name)
}

// EmitSend emits an OpSend of selector with argc arguments.
func (c *Chunk) EmitSend(selector string, argc uint8) int {
	return c.emitIndexed(OpSend, selector, argc)
}

// EmitCall emits an OpCall of the named procedure with argc arguments.
func (c *Chunk) EmitCall(proc string, argc uint8) int {
	return c.emitIndexed(OpCall, proc, argc)
}

func (c *Chunk) emitIndexed(op Opcode, constant string, extra ...byte) int {
	idx := c.AddConstant(constant)
	return c.EmitWithOperand(op, append([]byte{byte(idx >> 8), byte(idx)}, extra...)...)
}

// EmitJump emits op with a placeholder offset and returns the placeholder
// position for PatchJump. Emitting OpPushHandler marks the chunk as
// installing rescue handlers.
func (c *Chunk) EmitJump(op Opcode) int {
	offset := c.EmitWithOperand(op, 0xFF, 0xFF)
	if op == OpPushHandler {
		c.Flags |= ChunkFlagRescues
	}
	return offset + 1
}

// PatchJump points the jump at placeholder to the current end of code.
func (c *Chunk) PatchJump(placeholder int) {
	c.PatchJumpTo(placeholder, len(c.Code))
}

// PatchJumpTo points the jump at placeholder to target.
func (c *Chunk) PatchJumpTo(placeholder int, target int) {
	delta := target - (placeholder + 2)
	binary.BigEndian.PutUint16(c.Code[placeholder:], uint16(int16(delta)))
}

// EmitLoop emits a backward OpJump to loopStart.
func (c *Chunk) EmitLoop(loopStart int) {
	delta := loopStart - (len(c.Code) + 3)
	c.EmitWithOperand(OpJump, byte(delta>>8), byte(delta))
}

// CurrentOffset returns the current offset in the code section.
func (c *Chunk) CurrentOffset() int {
	return len(c.Code)
}

// CodeLen returns the length of the code section.
func (c *Chunk) CodeLen() int {
	return len(c.Code)
}

// ConstantCount returns the number of constants in the pool.
func (c *Chunk) ConstantCount() int {
	return len(c.Constants)
}

// AddSourceLocation adds a debug source location mapping.
func (c *Chunk) AddSourceLocation(bytecodeOffset uint32, line uint32, column uint16) {
	c.Flags |= ChunkFlagDebug
	c.SourceMap = append(c.SourceMap, SourceLocation{
		BytecodeOffset: bytecodeOffset,
		Line:           line,
		Column:         column,
	})
}

// Line marks the instructions emitted from here on as belonging to a source line.
func (c *Chunk) Line(line uint32) {
	c.AddSourceLocation(uint32(len(c.Code)), line, 1)
}

// GetSourceLocation returns the source location for a bytecode offset.
// Returns line 0, column 0 if no mapping exists.
func (c *Chunk) GetSourceLocation(offset uint32) (line uint32, column uint16) {
	for i := len(c.SourceMap) - 1; i >= 0; i-- {
		if c.SourceMap[i].BytecodeOffset <= offset {
			return c.SourceMap[i].Line, c.SourceMap[i].Column
		}
	}
	return 0, 0
}

// Serialize encodes the chunk in the EVBC format, all integers big-endian:
//
//	magic "EVBC", version u16, flags u16
//	code: len u32, bytes
//	constants: count u16, each len u16 + bytes
//	params: count u8, each len u8 + bytes
//	locals: count u8
//	debug marker u8; when 1: source map count u16, each offset u32 line u32
//	column u16; var names count u16, each len u8 + bytes
func (c *Chunk) Serialize() ([]byte, error) {
	if len(c.Constants) > 0xFFFF {
		return nil, fmt.Errorf("too many constants: %d", len(c.Constants))
	}
	if len(c.ParamNames) > 0xFF || len(c.ParamNames) != int(c.ParamCount) {
		return nil, fmt.Errorf("param names (%d) do not match param count (%d)", len(c.ParamNames), c.ParamCount)
	}

	w := chunkWriter{buf: make([]byte, 0, 16+len(c.Code)+len(c.Constants)*16)}
	w.buf = append(w.buf, BytecodeMagic...)
	w.u16(c.Version)
	w.u16(uint16(c.Flags))

	w.u32(uint32(len(c.Code)))
	w.buf = append(w.buf, c.Code...)

	w.u16(uint16(len(c.Constants)))
	for _, s := range c.Constants {
		w.str16(s)
	}

	w.u8(c.ParamCount)
	for _, name := range c.ParamNames {
		w.str8(name)
	}
	w.u8(c.LocalCount)

	if c.Flags&ChunkFlagDebug == 0 {
		w.u8(0)
		return w.buf, w.err
	}
	w.u8(1)
	w.u16(uint16(len(c.SourceMap)))
	for _, loc := range c.SourceMap {
		w.u32(loc.BytecodeOffset)
		w.u32(loc.Line)
		w.u16(loc.Column)
	}
	w.u16(uint16(len(c.VarNames)))
	for _, name := range c.VarNames {
		w.str8(name)
	}
	return w.buf, w.err
}

type chunkWriter struct {
	buf []byte
	err error
}

func (w *chunkWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *chunkWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *chunkWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *chunkWriter) str16(s string) {
	if len(s) > 0xFFFF && w.err == nil {
		w.err = fmt.Errorf("constant too long: %d bytes", len(s))
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *chunkWriter) str8(s string) {
	if len(s) > 0xFF && w.err == nil {
		w.err = fmt.Errorf("name too long: %q", s)
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// chunkReader consumes an EVBC buffer. The first short read is kept in err
// and every later read returns zero values.
type chunkReader struct {
	data []byte
	pos  int
	err  error
}

func (r *chunkReader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data)-r.pos {
		r.err = fmt.Errorf("unexpected end of bytecode reading %s at pos %d", what, r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *chunkReader) u8(what string) uint8 {
	if b := r.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (r *chunkReader) u16(what string) uint16 {
	if b := r.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *chunkReader) u32(what string) uint32 {
	if b := r.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *chunkReader) str16(what string) string {
	return string(r.take(int(r.u16(what+" length")), what))
}

func (r *chunkReader) str8(what string) string {
	return string(r.take(int(r.u8(what+" length")), what))
}

// Deserialize decodes a chunk written by Serialize.
func Deserialize(data []byte) (*Chunk, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bytecode too short: need at least 8 bytes, got %d", len(data))
	}
	if string(data[:4]) != string(BytecodeMagic) {
		return nil, fmt.Errorf("invalid bytecode magic: expected %q, got %q", BytecodeMagic, data[:4])
	}

	r := &chunkReader{data: data, pos: 4}
	c := &Chunk{Version: r.u16("version")}
	if c.Version > BytecodeVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", c.Version, BytecodeVersion)
	}
	c.Flags = ChunkFlags(r.u16("flags"))

	c.Code = append([]byte(nil), r.take(int(r.u32("code length")), "code section")...)

	c.Constants = make([]string, r.u16("constant count"))
	for i := range c.Constants {
		c.Constants[i] = r.str16(fmt.Sprintf("constant %d", i))
	}

	c.ParamCount = r.u8("param count")
	c.ParamNames = make([]string, c.ParamCount)
	for i := range c.ParamNames {
		c.ParamNames[i] = r.str8(fmt.Sprintf("param %d name", i))
	}
	c.LocalCount = r.u8("local count")

	if r.u8("debug marker") != 0 {
		c.SourceMap = make([]SourceLocation, r.u16("source map count"))
		for i := range c.SourceMap {
			c.SourceMap[i] = SourceLocation{
				BytecodeOffset: r.u32("source location"),
				Line:           r.u32("source location"),
				Column:         r.u16("source location"),
			}
		}
		c.VarNames = make([]string, r.u16("var names count"))
		for i := range c.VarNames {
			c.VarNames[i] = r.str8(fmt.Sprintf("var name %d", i))
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("trailing data after chunk: %d bytes", len(data)-r.pos)
	}
	return c, nil
}

// Verify walks the code section and checks that every instruction is known
// and complete, and that its constant, slot and jump operands are in range.
func (c *Chunk) Verify() error {
	for offset := 0; offset < len(c.Code); {
		op := Opcode(c.Code[offset])
		if !op.IsKnown() {
			return fmt.Errorf("unknown opcode 0x%02X at offset %d", byte(op), offset)
		}
		end := offset + op.InstructionLen()
		if end > len(c.Code) {
			return fmt.Errorf("truncated %s at offset %d", op, offset)
		}

		kind := GetOpcodeInfo(op).Operand
		operands := c.Code[offset+1 : end]
		switch {
		case kind.ReferencesConstant():
			if idx := binary.BigEndian.Uint16(operands); int(idx) >= len(c.Constants) {
				return fmt.Errorf("%s at offset %d: constant %d out of range", op, offset, idx)
			}
		case kind == OperandSlot:
			if operands[0] >= c.LocalCount {
				return fmt.Errorf("%s at offset %d: slot %d out of range", op, offset, operands[0])
			}
		case kind == OperandOffset:
			target := end + int(int16(binary.BigEndian.Uint16(operands)))
			if target < 0 || target > len(c.Code) {
				return fmt.Errorf("%s at offset %d: target %d out of range", op, offset, target)
			}
		}

		offset = end
	}
	return nil
}
