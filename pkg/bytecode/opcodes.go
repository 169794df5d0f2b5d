package bytecode

import "fmt"

// Opcode is a single bytecode instruction. The high nibble groups opcodes by
// category; the values are part of the image format and must not change.
type Opcode byte

const (
	OpNop  Opcode = 0x00
	OpPop  Opcode = 0x01
	OpDup  Opcode = 0x02
	OpSwap Opcode = 0x03
	OpRot  Opcode = 0x04 // a b c -> b c a

	OpConst      Opcode = 0x10 // <const:u16>
	OpConstNil   Opcode = 0x11 // nil is the empty string
	OpConstTrue  Opcode = 0x12
	OpConstFalse Opcode = 0x13
	OpConstZero  Opcode = 0x14
	OpConstOne   Opcode = 0x15
	OpConstEmpty Opcode = 0x16

	OpLoadLocal  Opcode = 0x20 // <slot:u8>
	OpStoreLocal Opcode = 0x21 // <slot:u8>
	OpLoadParam  Opcode = 0x22 // <index:u8>

	OpLoadGlobal  Opcode = 0x40 // <name:u16>; NameError when unset
	OpStoreGlobal Opcode = 0x41 // <name:u16>

	OpAdd Opcode = 0x50
	OpSub Opcode = 0x51 // a - b, b on top
	OpMul Opcode = 0x52
	OpDiv Opcode = 0x53 // floored; ZeroDivisionError
	OpMod Opcode = 0x54 // floored; ZeroDivisionError
	OpNeg Opcode = 0x55

	OpEq Opcode = 0x60
	OpNe Opcode = 0x61
	OpLt Opcode = 0x62
	OpLe Opcode = 0x63
	OpGt Opcode = 0x64
	OpGe Opcode = 0x65

	OpNot Opcode = 0x68
	OpAnd Opcode = 0x69
	OpOr  Opcode = 0x6A

	OpConcat Opcode = 0x70
	OpStrLen Opcode = 0x71

	// Jump offsets are relative to the end of the instruction.
	OpJump       Opcode = 0x80 // <offset:i16>
	OpJumpTrue   Opcode = 0x81 // <offset:i16>, pops
	OpJumpFalse  Opcode = 0x82 // <offset:i16>, pops
	OpJumpNil    Opcode = 0x83 // <offset:i16>, pops
	OpJumpNotNil Opcode = 0x84 // <offset:i16>, pops

	OpSend Opcode = 0x90 // <selector:u16> <argc:u8>; receiver below the arguments
	OpCall Opcode = 0x91 // <proc:u16> <argc:u8>

	OpRaise       Opcode = 0xA0 // <class:u16>, message on top
	OpPushHandler Opcode = 0xA1 // <offset:i16> of the rescue code
	OpPopHandler  Opcode = 0xA2
	OpLoadExc     Opcode = 0xA3 // message of the rescued exception

	OpArrayNew    Opcode = 0xB0
	OpArrayPush   Opcode = 0xB1 // array value -> array
	OpArrayAt     Opcode = 0xB2 // array index -> value
	OpArrayAtPut  Opcode = 0xB3 // array index value -> array
	OpArrayLen    Opcode = 0xB4
	OpArrayFirst  Opcode = 0xB5
	OpArrayLast   Opcode = 0xB6
	OpArrayRemove Opcode = 0xB7 // array index -> array

	OpObjectNew    Opcode = 0xB8
	OpObjectAt     Opcode = 0xB9 // object key -> value
	OpObjectAtPut  Opcode = 0xBA // object key value -> object
	OpObjectHasKey Opcode = 0xBB
	OpObjectKeys   Opcode = 0xBC
	OpObjectValues Opcode = 0xBD
	OpObjectRemove Opcode = 0xBE // object key -> object
	OpObjectLen    Opcode = 0xBF

	OpReturn    Opcode = 0xF0
	OpReturnNil Opcode = 0xF1
)

// OperandKind describes the operand bytes that follow an opcode.
type OperandKind uint8

const (
	OperandNone     OperandKind = iota
	OperandConst                // u16 constant pool index, a literal
	OperandName                 // u16 constant pool index, a global or class name
	OperandSlot                 // u8 local slot
	OperandParam                // u8 parameter index
	OperandOffset               // i16 relative jump
	OperandSelector             // u16 constant pool index then u8 argc
)

var operandLens = [...]int{
	OperandNone:     0,
	OperandConst:    2,
	OperandName:     2,
	OperandSlot:     1,
	OperandParam:    1,
	OperandOffset:   2,
	OperandSelector: 3,
}

// Len is the number of operand bytes of this kind.
func (k OperandKind) Len() int {
	return operandLens[k]
}

// ReferencesConstant reports whether the operand starts with a constant pool index.
func (k OperandKind) ReferencesConstant() bool {
	return k == OperandConst || k == OperandName || k == OperandSelector
}

// Category groups opcodes for tooling and predicates.
type Category uint8

const (
	CategoryStack Category = iota
	CategoryConstant
	CategoryVariable
	CategoryArithmetic
	CategoryComparison
	CategoryLogic
	CategoryString
	CategoryJump
	CategorySend
	CategoryException
	CategoryArray
	CategoryObject
	CategoryReturn
)

// OpcodeInfo is the metadata of one opcode.
type OpcodeInfo struct {
	Name       string
	Category   Category
	Operand    OperandKind
	StackPop   int // -1 when it depends on the operand
	StackPush  int
	OperandLen int
}

func def(name string, cat Category, operand OperandKind, pop, push int) OpcodeInfo {
	return OpcodeInfo{
		Name:       name,
		Category:   cat,
		Operand:    operand,
		StackPop:   pop,
		StackPush:  push,
		OperandLen: operand.Len(),
	}
}

// opcodeTable is indexed by opcode; unused entries have an empty name.
var opcodeTable = [256]OpcodeInfo{
	OpNop:  def("NOP", CategoryStack, OperandNone, 0, 0),
	OpPop:  def("POP", CategoryStack, OperandNone, 1, 0),
	OpDup:  def("DUP", CategoryStack, OperandNone, 1, 2),
	OpSwap: def("SWAP", CategoryStack, OperandNone, 2, 2),
	OpRot:  def("ROT", CategoryStack, OperandNone, 3, 3),

	OpConst:      def("CONST", CategoryConstant, OperandConst, 0, 1),
	OpConstNil:   def("CONST_NIL", CategoryConstant, OperandNone, 0, 1),
	OpConstTrue:  def("CONST_TRUE", CategoryConstant, OperandNone, 0, 1),
	OpConstFalse: def("CONST_FALSE", CategoryConstant, OperandNone, 0, 1),
	OpConstZero:  def("CONST_ZERO", CategoryConstant, OperandNone, 0, 1),
	OpConstOne:   def("CONST_ONE", CategoryConstant, OperandNone, 0, 1),
	OpConstEmpty: def("CONST_EMPTY", CategoryConstant, OperandNone, 0, 1),

	OpLoadLocal:   def("LOAD_LOCAL", CategoryVariable, OperandSlot, 0, 1),
	OpStoreLocal:  def("STORE_LOCAL", CategoryVariable, OperandSlot, 1, 0),
	OpLoadParam:   def("LOAD_PARAM", CategoryVariable, OperandParam, 0, 1),
	OpLoadGlobal:  def("LOAD_GLOBAL", CategoryVariable, OperandName, 0, 1),
	OpStoreGlobal: def("STORE_GLOBAL", CategoryVariable, OperandName, 1, 0),

	OpAdd: def("ADD", CategoryArithmetic, OperandNone, 2, 1),
	OpSub: def("SUB", CategoryArithmetic, OperandNone, 2, 1),
	OpMul: def("MUL", CategoryArithmetic, OperandNone, 2, 1),
	OpDiv: def("DIV", CategoryArithmetic, OperandNone, 2, 1),
	OpMod: def("MOD", CategoryArithmetic, OperandNone, 2, 1),
	OpNeg: def("NEG", CategoryArithmetic, OperandNone, 1, 1),

	OpEq: def("EQ", CategoryComparison, OperandNone, 2, 1),
	OpNe: def("NE", CategoryComparison, OperandNone, 2, 1),
	OpLt: def("LT", CategoryComparison, OperandNone, 2, 1),
	OpLe: def("LE", CategoryComparison, OperandNone, 2, 1),
	OpGt: def("GT", CategoryComparison, OperandNone, 2, 1),
	OpGe: def("GE", CategoryComparison, OperandNone, 2, 1),

	OpNot: def("NOT", CategoryLogic, OperandNone, 1, 1),
	OpAnd: def("AND", CategoryLogic, OperandNone, 2, 1),
	OpOr:  def("OR", CategoryLogic, OperandNone, 2, 1),

	OpConcat: def("CONCAT", CategoryString, OperandNone, 2, 1),
	OpStrLen: def("STRLEN", CategoryString, OperandNone, 1, 1),

	OpJump:       def("JUMP", CategoryJump, OperandOffset, 0, 0),
	OpJumpTrue:   def("JUMP_TRUE", CategoryJump, OperandOffset, 1, 0),
	OpJumpFalse:  def("JUMP_FALSE", CategoryJump, OperandOffset, 1, 0),
	OpJumpNil:    def("JUMP_NIL", CategoryJump, OperandOffset, 1, 0),
	OpJumpNotNil: def("JUMP_NOT_NIL", CategoryJump, OperandOffset, 1, 0),

	OpSend: def("SEND", CategorySend, OperandSelector, -1, 1),
	OpCall: def("CALL", CategorySend, OperandSelector, -1, 1),

	OpRaise:       def("RAISE", CategoryException, OperandName, 1, 0),
	OpPushHandler: def("PUSH_HANDLER", CategoryException, OperandOffset, 0, 0),
	OpPopHandler:  def("POP_HANDLER", CategoryException, OperandNone, 0, 0),
	OpLoadExc:     def("LOAD_EXC", CategoryException, OperandNone, 0, 1),

	OpArrayNew:    def("ARRAY_NEW", CategoryArray, OperandNone, 0, 1),
	OpArrayPush:   def("ARRAY_PUSH", CategoryArray, OperandNone, 2, 1),
	OpArrayAt:     def("ARRAY_AT", CategoryArray, OperandNone, 2, 1),
	OpArrayAtPut:  def("ARRAY_AT_PUT", CategoryArray, OperandNone, 3, 1),
	OpArrayLen:    def("ARRAY_LEN", CategoryArray, OperandNone, 1, 1),
	OpArrayFirst:  def("ARRAY_FIRST", CategoryArray, OperandNone, 1, 1),
	OpArrayLast:   def("ARRAY_LAST", CategoryArray, OperandNone, 1, 1),
	OpArrayRemove: def("ARRAY_REMOVE", CategoryArray, OperandNone, 2, 1),

	OpObjectNew:    def("OBJECT_NEW", CategoryObject, OperandNone, 0, 1),
	OpObjectAt:     def("OBJECT_AT", CategoryObject, OperandNone, 2, 1),
	OpObjectAtPut:  def("OBJECT_AT_PUT", CategoryObject, OperandNone, 3, 1),
	OpObjectHasKey: def("OBJECT_HAS_KEY", CategoryObject, OperandNone, 2, 1),
	OpObjectKeys:   def("OBJECT_KEYS", CategoryObject, OperandNone, 1, 1),
	OpObjectValues: def("OBJECT_VALUES", CategoryObject, OperandNone, 1, 1),
	OpObjectRemove: def("OBJECT_REMOVE", CategoryObject, OperandNone, 2, 1),
	OpObjectLen:    def("OBJECT_LEN", CategoryObject, OperandNone, 1, 1),

	OpReturn:    def("RETURN", CategoryReturn, OperandNone, 1, 0),
	OpReturnNil: def("RETURN_NIL", CategoryReturn, OperandNone, 0, 0),
}

// GetOpcodeInfo returns the metadata of op. Unknown opcodes get a name of
// the form UNKNOWN(0xNN) and no operands.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info := opcodeTable[op]; info.Name != "" {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

func (op Opcode) IsKnown() bool {
	return opcodeTable[op].Name != ""
}

func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

func (op Opcode) OperandLen() int {
	return opcodeTable[op].OperandLen
}

// InstructionLen is the opcode byte plus its operands.
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

func (op Opcode) IsJump() bool {
	return op.IsKnown() && opcodeTable[op].Category == CategoryJump
}

func (op Opcode) IsReturn() bool {
	return op.IsKnown() && opcodeTable[op].Category == CategoryReturn
}

func (op Opcode) IsSend() bool {
	return op.IsKnown() && opcodeTable[op].Category == CategorySend
}

func (op Opcode) IsExceptionOp() bool {
	return op.IsKnown() && opcodeTable[op].Category == CategoryException
}

// AllOpcodes returns every defined opcode in ascending order.
func AllOpcodes() []Opcode {
	var ops []Opcode
	for i := range opcodeTable {
		if opcodeTable[i].Name != "" {
			ops = append(ops, Opcode(i))
		}
	}
	return ops
}

func OpcodeCount() int {
	return len(AllOpcodes())
}
