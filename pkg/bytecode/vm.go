package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"unsafe"

	"github.com/tliron/commonlog"

	"github.com/chazu/ev3boot/pkg/image"
)

// MessageSender receives sends for selectors that have no registered
// primitive. Hosts use it to expose device bindings to programs.
type MessageSender interface {
	SendMessage(receiver, selector string, args ...string) (string, error)
}

// Config sizes a VM instance.
type Config struct {
	StackSize   int   // Value stack slots
	MaxFrames   int   // Maximum call depth
	MaxHandlers int   // Maximum nested rescue handlers
	MemoryLimit int64 // Byte budget for the stacks; 0 means unlimited
	Trace       bool  // Log every executed instruction at debug level

	Stdout io.Writer // Program output (puts/print/p); os.Stdout when nil
}

// DefaultConfig returns the sizes used when a manifest leaves them unset.
func DefaultConfig() Config {
	return Config{
		StackSize:   1024,
		MaxFrames:   64,
		MaxHandlers: 32,
	}
}

var (
	// ErrNoMemory is returned by Open when the configured stacks do not fit
	// the memory budget.
	ErrNoMemory = errors.New("cannot allocate VM: out of memory")

	// ErrInvalidConfig is returned by Open for non-positive stack sizes.
	ErrInvalidConfig = errors.New("invalid VM configuration")
)

// MemoryRequired returns the bytes Open allocates up front for cfg.
func (cfg Config) MemoryRequired() int64 {
	return int64(cfg.StackSize)*int64(unsafe.Sizeof("")) +
		int64(cfg.MaxFrames)*int64(unsafe.Sizeof(CallFrame{})) +
		int64(cfg.MaxHandlers)*int64(unsafe.Sizeof(handler{}))
}

// CallFrame represents an active procedure invocation on the call stack.
type CallFrame struct {
	name   string
	chunk  *Chunk
	ip     int // Resume offset once the callee returns
	pc     int // Offset of the instruction that made the call
	bp     int // Stack height at entry
	locals []string
	params []string
}

// VM executes the procedures of a loaded image.
type VM struct {
	// Current execution state
	chunk  *Chunk
	ip     int // Next instruction
	pc     int // Instruction being executed
	stack  []string
	sp     int
	locals []string
	params []string

	// Call stack; frames[frameDepth] is the running procedure
	frames     []CallFrame
	frameDepth int

	handlers []handler
	rescued  *Exception
	exc      *Exception

	// Loaded program
	file    string
	procs   map[string]*Chunk
	globals map[string]string
	result  string

	prims  map[string]Primitive
	sender MessageSender
	stdout io.Writer
	trace  bool
	log    commonlog.Logger
	closed bool
}

// vmError carries a raise through panic/recover to the protected run loop.
type vmError struct {
	class   string
	message string
}

// Open allocates a VM sized by cfg.
func Open(cfg Config) (*VM, error) {
	if cfg.StackSize <= 0 || cfg.MaxFrames <= 0 || cfg.MaxHandlers < 0 {
		return nil, fmt.Errorf("%w: stack_size=%d max_frames=%d max_handlers=%d",
			ErrInvalidConfig, cfg.StackSize, cfg.MaxFrames, cfg.MaxHandlers)
	}
	if need := cfg.MemoryRequired(); cfg.MemoryLimit > 0 && need > cfg.MemoryLimit {
		return nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrNoMemory, need, cfg.MemoryLimit)
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	vm := &VM{
		stack:    make([]string, cfg.StackSize),
		frames:   make([]CallFrame, cfg.MaxFrames),
		handlers: make([]handler, 0, cfg.MaxHandlers),
		procs:    make(map[string]*Chunk),
		globals:  make(map[string]string),
		prims:    make(map[string]Primitive),
		stdout:   stdout,
		trace:    cfg.Trace,
		log:      commonlog.GetLogger("ev3boot.vm"),
	}
	vm.registerKernel()
	vm.log.Debugf("opened VM: %d stack slots, %d frames", cfg.StackSize, cfg.MaxFrames)
	return vm, nil
}

// SetMessageSender sets the fallback for sends without a primitive.
func (vm *VM) SetMessageSender(sender MessageSender) {
	vm.sender = sender
}

// Global returns a global set by the loaded program.
func (vm *VM) Global(name string) (string, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// Result returns the value the entry procedure returned on the last load.
func (vm *VM) Result() string {
	return vm.result
}

// LoadImage decodes an image and runs its entry procedure to completion.
// It reports nothing directly: any failure, from a corrupt image to an
// unrescued raise, is left in the exception state.
func (vm *VM) LoadImage(data []byte) {
	if vm.closed {
		panic("bytecode: LoadImage on closed VM")
	}

	img, err := image.Decode(data)
	if err != nil {
		vm.exc = &Exception{
			Class:     ClassScriptError,
			Message:   err.Error(),
			Backtrace: []Frame{{File: "(image)"}},
		}
		return
	}

	procs := make(map[string]*Chunk, len(img.Procs))
	for _, p := range img.Procs {
		chunk, err := Deserialize(p.Chunk)
		if err == nil {
			err = chunk.Verify()
		}
		if err != nil {
			vm.exc = &Exception{
				Class:     ClassScriptError,
				Message:   fmt.Sprintf("procedure %s: %v", p.Name, err),
				Backtrace: []Frame{{File: img.Name, Proc: p.Name}},
			}
			return
		}
		procs[p.Name] = chunk
	}

	vm.file = img.Name
	for name, chunk := range procs {
		vm.procs[name] = chunk
	}
	vm.log.Debugf("loaded image %s: %d procedures, entry %s", img.Name, len(procs), img.Entry)

	vm.start(img.Entry, vm.procs[img.Entry])
	vm.execute()
	vm.sp = 0
	vm.handlers = vm.handlers[:0]
	vm.rescued = nil
}

// Close releases the stacks and the loaded program. Calling Close more than
// once has no effect.
func (vm *VM) Close() {
	if vm.closed {
		return
	}
	vm.closed = true
	vm.stack = nil
	vm.frames = nil
	vm.handlers = nil
	vm.locals = nil
	vm.params = nil
	vm.procs = nil
	vm.globals = nil
	vm.exc = nil
	vm.rescued = nil
	vm.log.Debugf("closed VM")
}

// Closed reports whether Close has been called.
func (vm *VM) Closed() bool {
	return vm.closed
}

func (vm *VM) start(name string, chunk *Chunk) {
	vm.frameDepth = 0
	vm.sp = 0
	vm.frames[0] = CallFrame{name: name, chunk: chunk}
	vm.enter(&vm.frames[0], nil)
}

// enter makes f the running frame.
func (vm *VM) enter(f *CallFrame, args []string) {
	f.bp = vm.sp
	f.locals = make([]string, f.chunk.LocalCount)
	f.params = args
	vm.chunk = f.chunk
	vm.locals = f.locals
	vm.params = f.params
	vm.ip = 0
	vm.pc = 0
}

func (vm *VM) frame() *CallFrame {
	return &vm.frames[vm.frameDepth]
}

// call pushes a frame for the named procedure.
func (vm *VM) call(name string, args []string) {
	chunk, ok := vm.procs[name]
	if !ok {
		vm.throw(ClassNoMethod, "undefined method '%s' for main", name)
	}
	if len(args) != int(chunk.ParamCount) {
		vm.throw(ClassArgument, "wrong number of arguments (given %d, expected %d)", len(args), chunk.ParamCount)
	}
	if vm.frameDepth+1 >= len(vm.frames) {
		vm.throw(ClassSystemStackError, "stack level too deep")
	}

	caller := vm.frame()
	caller.ip = vm.ip
	caller.pc = vm.pc

	vm.frameDepth++
	vm.frames[vm.frameDepth] = CallFrame{name: name, chunk: chunk}
	vm.enter(&vm.frames[vm.frameDepth], args)
}

// popFrame discards the running frame and resumes its caller.
func (vm *VM) popFrame() {
	f := vm.frame()
	vm.sp = f.bp
	vm.frames[vm.frameDepth] = CallFrame{}
	vm.frameDepth--

	caller := vm.frame()
	vm.chunk = caller.chunk
	vm.locals = caller.locals
	vm.params = caller.params
	vm.ip = caller.ip
	vm.pc = caller.pc
}

// ret returns value from the running procedure. It reports false when the
// entry procedure returned and execution is over.
func (vm *VM) ret(value string) bool {
	for n := len(vm.handlers); n > 0 && vm.handlers[n-1].frameDepth >= vm.frameDepth; n-- {
		vm.handlers = vm.handlers[:n-1]
	}
	if vm.frameDepth == 0 {
		vm.result = value
		return false
	}
	vm.popFrame()
	vm.push(value)
	return true
}

// execute runs until the entry procedure returns or an exception escapes.
func (vm *VM) execute() {
	for !vm.runProtected() {
	}
}

// runProtected runs the interpreter loop, turning raises into handler jumps.
// It reports true when execution has finished.
func (vm *VM) runProtected() (done bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var class, message string
		switch e := r.(type) {
		case *vmError:
			class, message = e.class, e.message
		case runtime.Error:
			class, message = ClassScriptError, "bytecode fault: "+e.Error()
		default:
			class, message = ClassRuntimeError, fmt.Sprint(r)
		}
		done = !vm.raise(class, message)
	}()
	vm.run()
	return true
}

// throw raises an exception of the given class from inside the run loop.
func (vm *VM) throw(class, format string, args ...any) {
	panic(&vmError{class: class, message: fmt.Sprintf(format, args...)})
}

// run is the main execution loop.
func (vm *VM) run() {
	for {
		if vm.ip >= len(vm.chunk.Code) {
			if !vm.ret("") {
				return
			}
			continue
		}

		vm.pc = vm.ip
		op := Opcode(vm.chunk.Code[vm.ip])
		vm.ip++

		if vm.trace {
			vm.log.Debugf("[%s %04x] %-16s sp=%d", vm.frame().name, vm.pc, op, vm.sp)
		}

		switch op {
		// ============ Stack Operations ============
		case OpNop:

		case OpPop:
			vm.pop()

		case OpDup:
			vm.push(vm.peek())

		case OpSwap:
			b := vm.pop()
			a := vm.pop()
			vm.push(b)
			vm.push(a)

		case OpRot:
			// [a b c] -> [b c a]
			c := vm.pop()
			b := vm.pop()
			a := vm.pop()
			vm.push(b)
			vm.push(c)
			vm.push(a)

		// ============ Constants ============
		case OpConst:
			vm.push(vm.chunk.Constants[vm.readUint16()])

		case OpConstNil, OpConstEmpty:
			vm.push("")

		case OpConstTrue:
			vm.push("true")

		case OpConstFalse:
			vm.push("false")

		case OpConstZero:
			vm.push("0")

		case OpConstOne:
			vm.push("1")

		// ============ Local Variables ============
		case OpLoadLocal:
			vm.push(vm.locals[vm.readUint8()])

		case OpStoreLocal:
			slot := vm.readUint8()
			vm.locals[slot] = vm.pop()

		case OpLoadParam:
			idx := vm.readUint8()
			if int(idx) < len(vm.params) {
				vm.push(vm.params[idx])
			} else {
				vm.push("")
			}

		// ============ Globals ============
		case OpLoadGlobal:
			name := vm.chunk.Constants[vm.readUint16()]
			value, ok := vm.globals[name]
			if !ok {
				vm.throw(ClassName, "uninitialized constant %s", name)
			}
			vm.push(value)

		case OpStoreGlobal:
			name := vm.chunk.Constants[vm.readUint16()]
			vm.globals[name] = vm.pop()

		// ============ Arithmetic ============
		case OpAdd:
			b, a := vm.popInt(), vm.popInt()
			vm.pushInt(a + b)

		case OpSub:
			b, a := vm.popInt(), vm.popInt()
			vm.pushInt(a - b)

		case OpMul:
			b, a := vm.popInt(), vm.popInt()
			vm.pushInt(a * b)

		case OpDiv:
			b, a := vm.popInt(), vm.popInt()
			if b == 0 {
				vm.throw(ClassZeroDivision, "divide by zero")
			}
			vm.pushInt(floorDiv(a, b))

		case OpMod:
			b, a := vm.popInt(), vm.popInt()
			if b == 0 {
				vm.throw(ClassZeroDivision, "divide by zero")
			}
			vm.pushInt(a - b*floorDiv(a, b))

		case OpNeg:
			vm.pushInt(-vm.popInt())

		// ============ Comparison ============
		case OpEq:
			b, a := vm.pop(), vm.pop()
			vm.pushBool(a == b)

		case OpNe:
			b, a := vm.pop(), vm.pop()
			vm.pushBool(a != b)

		case OpLt:
			b, a := vm.popInt(), vm.popInt()
			vm.pushBool(a < b)

		case OpLe:
			b, a := vm.popInt(), vm.popInt()
			vm.pushBool(a <= b)

		case OpGt:
			b, a := vm.popInt(), vm.popInt()
			vm.pushBool(a > b)

		case OpGe:
			b, a := vm.popInt(), vm.popInt()
			vm.pushBool(a >= b)

		// ============ Logical ============
		case OpNot:
			vm.pushBool(!isTruthy(vm.pop()))

		case OpAnd:
			b, a := vm.pop(), vm.pop()
			vm.pushBool(isTruthy(a) && isTruthy(b))

		case OpOr:
			b, a := vm.pop(), vm.pop()
			vm.pushBool(isTruthy(a) || isTruthy(b))

		// ============ String Operations ============
		case OpConcat:
			b, a := vm.pop(), vm.pop()
			vm.push(a + b)

		case OpStrLen:
			vm.pushInt(len(vm.pop()))

		// ============ Control Flow ============
		case OpJump:
			offset := vm.readInt16()
			vm.ip += int(offset)

		case OpJumpTrue:
			offset := vm.readInt16()
			if isTruthy(vm.pop()) {
				vm.ip += int(offset)
			}

		case OpJumpFalse:
			offset := vm.readInt16()
			if !isTruthy(vm.pop()) {
				vm.ip += int(offset)
			}

		case OpJumpNil:
			offset := vm.readInt16()
			if vm.pop() == "" {
				vm.ip += int(offset)
			}

		case OpJumpNotNil:
			offset := vm.readInt16()
			if vm.pop() != "" {
				vm.ip += int(offset)
			}

		// ============ Sends and Calls ============
		case OpSend:
			selector := vm.chunk.Constants[vm.readUint16()]
			args := vm.popArgs(int(vm.readUint8()))
			receiver := vm.pop()
			vm.push(vm.send(receiver, selector, args))

		case OpCall:
			name := vm.chunk.Constants[vm.readUint16()]
			args := vm.popArgs(int(vm.readUint8()))
			vm.call(name, args)

		// ============ Exceptions ============
		case OpRaise:
			class := vm.chunk.Constants[vm.readUint16()]
			message := vm.pop()
			if message == "" {
				message = class
			}
			vm.throw(class, "%s", message)

		case OpPushHandler:
			offset := vm.readInt16()
			if len(vm.handlers) == cap(vm.handlers) {
				vm.throw(ClassSystemStackError, "too many nested rescue clauses")
			}
			vm.handlers = append(vm.handlers, handler{
				frameDepth: vm.frameDepth,
				sp:         vm.sp,
				target:     vm.ip + int(offset),
			})

		case OpPopHandler:
			if n := len(vm.handlers); n > 0 && vm.handlers[n-1].frameDepth == vm.frameDepth {
				vm.handlers = vm.handlers[:n-1]
			}

		case OpLoadExc:
			if vm.rescued != nil {
				vm.push(vm.rescued.Message)
			} else {
				vm.push("")
			}

		// ============ Array Operations ============
		case OpArrayNew:
			vm.push("[]")

		case OpArrayPush:
			value := vm.pop()
			arr := vm.pop()
			vm.push(vm.jsonResult(jsonArrayPush(arr, value)))

		case OpArrayAt:
			idx := vm.popInt()
			arr := vm.pop()
			vm.push(vm.jsonResult(jsonArrayAt(arr, idx)))

		case OpArrayAtPut:
			value := vm.pop()
			idx := vm.popInt()
			arr := vm.pop()
			vm.push(vm.jsonResult(jsonArrayAtPut(arr, idx, value)))

		case OpArrayLen:
			n, err := jsonArrayLen(vm.pop())
			vm.checkJSON(err)
			vm.pushInt(n)

		case OpArrayFirst:
			vm.push(vm.jsonResult(jsonArrayAt(vm.pop(), 0)))

		case OpArrayLast:
			vm.push(vm.jsonResult(jsonArrayAt(vm.pop(), -1)))

		case OpArrayRemove:
			idx := vm.popInt()
			arr := vm.pop()
			vm.push(vm.jsonResult(jsonArrayRemove(arr, idx)))

		// ============ Object Operations ============
		case OpObjectNew:
			vm.push("{}")

		case OpObjectAt:
			key := vm.pop()
			obj := vm.pop()
			vm.push(vm.jsonResult(jsonObjectAt(obj, key)))

		case OpObjectAtPut:
			value := vm.pop()
			key := vm.pop()
			obj := vm.pop()
			vm.push(vm.jsonResult(jsonObjectAtPut(obj, key, value)))

		case OpObjectHasKey:
			key := vm.pop()
			ok, err := jsonObjectHasKey(vm.pop(), key)
			vm.checkJSON(err)
			vm.pushBool(ok)

		case OpObjectKeys:
			vm.push(vm.jsonResult(jsonObjectKeys(vm.pop())))

		case OpObjectValues:
			vm.push(vm.jsonResult(jsonObjectValues(vm.pop())))

		case OpObjectRemove:
			key := vm.pop()
			obj := vm.pop()
			vm.push(vm.jsonResult(jsonObjectRemove(obj, key)))

		case OpObjectLen:
			n, err := jsonObjectLen(vm.pop())
			vm.checkJSON(err)
			vm.pushInt(n)

		// ============ Return ============
		case OpReturn:
			if !vm.ret(vm.pop()) {
				return
			}

		case OpReturnNil:
			if !vm.ret("") {
				return
			}

		default:
			vm.throw(ClassScriptError, "unknown opcode: 0x%02x at offset %d", byte(op), vm.pc)
		}
	}
}

// Stack helpers

func (vm *VM) push(val string) {
	if vm.sp >= len(vm.stack) {
		vm.throw(ClassSystemStackError, "stack level too deep")
	}
	vm.stack[vm.sp] = val
	vm.sp++
}

func (vm *VM) pop() string {
	if vm.sp <= vm.frame().bp {
		vm.throw(ClassScriptError, "stack underflow at offset %d", vm.pc)
	}
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek() string {
	if vm.sp <= vm.frame().bp {
		vm.throw(ClassScriptError, "stack underflow at offset %d", vm.pc)
	}
	return vm.stack[vm.sp-1]
}

func (vm *VM) popArgs(argc int) []string {
	args := make([]string, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}
	return args
}

func (vm *VM) popInt() int {
	s := vm.pop()
	n, err := strconv.Atoi(s)
	if err != nil {
		if s == "" {
			vm.throw(ClassType, "nil can't be coerced into Integer")
		}
		vm.throw(ClassType, "String (%q) can't be coerced into Integer", s)
	}
	return n
}

func (vm *VM) pushInt(n int) {
	vm.push(strconv.Itoa(n))
}

func (vm *VM) pushBool(b bool) {
	if b {
		vm.push("true")
	} else {
		vm.push("false")
	}
}

func isTruthy(s string) bool {
	return s != "" && s != "false" && s != "nil"
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// jsonResult unwraps the result of a JSON helper, raising TypeError on failure.
func (vm *VM) jsonResult(s string, err error) string {
	vm.checkJSON(err)
	return s
}

// checkJSON raises err with its own class when it carries one, TypeError
// otherwise.
func (vm *VM) checkJSON(err error) {
	if err == nil {
		return
	}
	var exc *Exception
	if errors.As(err, &exc) {
		vm.throw(exc.Class, "%s", exc.Message)
	}
	vm.throw(ClassType, "%v", err)
}

// Bytecode reading helpers

func (vm *VM) readUint8() uint8 {
	b := vm.chunk.Code[vm.ip]
	vm.ip++
	return b
}

func (vm *VM) readUint16() uint16 {
	val := binary.BigEndian.Uint16(vm.chunk.Code[vm.ip:])
	vm.ip += 2
	return val
}

func (vm *VM) readInt16() int16 {
	return int16(vm.readUint16())
}
