package bytecode

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type proc struct {
	name  string
	chunk *Chunk
}

// buildImage packs procs into an image whose entry is the first one.
func buildImage(t *testing.T, procs ...proc) []byte {
	t.Helper()
	p := NewProgram("test.rb")
	for _, pr := range procs {
		if err := p.Add(pr.name, pr.chunk); err != nil {
			t.Fatalf("Add(%s) error: %v", pr.name, err)
		}
	}
	data, err := p.Encode(procs[0].name)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	return data
}

func newTestVM(t *testing.T, out *bytes.Buffer) *VM {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Stdout = out
	vm, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(vm.Close)
	return vm
}

// run loads a single-procedure image and fails on an unexpected exception.
func run(t *testing.T, c *Chunk) *VM {
	t.Helper()
	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, proc{"main", c}))
	if vm.HasException() {
		t.Fatalf("unexpected exception: %v", vm.Exception())
	}
	return vm
}

func TestOpenConfig(t *testing.T) {
	_, err := Open(Config{StackSize: 0, MaxFrames: 1})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Open(stack 0) error = %v, want ErrInvalidConfig", err)
	}

	cfg := DefaultConfig()
	cfg.MemoryLimit = 64
	_, err = Open(cfg)
	if !errors.Is(err, ErrNoMemory) {
		t.Errorf("Open(limit 64) error = %v, want ErrNoMemory", err)
	}

	cfg.MemoryLimit = cfg.MemoryRequired()
	vm, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open(exact limit) error: %v", err)
	}
	vm.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	vm, err := Open(DefaultConfig())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	vm.Close()
	vm.Close()
	if !vm.Closed() {
		t.Error("Closed() = false after Close")
	}

	defer func() {
		if recover() == nil {
			t.Error("LoadImage on a closed VM should panic")
		}
	}()
	vm.LoadImage(nil)
}

func TestPuts(t *testing.T) {
	c := NewChunk()
	c.Emit(OpConstNil)
	c.EmitConstant("hello")
	c.EmitSend("puts", 1)
	c.Emit(OpPop)
	c.Emit(OpReturnNil)

	var out bytes.Buffer
	vm := newTestVM(t, &out)
	vm.LoadImage(buildImage(t, proc{"main", c}))

	if vm.HasException() {
		t.Fatalf("unexpected exception: %v", vm.Exception())
	}
	if out.String() != "hello\n" {
		t.Errorf("stdout = %q, want %q", out.String(), "hello\n")
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		a, b string
		op   Opcode
		want string
	}{
		{"3", "4", OpAdd, "7"},
		{"3", "4", OpSub, "-1"},
		{"173", "3", OpMul, "519"},
		{"7", "2", OpDiv, "3"},
		{"-7", "2", OpDiv, "-4"},
		{"-7", "2", OpMod, "1"},
		{"3", "4", OpLt, "true"},
		{"4", "4", OpGe, "true"},
		{"a", "a", OpEq, "true"},
		{"a", "b", OpNe, "true"},
		{"ab", "cd", OpConcat, "abcd"},
		{"", "x", OpAnd, "false"},
		{"", "x", OpOr, "true"},
	}

	for _, tt := range tests {
		c := NewChunk()
		c.EmitConstant(tt.a)
		c.EmitConstant(tt.b)
		c.Emit(tt.op)
		c.Emit(OpReturn)

		if got := run(t, c).Result(); got != tt.want {
			t.Errorf("%q %s %q = %q, want %q", tt.a, tt.op, tt.b, got, tt.want)
		}
	}
}

func TestStackOps(t *testing.T) {
	c := NewChunk()
	c.EmitConstant("a")
	c.EmitConstant("b")
	c.EmitConstant("c")
	c.Emit(OpRot)    // b c a
	c.Emit(OpSwap)   // b a c
	c.Emit(OpConcat) // b ac
	c.Emit(OpConcat) // bac
	c.Emit(OpDup)
	c.Emit(OpStrLen)
	c.Emit(OpConcat)
	c.Emit(OpReturn)

	if got := run(t, c).Result(); got != "bac3" {
		t.Errorf("Result() = %q, want %q", got, "bac3")
	}
}

func TestConditionalJump(t *testing.T) {
	c := NewChunk()
	c.Emit(OpConstFalse)
	skip := c.EmitJump(OpJumpFalse)
	c.EmitConstant("then")
	c.Emit(OpReturn)
	c.PatchJump(skip)
	c.EmitConstant("else")
	c.Emit(OpReturn)

	if got := run(t, c).Result(); got != "else" {
		t.Errorf("Result() = %q, want %q", got, "else")
	}
}

func TestCountingLoop(t *testing.T) {
	// i = 0; while i < 5; i += 1; end; i
	c := NewChunk()
	c.LocalCount = 1
	c.Emit(OpConstZero)
	c.EmitWithOperand(OpStoreLocal, 0)
	start := c.CurrentOffset()
	c.EmitWithOperand(OpLoadLocal, 0)
	c.EmitConstant("5")
	c.Emit(OpLt)
	exit := c.EmitJump(OpJumpFalse)
	c.EmitWithOperand(OpLoadLocal, 0)
	c.Emit(OpConstOne)
	c.Emit(OpAdd)
	c.EmitWithOperand(OpStoreLocal, 0)
	c.EmitLoop(start)
	c.PatchJump(exit)
	c.EmitWithOperand(OpLoadLocal, 0)
	c.Emit(OpReturn)

	if got := run(t, c).Result(); got != "5" {
		t.Errorf("Result() = %q, want %q", got, "5")
	}
}

func TestCallAndGlobals(t *testing.T) {
	main := NewChunk()
	main.EmitConstant("173")
	main.EmitNamed(OpStoreGlobal, "DISTANCE_PER_ROTATION")
	main.EmitConstant("3")
	main.EmitCall("rotations_to_mm", 1)
	main.Emit(OpReturn)

	conv := NewChunk()
	conv.ParamCount = 1
	conv.ParamNames = []string{"rotations"}
	conv.EmitWithOperand(OpLoadParam, 0)
	conv.EmitNamed(OpLoadGlobal, "DISTANCE_PER_ROTATION")
	conv.Emit(OpMul)
	conv.Emit(OpReturn)

	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, proc{"main", main}, proc{"rotations_to_mm", conv}))

	if vm.HasException() {
		t.Fatalf("unexpected exception: %v", vm.Exception())
	}
	if vm.Result() != "519" {
		t.Errorf("Result() = %q, want 519", vm.Result())
	}
	if v, ok := vm.Global("DISTANCE_PER_ROTATION"); !ok || v != "173" {
		t.Errorf("Global() = %q, %v", v, ok)
	}
}

func TestStatePersistsAcrossLoads(t *testing.T) {
	first := NewChunk()
	first.EmitConstant("42")
	first.EmitNamed(OpStoreGlobal, "ANSWER")
	first.Emit(OpReturnNil)

	second := NewChunk()
	second.EmitNamed(OpLoadGlobal, "ANSWER")
	second.Emit(OpReturn)

	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, proc{"setup", first}))
	vm.LoadImage(buildImage(t, proc{"main", second}))

	if vm.HasException() {
		t.Fatalf("unexpected exception: %v", vm.Exception())
	}
	if vm.Result() != "42" {
		t.Errorf("Result() = %q, want 42", vm.Result())
	}
}

// divideProgram raises ZeroDivisionError on line 12, called from line 2.
func divideProgram() []proc {
	main := NewChunk()
	main.Line(1)
	main.EmitConstant("10")
	main.Emit(OpConstZero)
	main.Line(2)
	main.EmitCall("divide", 2)
	main.Emit(OpReturn)

	div := NewChunk()
	div.ParamCount = 2
	div.ParamNames = []string{"a", "b"}
	div.Line(12)
	div.EmitWithOperand(OpLoadParam, 0)
	div.EmitWithOperand(OpLoadParam, 1)
	div.Emit(OpDiv)
	div.Emit(OpReturn)

	return []proc{{"main", main}, {"divide", div}}
}

func TestUnhandledException(t *testing.T) {
	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, divideProgram()...))

	if !vm.HasException() {
		t.Fatal("HasException() = false, want true")
	}
	exc := vm.Exception()
	if exc.Class != ClassZeroDivision || exc.Message != "divide by zero" {
		t.Errorf("exception = %v", exc)
	}

	want := []Frame{
		{File: "test.rb", Line: 12, Proc: "divide"},
		{File: "test.rb", Line: 2, Proc: "main"},
	}
	if len(exc.Backtrace) != len(want) {
		t.Fatalf("Backtrace = %v, want %v", exc.Backtrace, want)
	}
	for i := range want {
		if exc.Backtrace[i] != want[i] {
			t.Errorf("Backtrace[%d] = %v, want %v", i, exc.Backtrace[i], want[i])
		}
	}
}

func TestPrintErrorAndBacktrace(t *testing.T) {
	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, divideProgram()...))

	var out bytes.Buffer
	if err := vm.PrintError(&out); err != nil {
		t.Fatalf("PrintError() error: %v", err)
	}
	if err := vm.PrintBacktrace(&out); err != nil {
		t.Fatalf("PrintBacktrace() error: %v", err)
	}

	want := "test.rb:12: divide by zero (ZeroDivisionError)\n" +
		"trace (most recent call last):\n" +
		"\t[1] test.rb:2:in main\n" +
		"\t[0] test.rb:12:in divide\n"
	if out.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestPrintWithoutException(t *testing.T) {
	vm := newTestVM(t, &bytes.Buffer{})
	var out bytes.Buffer
	if err := vm.PrintError(&out); !errors.Is(err, ErrNoException) {
		t.Errorf("PrintError() = %v, want ErrNoException", err)
	}
	if err := vm.PrintBacktrace(&out); !errors.Is(err, ErrNoException) {
		t.Errorf("PrintBacktrace() = %v, want ErrNoException", err)
	}
	if out.Len() != 0 {
		t.Errorf("wrote %q with no exception set", out.String())
	}
}

func TestClearException(t *testing.T) {
	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, divideProgram()...))
	vm.ClearException()
	if vm.HasException() {
		t.Error("HasException() = true after ClearException")
	}
}

func TestRaiseAndRescue(t *testing.T) {
	c := NewChunk()
	h := c.EmitJump(OpPushHandler)
	c.EmitConstant("boom")
	c.EmitNamed(OpRaise, "RuntimeError")
	c.Emit(OpPopHandler)
	c.Emit(OpReturnNil)
	c.PatchJump(h)
	c.Emit(OpLoadExc)
	c.Emit(OpReturn)

	if got := run(t, c).Result(); got != "boom" {
		t.Errorf("Result() = %q, want %q", got, "boom")
	}
}

func TestRescueAcrossFrames(t *testing.T) {
	main := NewChunk()
	h := main.EmitJump(OpPushHandler)
	main.EmitCall("fail", 0)
	main.Emit(OpPopHandler)
	main.Emit(OpReturn)
	main.PatchJump(h)
	main.EmitConstant("rescued: ")
	main.Emit(OpLoadExc)
	main.Emit(OpConcat)
	main.Emit(OpReturn)

	fail := NewChunk()
	fail.Emit(OpConstNil)
	fail.EmitNamed(OpRaise, "ArgumentError")

	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, proc{"main", main}, proc{"fail", fail}))

	if vm.HasException() {
		t.Fatalf("unexpected exception: %v", vm.Exception())
	}
	// An empty message defaults to the class name
	if vm.Result() != "rescued: ArgumentError" {
		t.Errorf("Result() = %q", vm.Result())
	}
}

func TestHandlerDroppedOnReturn(t *testing.T) {
	// The handler installed by helper must not catch the raise in main.
	main := NewChunk()
	main.EmitCall("helper", 0)
	main.Emit(OpPop)
	main.Emit(OpConstNil)
	main.EmitNamed(OpRaise, "RuntimeError")

	helper := NewChunk()
	helper.PatchJump(helper.EmitJump(OpPushHandler))
	helper.Emit(OpReturnNil)

	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, proc{"main", main}, proc{"helper", helper}))

	if !vm.HasException() {
		t.Fatal("raise after helper returned should be unhandled")
	}
	if vm.Exception().Class != ClassRuntimeError {
		t.Errorf("Class = %s", vm.Exception().Class)
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(c *Chunk)
		class   string
		message string
	}{
		{"undefined method", func(c *Chunk) {
			c.Emit(OpConstNil)
			c.EmitSend("fly", 0)
		}, ClassNoMethod, "undefined method 'fly' for nil"},
		{"undefined procedure", func(c *Chunk) {
			c.EmitCall("missing", 0)
		}, ClassNoMethod, "undefined method 'missing' for main"},
		{"uninitialized constant", func(c *Chunk) {
			c.EmitNamed(OpLoadGlobal, "SPEED")
		}, ClassName, "uninitialized constant SPEED"},
		{"type error", func(c *Chunk) {
			c.EmitConstant("abc")
			c.Emit(OpConstOne)
			c.Emit(OpAdd)
		}, ClassType, `String ("abc") can't be coerced into Integer`},
		{"nil arithmetic", func(c *Chunk) {
			c.Emit(OpConstNil)
			c.Emit(OpNeg)
		}, ClassType, "nil can't be coerced into Integer"},
		{"stack underflow", func(c *Chunk) {
			c.Emit(OpPop)
		}, ClassScriptError, "stack underflow at offset 0"},
		{"bad json", func(c *Chunk) {
			c.EmitConstant("nope")
			c.Emit(OpArrayLen)
		}, ClassType, `not a JSON array: "nope"`},
		{"array index too small", func(c *Chunk) {
			c.Emit(OpArrayNew)
			c.EmitConstant("-5")
			c.EmitConstant("x")
			c.Emit(OpArrayAtPut)
		}, ClassIndex, "index -5 too small for array; minimum: -0"},
		{"array index too big", func(c *Chunk) {
			c.Emit(OpArrayNew)
			c.EmitConstant("1000000000")
			c.EmitConstant("x")
			c.Emit(OpArrayAtPut)
		}, ClassIndex, "index 1000000000 too big; maximum: 65535"},
	}

	for _, tt := range tests {
		c := NewChunk()
		tt.build(c)

		vm := newTestVM(t, &bytes.Buffer{})
		vm.LoadImage(buildImage(t, proc{"main", c}))

		exc := vm.Exception()
		if exc == nil {
			t.Errorf("%s: no exception", tt.name)
			continue
		}
		if exc.Class != tt.class || exc.Message != tt.message {
			t.Errorf("%s: got %s %q, want %s %q", tt.name, exc.Class, exc.Message, tt.class, tt.message)
		}
	}
}

func TestWrongArgumentCount(t *testing.T) {
	main := NewChunk()
	main.EmitCall("one_arg", 0)

	oneArg := NewChunk()
	oneArg.ParamCount = 1
	oneArg.ParamNames = []string{"x"}
	oneArg.Emit(OpReturnNil)

	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage(buildImage(t, proc{"main", main}, proc{"one_arg", oneArg}))

	exc := vm.Exception()
	if exc == nil || exc.Class != ClassArgument {
		t.Fatalf("exception = %v, want ArgumentError", exc)
	}
	if exc.Message != "wrong number of arguments (given 0, expected 1)" {
		t.Errorf("Message = %q", exc.Message)
	}
}

func TestDeepRecursion(t *testing.T) {
	loop := NewChunk()
	loop.Line(1)
	loop.EmitCall("loop", 0)
	loop.Emit(OpReturn)

	cfg := DefaultConfig()
	cfg.MaxFrames = 8
	vm, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer vm.Close()

	vm.LoadImage(buildImage(t, proc{"loop", loop}))

	exc := vm.Exception()
	if exc == nil || exc.Class != ClassSystemStackError {
		t.Fatalf("exception = %v, want SystemStackError", exc)
	}
	if len(exc.Backtrace) != cfg.MaxFrames {
		t.Errorf("Backtrace has %d frames, want %d", len(exc.Backtrace), cfg.MaxFrames)
	}
}

func TestCorruptImage(t *testing.T) {
	c := NewChunk()
	c.Emit(OpReturnNil)
	data := buildImage(t, proc{"main", c})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not an image")},
		{"truncated", data[:len(data)/2]},
	}

	for _, tt := range tests {
		vm := newTestVM(t, &bytes.Buffer{})
		vm.LoadImage(tt.data)
		exc := vm.Exception()
		if exc == nil || exc.Class != ClassScriptError {
			t.Errorf("%s: exception = %v, want ScriptError", tt.name, exc)
			continue
		}
		if len(exc.Backtrace) != 1 || exc.Backtrace[0].File != "(image)" {
			t.Errorf("%s: backtrace = %v, want one (image) frame", tt.name, exc.Backtrace)
		}
	}
}

func TestCorruptImageTranscript(t *testing.T) {
	vm := newTestVM(t, &bytes.Buffer{})
	vm.LoadImage([]byte("not an image"))

	var out bytes.Buffer
	if err := vm.PrintError(&out); err != nil {
		t.Fatal(err)
	}
	if err := vm.PrintBacktrace(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "(image): ") || !strings.HasSuffix(out.String(), "\t[0] (image)\n") {
		t.Errorf("transcript = %q", out.String())
	}
}

type recordingSender struct {
	calls []string
}

func (s *recordingSender) SendMessage(receiver, selector string, args ...string) (string, error) {
	s.calls = append(s.calls, receiver+"."+selector+"("+strings.Join(args, ",")+")")
	if selector == "stall" {
		return "", NewError("MotorError", "motor %s stalled", receiver)
	}
	return "ok", nil
}

func TestMessageSender(t *testing.T) {
	c := NewChunk()
	c.EmitConstant("A")
	c.EmitConstant("360")
	c.EmitSend("rotate", 1)
	c.EmitConstant("B")
	c.EmitSend("stall", 0)
	c.Emit(OpConcat)
	c.Emit(OpReturn)

	sender := &recordingSender{}
	vm := newTestVM(t, &bytes.Buffer{})
	vm.SetMessageSender(sender)
	vm.LoadImage(buildImage(t, proc{"main", c}))

	if got := strings.Join(sender.calls, " "); got != "A.rotate(360) B.stall()" {
		t.Errorf("calls = %s", got)
	}
	exc := vm.Exception()
	if exc == nil || exc.Class != "MotorError" || exc.Message != "motor B stalled" {
		t.Errorf("exception = %v, want MotorError", exc)
	}
}

type panickingSender struct{}

func (panickingSender) SendMessage(receiver, selector string, args ...string) (string, error) {
	panic("motor port missing")
}

func TestGoPanicBecomesException(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(vm *VM)
		class   string
		message string
	}{
		{"sender panics", func(vm *VM) {
			vm.SetMessageSender(panickingSender{})
		}, ClassRuntimeError, "motor port missing"},
		{"primitive faults", func(vm *VM) {
			vm.RegisterPrimitive("rotate", func(_ *VM, _ string, args []string) (string, error) {
				return args[5], nil
			})
		}, ClassScriptError, "bytecode fault: runtime error: index out of range"},
	}

	for _, tt := range tests {
		c := NewChunk()
		c.Line(7)
		c.EmitConstant("A")
		c.EmitSend("rotate", 0)
		c.Emit(OpReturn)

		vm := newTestVM(t, &bytes.Buffer{})
		tt.setup(vm)
		// LoadImage must return normally
		vm.LoadImage(buildImage(t, proc{"main", c}))

		exc := vm.Exception()
		if exc == nil {
			t.Errorf("%s: no exception", tt.name)
			continue
		}
		if exc.Class != tt.class || !strings.HasPrefix(exc.Message, tt.message) {
			t.Errorf("%s: got %s %q, want %s %q", tt.name, exc.Class, exc.Message, tt.class, tt.message)
		}
		if len(exc.Backtrace) != 1 || exc.Backtrace[0].Line != 7 {
			t.Errorf("%s: backtrace = %v", tt.name, exc.Backtrace)
		}
	}
}

func TestGoPanicIsRescuable(t *testing.T) {
	c := NewChunk()
	handler := c.EmitJump(OpPushHandler)
	c.EmitConstant("A")
	c.EmitSend("rotate", 0)
	c.Emit(OpReturn)
	c.PatchJump(handler)
	c.Emit(OpLoadExc)
	c.Emit(OpReturn)

	vm := newTestVM(t, &bytes.Buffer{})
	vm.SetMessageSender(panickingSender{})
	vm.LoadImage(buildImage(t, proc{"main", c}))

	if vm.HasException() {
		t.Fatalf("unexpected exception: %v", vm.Exception())
	}
	if vm.Result() != "motor port missing" {
		t.Errorf("Result() = %q", vm.Result())
	}
}
