package bytecode

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tliron/commonlog"
)

// scriptLog receives the messages programs write with the log selector.
var scriptLog = commonlog.GetLogger("ev3boot.script")

var scriptLevels = map[string]commonlog.Level{
	"debug":   commonlog.Debug,
	"info":    commonlog.Info,
	"warn":    commonlog.Warning,
	"error":   commonlog.Error,
	"fatal":   commonlog.Critical,
	"unknown": commonlog.Notice,
}

// Primitive implements a selector in Go. A returned *Exception (see
// NewError) is raised with its class; any other error raises RuntimeError.
type Primitive func(vm *VM, receiver string, args []string) (string, error)

// NewError builds an error that primitives return to raise a specific class.
func NewError(class, format string, args ...any) error {
	return &Exception{Class: class, Message: fmt.Sprintf(format, args...)}
}

// RegisterPrimitive binds selector to fn, replacing any earlier binding.
func (vm *VM) RegisterPrimitive(selector string, fn Primitive) {
	vm.prims[selector] = fn
}

// send dispatches selector to a primitive, then to the message sender.
func (vm *VM) send(receiver, selector string, args []string) string {
	var (
		result string
		err    error
	)
	if prim, ok := vm.prims[selector]; ok {
		result, err = prim(vm, receiver, args)
	} else if vm.sender != nil {
		result, err = vm.sender.SendMessage(receiver, selector, args...)
	} else {
		vm.throw(ClassNoMethod, "undefined method '%s' for %s", selector, describe(receiver))
	}

	if err != nil {
		var exc *Exception
		if errors.As(err, &exc) {
			vm.throw(exc.Class, "%s", exc.Message)
		}
		vm.throw(ClassRuntimeError, "%s", err.Error())
	}
	return result
}

func describe(receiver string) string {
	if receiver == "" {
		return "nil"
	}
	return strconv.Quote(truncate(receiver, 24))
}

func arity(args []string, want int) error {
	if len(args) != want {
		return NewError(ClassArgument, "wrong number of arguments (given %d, expected %d)", len(args), want)
	}
	return nil
}

// registerKernel installs the built-in selectors every program can use.
func (vm *VM) registerKernel() {
	vm.RegisterPrimitive("puts", primPuts)
	vm.RegisterPrimitive("print", primPrint)
	vm.RegisterPrimitive("p", primP)
	vm.RegisterPrimitive("to_s", func(_ *VM, r string, args []string) (string, error) {
		return r, arity(args, 0)
	})
	vm.RegisterPrimitive("to_i", primToI)
	vm.RegisterPrimitive("log", primLog)
	vm.RegisterPrimitive("length", func(_ *VM, r string, args []string) (string, error) {
		return strconv.Itoa(utf8.RuneCountInString(r)), arity(args, 0)
	})
	vm.RegisterPrimitive("upcase", func(_ *VM, r string, args []string) (string, error) {
		return strings.ToUpper(r), arity(args, 0)
	})
	vm.RegisterPrimitive("downcase", func(_ *VM, r string, args []string) (string, error) {
		return strings.ToLower(r), arity(args, 0)
	})
	vm.RegisterPrimitive("include?", func(_ *VM, r string, args []string) (string, error) {
		if err := arity(args, 1); err != nil {
			return "", err
		}
		return strconv.FormatBool(strings.Contains(r, args[0])), nil
	})
	vm.RegisterPrimitive("inspect", func(_ *VM, r string, args []string) (string, error) {
		return inspect(r), arity(args, 0)
	})
	vm.RegisterPrimitive("to_json", func(_ *VM, r string, args []string) (string, error) {
		return string(toRaw(r)), arity(args, 0)
	})
}

func primPuts(vm *VM, _ string, args []string) (string, error) {
	var sb strings.Builder
	if len(args) == 0 {
		sb.WriteByte('\n')
	}
	for _, a := range args {
		sb.WriteString(a)
		if !strings.HasSuffix(a, "\n") {
			sb.WriteByte('\n')
		}
	}
	_, err := io.WriteString(vm.stdout, sb.String())
	return "", err
}

func primPrint(vm *VM, _ string, args []string) (string, error) {
	_, err := io.WriteString(vm.stdout, strings.Join(args, ""))
	return "", err
}

func primP(vm *VM, _ string, args []string) (string, error) {
	for _, a := range args {
		if _, err := fmt.Fprintln(vm.stdout, inspect(a)); err != nil {
			return "", err
		}
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return "", nil
}

// primLog writes a message to the script logger: log(message) at info, or
// log(level, message) with a level name as in Ruby's Logger.
func primLog(_ *VM, _ string, args []string) (string, error) {
	level, message := "info", ""
	switch len(args) {
	case 1:
		message = args[0]
	case 2:
		level, message = strings.ToLower(args[0]), args[1]
	default:
		return "", NewError(ClassArgument, "wrong number of arguments (given %d, expected 1..2)", len(args))
	}
	l, ok := scriptLevels[level]
	if !ok {
		return "", NewError(ClassArgument, "invalid log level: %s", args[0])
	}
	scriptLog.Log(l, 1, message)
	return "true", nil
}

func primToI(_ *VM, r string, args []string) (string, error) {
	if err := arity(args, 0); err != nil {
		return "", err
	}
	// Leading integer prefix, 0 when there is none.
	s := strings.TrimSpace(r)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return "0", nil
	}
	return strconv.Itoa(n), nil
}

func inspect(s string) string {
	switch s {
	case "":
		return "nil"
	case "true", "false":
		return s
	}
	if _, err := strconv.Atoi(s); err == nil {
		return s
	}
	return strconv.Quote(s)
}
