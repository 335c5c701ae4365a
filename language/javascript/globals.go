package javascript

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/caffeineduck/sandpit/executor"
)

// Each expression yields a function prototype whose constructor compiles
// source at runtime. They run one by one so a parser without async
// generators still hardens the rest.
var dynamicConstructors = []string{
	"Function.prototype",
	"Object.getPrototypeOf(function* () {})",
	"Object.getPrototypeOf(async function () {})",
	"Object.getPrototypeOf(async function* () {})",
}

const lockConstructor = `(function (proto) {
	Object.defineProperty(proto, "constructor", {
		value: function () { throw new TypeError("Dynamic code evaluation is not allowed"); },
		writable: false,
		configurable: false,
	});
})(%s);`

var consoleMethods = map[string]string{
	"log":   executor.MessageLog,
	"debug": executor.MessageLog,
	"dir":   executor.MessageLog,
	"info":  executor.MessageInfo,
	"warn":  executor.MessageWarn,
	"error": executor.MessageError,
}

// setup prepares the global object before user code runs.
func (w *worker) setup(vm *goja.Runtime) error {
	policy := w.cfg.Security
	global := vm.GlobalObject()

	if !policy.AllowDynamicCode {
		for _, expr := range dynamicConstructors {
			_, _ = vm.RunString(fmt.Sprintf(lockConstructor, expr))
		}
	}
	for _, name := range policy.EffectiveBlockedGlobals() {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("remove global %s: %w", name, err)
		}
	}

	console := vm.NewObject()
	for name, typ := range consoleMethods {
		typ := typ
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			w.emit(vm, typ, joinArgs(vm, call.Arguments))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}

	bindings := map[string]any{
		"console":       console,
		"setTimeout":    func(call goja.FunctionCall) goja.Value { return w.schedule(call, false) },
		"setInterval":   func(call goja.FunctionCall) goja.Value { return w.schedule(call, true) },
		"clearTimeout":  w.clear,
		"clearInterval": w.clear,
	}
	for name, v := range bindings {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}

	if err := define(vm, tickFunc, w.tick(vm)); err != nil {
		return err
	}

	if w.cfg.EnableStellarMock {
		sdk, err := w.stellarSDK(vm)
		if err != nil {
			return fmt.Errorf("stellar sdk: %w", err)
		}
		if err := define(vm, "require", requireShim(vm, sdk)); err != nil {
			return err
		}
	}

	if policy.AllowNetwork && len(policy.AllowedHosts) > 0 {
		if err := define(vm, "fetch", w.fetch(vm)); err != nil {
			return err
		}
	}
	return nil
}

// define installs a global user code can neither reassign nor delete.
func define(vm *goja.Runtime, name string, v any) error {
	return vm.GlobalObject().DefineDataProperty(name, vm.ToValue(v), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func requireShim(vm *goja.Runtime, sdk goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		switch name := call.Argument(0).String(); name {
		case "stellar-sdk", "@stellar/stellar-sdk":
			return sdk
		default:
			panic(vm.NewTypeError("Cannot find module '%s'", name))
		}
	}
}
