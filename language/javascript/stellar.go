package javascript

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

//go:embed stellar.js
var stellarSource string

var stellarFactory = goja.MustCompile("stellar-sdk.js", stellarSource, true)

const stellarPrefix = "stellar_"

// stellarSDK builds the mock SDK object. Its methods reach the host only
// through the stellar_* functions of the registry.
func (w *worker) stellarSDK(vm *goja.Runtime) (goja.Value, error) {
	v, err := vm.RunProgram(stellarFactory)
	if err != nil {
		return nil, err
	}
	factory, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("stellar factory is not a function")
	}

	call := func(name string, args map[string]any) any {
		res, err := w.callHost(name, args)(w.ctx)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return res
	}
	callAsync := func(name string, args map[string]any) goja.Value {
		return w.hostAsync(vm, w.callHost(name, args))
	}
	return factory(goja.Undefined(), vm.ToValue(call), vm.ToValue(callAsync))
}

func (w *worker) callHost(name string, args map[string]any) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if !strings.HasPrefix(name, stellarPrefix) {
			return nil, fmt.Errorf("host function %q is not available", name)
		}
		return w.registry.Call(ctx, name, args)
	}
}
