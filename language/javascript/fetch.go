package javascript

import (
	"context"
	"net/http"
	"strings"

	"github.com/dop251/goja"

	"github.com/caffeineduck/sandpit/hostfunc"
)

// fetch is a minimal fetch() restricted to the policy's allowed hosts.
func (w *worker) fetch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	client := hostfunc.NewHTTP(hostfunc.HTTPConfig{
		AllowedHosts:   w.cfg.Security.AllowedHosts,
		RequestTimeout: w.cfg.Limits.MaxExecutionTime,
	})

	return func(call goja.FunctionCall) goja.Value {
		req := hostfunc.FetchRequest{URL: call.Argument(0).String(), Method: http.MethodGet}
		if opts, ok := call.Argument(1).(*goja.Object); ok {
			if m := opts.Get("method"); m != nil && !goja.IsUndefined(m) {
				req.Method = m.String()
			}
			if b := opts.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
				req.Body = b.String()
			}
			if h, ok := opts.Get("headers").(*goja.Object); ok {
				req.Headers = make(map[string]string)
				for _, k := range h.Keys() {
					req.Headers[k] = h.Get(k).String()
				}
			}
		}
		return w.hostAsync(vm, func(ctx context.Context) (any, error) {
			resp, err := client.Fetch(ctx, req)
			if err != nil {
				return nil, err
			}
			return fetchResponse{resp: resp, url: req.URL}, nil
		})
	}
}

type fetchResponse struct {
	resp hostfunc.FetchResponse
	url  string
}

func (r fetchResponse) jsValue(vm *goja.Runtime) goja.Value {
	headers := make(map[string]string, len(r.resp.Headers))
	for k, v := range r.resp.Headers {
		headers[strings.ToLower(k)] = v
	}
	h := vm.NewObject()
	_ = h.Set("get", func(name string) goja.Value {
		if v, ok := headers[strings.ToLower(name)]; ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	_ = h.Set("has", func(name string) bool {
		_, ok := headers[strings.ToLower(name)]
		return ok
	})

	obj := vm.NewObject()
	_ = obj.Set("url", r.url)
	_ = obj.Set("status", r.resp.Status)
	_ = obj.Set("statusText", r.resp.StatusText)
	_ = obj.Set("ok", r.resp.Status >= 200 && r.resp.Status < 300)
	_ = obj.Set("headers", h)
	_ = obj.Set("text", func() goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(r.resp.Body)
		return vm.ToValue(p)
	})
	_ = obj.Set("json", func() goja.Value {
		p, resolve, reject := vm.NewPromise()
		parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
		v, err := parse(goja.Undefined(), vm.ToValue(r.resp.Body))
		if ex, ok := err.(*goja.Exception); ok {
			reject(ex.Value())
		} else if err != nil {
			reject(vm.NewGoError(err))
		} else {
			resolve(v)
		}
		return vm.ToValue(p)
	})
	return obj
}
