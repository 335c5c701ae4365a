// Package sandpit runs untrusted JavaScript, TypeScript and Python snippets
// with static validation, per-session rate limiting and resource limits.
//
// # Overview
//
// Every execution passes the same pipeline: the input is sanitized, checked
// by the security validator, charged against the session's quota and then
// run by the language strategy. JavaScript and TypeScript run on goja with
// iteration, output and time budgets. Python runs on a WebAssembly build of
// CPython under wazero. Outputs are HTML-escaped before they reach callbacks.
//
// # Basic Usage
//
//	cfg := executor.DefaultConfig()
//	cfg.Language = executor.Python
//
//	sb := sandbox.New(cfg, executor.Callbacks{
//	    OnOutput:   func(o executor.Output) { fmt.Println(o.Content) },
//	    OnComplete: func(r executor.Result) { fmt.Println(r.Status) },
//	}, sandbox.WithPythonRuntime(python.NewWazeroRuntime(
//	    python.WithModulePath("python.wasm"),
//	)))
//
//	sb.Execute(ctx, `print("hello")`)
//	sb.Stop() // cancels a running execution
//
// # Validation Only
//
//	res := security.ValidateCode(code, executor.JavaScript, executor.DefaultSecurityConfig())
//
// See the [executor], [sandbox], [security], [ratelimit], [language/javascript]
// and [language/python] packages for detailed API documentation. The sandpit
// command wraps all of this in a CLI, a REPL and an HTTP server.
package sandpit
