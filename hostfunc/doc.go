// Package hostfunc provides the host-side capabilities sandboxed code may be
// granted.
//
// Sandboxed code has no implicit access to system resources. Each capability
// is a [Func] registered in a [Registry] by the executor that decides to
// expose it:
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.NewLedger(hostfunc.NewKV(hostfunc.DefaultKVConfig())).Register(registry)
//	out, err := registry.Call(ctx, "stellar_friendbot", map[string]any{"address": pub})
//
// # Capabilities
//
// HTTP: outbound requests restricted to an allowlist via [HTTP]. Backs the
// JavaScript fetch() global when the policy allows network access.
//
// Key-value store: bounded in-memory storage via [KV].
//
// Ledger: the mock payment network behind the stellar-sdk shim, stored in a
// [KV] ([Ledger]).
//
// Packages: the pure-Python package directory the Python runtime mounts
// read-only ([Packages]).
//
// All capabilities enforce size limits and validate their arguments.
package hostfunc
