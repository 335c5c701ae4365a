// Package executor defines the shared vocabulary of the sandbox: supported
// languages, resource limits, security policy, the output and result stream,
// and the [Strategy] contract every isolated-execution backend implements.
//
// # Overview
//
// A [Strategy] receives sanitized configuration and a set of [Callbacks] and
// returns a [Controller] immediately. Outputs flow back through
// Callbacks.OnOutput in emission order; Callbacks.OnComplete fires exactly once
// per execution attempt with the terminal [Result].
//
// # Pipeline
//
// Strategies share [Preflight], which sanitizes the code, runs the static
// [Validator], emits warnings and checks the session quota through a
// [RateLimiter] before any isolated context is created:
//
//	em := executor.NewEmitter(cb, cfg.Limits.MaxOutputSize)
//	code, ok := executor.Preflight(ctx, code, cfg, validator, limiter, em)
//	if !ok {
//	    return executor.NoopController()
//	}
//
// # Wire Protocol
//
// Isolated contexts talk to the host with [Message] values of type log,
// error, warn, info, system, done and stopped. Byte-stream backends frame
// them as \x00SBX:{json}\x00 and the host splits them with [FrameDecoder].
package executor
