package executor

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Preflight runs the shared pre-execution pipeline: sanitize, validate, emit
// warnings, check the session quota. It returns the sanitized code and true
// when execution may proceed; otherwise the terminal result has already been
// delivered through em.
func Preflight(ctx context.Context, code string, cfg Config, v Validator, rl RateLimiter, em *Emitter) (string, bool) {
	code = SanitizeInput(code)
	em.Status(StatusValidating)

	if v != nil {
		res := v.Validate(code, cfg.Language, cfg.Security)
		if !res.IsValid {
			for _, verr := range res.Errors {
				em.Output(OutputError, formatValidationError(verr))
			}
			em.Finish(StatusError, "validation failed")
			return "", false
		}
		for _, w := range res.Warnings {
			em.Output(OutputWarn, formatValidationWarning(w))
		}
	}

	if rl != nil {
		sessionID := cfg.SessionID
		if sessionID == "" {
			sessionID = rl.GetOrCreateSessionID()
		}
		info, err := rl.CheckRateLimit(ctx, sessionID)
		if err != nil {
			em.Output(OutputError, fmt.Sprintf("Rate limit check failed: %v", err))
			em.Finish(StatusError, "rate limit check failed")
			return "", false
		}
		if info.IsLimited {
			em.Output(OutputError, fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", SecondsUntil(info.ResetTime, time.Now())))
			em.Finish(StatusError, "rate limit exceeded")
			return "", false
		}
	}

	return code, true
}

// SecondsUntil rounds the delay until resetMillis up to whole seconds.
func SecondsUntil(resetMillis int64, now time.Time) int {
	d := resetMillis - now.UnixMilli()
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(d) / 1000))
}

func formatValidationError(e ValidationError) string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] Line %d: %s", e.Type, e.Line, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func formatValidationWarning(w ValidationWarning) string {
	if w.Line > 0 {
		return fmt.Sprintf("[%s] Line %d: %s", w.Type, w.Line, w.Message)
	}
	return fmt.Sprintf("[%s] %s", w.Type, w.Message)
}
