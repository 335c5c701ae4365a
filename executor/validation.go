package executor

import "context"

// ErrorType classifies a blocking validation error.
type ErrorType string

const (
	ErrorSecurity ErrorType = "security"
	ErrorSyntax   ErrorType = "syntax"
	ErrorResource ErrorType = "resource"
)

// WarningType classifies a non-blocking validation warning.
type WarningType string

const (
	WarningPerformance WarningType = "performance"
	WarningDeprecation WarningType = "deprecation"
	WarningStyle       WarningType = "style"
	WarningSyntax      WarningType = "syntax"
)

// ValidationError always blocks execution.
type ValidationError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"` // 1-based, 0 when not tied to a line
}

// ValidationWarning never blocks execution.
type ValidationWarning struct {
	Type    WarningType `json:"type"`
	Message string      `json:"message"`
	Line    int         `json:"line,omitempty"`
}

// ValidationResult is the outcome of the static pre-execution scan.
type ValidationResult struct {
	IsValid  bool                `json:"is_valid"`
	Errors   []ValidationError   `json:"errors"`
	Warnings []ValidationWarning `json:"warnings"`
}

// RateLimitInfo is the per-session quota state after a check.
type RateLimitInfo struct {
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"` // unix milliseconds
	IsLimited bool  `json:"is_limited"`
}

// Validator is the static gate run before any isolated context exists.
type Validator interface {
	Validate(code string, lang Language, policy SecurityConfig) ValidationResult
}

// RateLimiter is the per-session quota check.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, sessionID string) (RateLimitInfo, error)
	GetOrCreateSessionID() string
}
