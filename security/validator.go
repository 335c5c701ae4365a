// Package security implements the static pre-execution gate. The validator is
// a pattern and heuristic scan, not a parser: a single blocking error rejects
// the code, warnings never do.
package security

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/internal/lexer"
)

// MaxCodeLength is the hard ceiling on submitted code, in characters.
const MaxCodeLength = 100_000

// matchTimeout bounds a single backtracking match.
const matchTimeout = 250 * time.Millisecond

// Validator checks code against a security policy. The zero value is ready
// to use and safe for concurrent use.
type Validator struct {
	globals sync.Map // name -> *regexp2.Regexp
}

// New returns a Validator.
func New() *Validator {
	return &Validator{}
}

var defaultValidator = New()

// ValidateCode runs the package default validator.
func ValidateCode(code string, lang executor.Language, policy executor.SecurityConfig) executor.ValidationResult {
	return defaultValidator.Validate(code, lang, policy)
}

// Validate implements executor.Validator.
func (v *Validator) Validate(code string, lang executor.Language, policy executor.SecurityConfig) executor.ValidationResult {
	r := &report{}

	if strings.TrimSpace(code) == "" {
		r.fail(executor.ErrorSyntax, 0, "Code cannot be empty")
		return r.result()
	}
	if n := len([]rune(code)); n > MaxCodeLength {
		r.fail(executor.ErrorResource, 0, fmt.Sprintf("Code exceeds maximum length of %d characters (got %d)", MaxCodeLength, n))
		return r.result()
	}

	switch {
	case lang.IsECMAScript():
		r.patterns(code, ECMAScriptPatterns, policy)
		v.blockedGlobals(r, code, policy)
		blockedImports(r, code, policy.BlockedImports, jsImportFrom, jsRequire)
		r.heuristics(code, infiniteLoopJS, nil, allocJS)
		if loc := varDecl.FindStringIndex(code); loc != nil {
			r.warn(executor.WarningStyle, matchLine(code, loc), "Prefer let or const over var")
		}
		for _, is := range lexer.CheckBrackets(code, lexer.ECMAScript) {
			r.warn(executor.WarningSyntax, is.Line, is.Message)
		}
	case lang == executor.Python:
		r.patterns(code, PythonPatterns, policy)
		blockedImports(r, code, policy.BlockedImports, pyImport, pyFromImport)
		r.heuristics(code, infiniteLoopPython, breakPython, allocPython)
		for _, is := range lexer.CheckBrackets(code, lexer.Python) {
			r.warn(executor.WarningSyntax, is.Line, is.Message)
		}
		for _, is := range lexer.CheckIndentation(code) {
			r.warn(executor.WarningSyntax, is.Line, is.Message)
		}
	default:
		r.fail(executor.ErrorSyntax, 0, fmt.Sprintf("Unsupported language: %q", lang))
	}

	return r.result()
}

type report struct {
	errors   []executor.ValidationError
	warnings []executor.ValidationWarning
}

func (r *report) fail(t executor.ErrorType, line int, msg string) {
	r.errors = append(r.errors, executor.ValidationError{Type: t, Message: msg, Line: line})
}

func (r *report) warn(t executor.WarningType, line int, msg string) {
	r.warnings = append(r.warnings, executor.ValidationWarning{Type: t, Message: msg, Line: line})
}

func (r *report) result() executor.ValidationResult {
	return executor.ValidationResult{
		IsValid:  len(r.errors) == 0,
		Errors:   r.errors,
		Warnings: r.warnings,
	}
}

func (r *report) patterns(code string, list []Pattern, policy executor.SecurityConfig) {
	for _, p := range list {
		if p.RequiresNetworkDisabled && policy.AllowNetwork {
			continue
		}
		if p.Name == "eval" && policy.AllowDynamicCode {
			continue
		}
		if loc := p.Regexp.FindStringIndex(code); loc != nil {
			r.fail(p.Type, matchLine(code, loc), p.Message)
		}
	}
}

func (r *report) heuristics(code string, loop, escape, alloc *regexp.Regexp) {
	if loc := loop.FindStringIndex(code); loc != nil && (escape == nil || !escape.MatchString(code)) {
		r.warn(executor.WarningPerformance, matchLine(code, loc), "Possible infinite loop detected")
	}
	for _, m := range alloc.FindAllStringSubmatchIndex(code, -1) {
		for g := 1; g*2+1 < len(m); g++ {
			if m[g*2] < 0 {
				continue
			}
			if n, ok := parseCount(code[m[g*2]:m[g*2+1]]); ok && n >= AllocationThreshold {
				r.warn(executor.WarningPerformance, lexer.LineAt(code, m[0]), fmt.Sprintf("Large allocation of %.0f elements may exhaust memory", n))
			}
		}
	}
}

// matchLine is the line where a match starts, skipping the leading
// whitespace that line-anchored expressions consume.
func matchLine(code string, loc []int) int {
	off := loc[0]
	for off < loc[1]-1 && strings.IndexByte(" \t\r\n", code[off]) >= 0 {
		off++
	}
	return lexer.LineAt(code, off)
}

func parseCount(s string) (float64, bool) {
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
	return n, err == nil
}

// blockedGlobals flags identifier accesses to the effective blocklist.
// Comments and string contents are masked first; the lookbehind also keeps
// property keys such as o.fetch from matching.
func (v *Validator) blockedGlobals(r *report, code string, policy executor.SecurityConfig) {
	code = lexer.Mask(code, lexer.ECMAScript).Masked
	for _, name := range policy.EffectiveBlockedGlobals() {
		if name == "" {
			continue
		}
		re, err := v.globalPattern(name)
		if err != nil {
			r.fail(executor.ErrorSecurity, 0, fmt.Sprintf("Invalid blocked global %q", name))
			continue
		}
		m, err := re.FindStringMatch(code)
		if err != nil {
			// Match timeouts fail closed.
			r.fail(executor.ErrorSecurity, 0, fmt.Sprintf("Could not scan for blocked global %q", name))
			continue
		}
		if m != nil {
			r.fail(executor.ErrorSecurity, lexer.LineAt(code, runeOffset(code, m.Index)), fmt.Sprintf("Access to '%s' is not allowed", name))
		}
	}
}

func (v *Validator) globalPattern(name string) (*regexp2.Regexp, error) {
	if re, ok := v.globals.Load(name); ok {
		return re.(*regexp2.Regexp), nil
	}
	esc := regexp2.Escape(name)
	re, err := regexp2.Compile(`(?<![\w$.'"`+"`"+`])\b`+esc+`\b(?![\w$'"`+"`"+`])`, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = matchTimeout
	v.globals.Store(name, re)
	return re, nil
}

// regexp2 reports match positions in runes.
func runeOffset(s string, runes int) int {
	i := 0
	for pos := range s {
		if i == runes {
			return pos
		}
		i++
	}
	return len(s)
}

func blockedImports(r *report, code string, blocked []string, exprs ...*regexp.Regexp) {
	if len(blocked) == 0 {
		return
	}
	deny := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		deny[b] = true
	}
	seen := map[string]bool{}
	for _, re := range exprs {
		for _, m := range re.FindAllStringSubmatchIndex(code, -1) {
			for _, mod := range splitModules(code[m[2]:m[3]]) {
				root := moduleRoot(mod)
				if (deny[root] || deny[mod]) && !seen[mod] {
					seen[mod] = true
					r.fail(executor.ErrorSecurity, lexer.LineAt(code, m[2]), fmt.Sprintf("Import of '%s' is not allowed", mod))
				}
			}
		}
	}
}

func splitModules(list string) []string {
	var mods []string
	for _, part := range strings.Split(list, ",") {
		fields := strings.Fields(part)
		if len(fields) > 0 {
			mods = append(mods, fields[0])
		}
	}
	return mods
}

func moduleRoot(mod string) string {
	mod = strings.TrimPrefix(mod, "node:")
	if i := strings.IndexAny(mod, "./"); i > 0 {
		return mod[:i]
	}
	return mod
}

// Imports lists the modules code imports, in order of first appearance.
func Imports(code string, lang executor.Language) []string {
	exprs := []*regexp.Regexp{jsImportFrom, jsRequire}
	if lang == executor.Python {
		exprs = []*regexp.Regexp{pyImport, pyFromImport}
	}
	type hit struct {
		pos int
		mod string
	}
	var hits []hit
	for _, re := range exprs {
		for _, m := range re.FindAllStringSubmatchIndex(code, -1) {
			for _, mod := range splitModules(code[m[2]:m[3]]) {
				hits = append(hits, hit{m[2], mod})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	var mods []string
	seen := map[string]bool{}
	for _, h := range hits {
		if !seen[h.mod] {
			seen[h.mod] = true
			mods = append(mods, h.mod)
		}
	}
	return mods
}
