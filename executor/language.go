package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Language identifies a supported source language.
type Language string

const (
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Python     Language = "python"
)

// Languages lists every supported language.
var Languages = []Language{JavaScript, TypeScript, Python}

// IsECMAScript reports whether the language belongs to the ECMAScript family
// and therefore runs on the JavaScript strategy.
func (l Language) IsECMAScript() bool {
	return l == JavaScript || l == TypeScript
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}

func (l Language) String() string {
	return string(l)
}

// ParseLanguage accepts the canonical names and the common short aliases.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "js", "javascript", "node":
		return JavaScript, nil
	case "ts", "typescript":
		return TypeScript, nil
	case "py", "python", "python3":
		return Python, nil
	default:
		return "", fmt.Errorf("unknown language %q: use javascript, typescript or python", s)
	}
}

// LanguageFromFilename detects the language from a file extension.
func LanguageFromFilename(name string) (Language, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".js", ".mjs", ".cjs":
		return JavaScript, true
	case ".ts", ".mts":
		return TypeScript, true
	case ".py":
		return Python, true
	}
	return "", false
}
