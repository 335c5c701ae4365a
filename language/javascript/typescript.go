package javascript

import (
	"errors"
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
)

// tsTarget is the newest syntax goja runs without help; esbuild lowers
// anything later.
const tsTarget = api.ES2017

// StripTypes compiles TypeScript to JavaScript that goja can run. Types are
// erased, and enums, namespaces and parameter properties are lowered.
// Syntax errors come back joined, one per line, with their source line.
func StripTypes(code string) (string, error) {
	res := api.Transform(code, api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     tsTarget,
		Sourcefile: "main.ts",
		LogLevel:   api.LogLevelSilent,
	})
	if len(res.Errors) > 0 {
		errs := make([]error, 0, len(res.Errors))
		for _, m := range res.Errors {
			if m.Location != nil {
				errs = append(errs, fmt.Errorf("line %d: %s", m.Location.Line, m.Text))
			} else {
				errs = append(errs, errors.New(m.Text))
			}
		}
		return "", errors.Join(errs...)
	}
	return string(res.Code), nil
}
