package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/sandpit/executor"
)

var version = "dev"

// exitError carries a process exit code without printing anything more.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, styleFail.Render("Error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sandpit [file]",
		Short: "Sandbox for untrusted JavaScript, TypeScript and Python",
		Long: `sandpit - Run untrusted javascript, typescript and python snippets safely.

Code is statically validated, rate limited per session and executed in an
isolated interpreter with time, output and iteration limits. Python runs on
a WebAssembly build of CPython; fetch SANDPIT_PYTHON_WASM with
"go generate ./language/python".`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRun, // default to run command behavior
	}

	root.PersistentFlags().StringP("lang", "l", "", "Language: javascript, typescript, python (default: from file extension)")
	root.PersistentFlags().String("config", "", "YAML execution policy (default: $SANDPIT_POLICY)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	addRunFlags(root)
	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newServeCmd(),
		newReplCmd(),
		newSessionCmd(),
		newDepsCmd(),
	)
	return root
}

// detectLanguage prefers the flag, then the file extension, then fallback.
func detectLanguage(flag, filename string, fallback executor.Language) (executor.Language, error) {
	if flag != "" {
		return executor.ParseLanguage(flag)
	}
	if filename != "" {
		if lang, ok := executor.LanguageFromFilename(filename); ok {
			return lang, nil
		}
	}
	if fallback == "" {
		return "", errors.New("language required: use --lang javascript, typescript or python")
	}
	return fallback, nil
}
