package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/sandbox"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run code once",
		Long: `Validate and execute a snippet in a fresh sandbox.

Code can be provided via:
  - File argument: sandpit run script.py
  - Inline flag: sandpit run -l js -c 'console.log(1 + 1)'
  - Stdin: echo 'print(1 + 1)' | sandpit run -l python

Press Ctrl+C to stop a running execution.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().String("session", "", "Rate limit session id (default: persisted id)")
	cmd.Flags().Bool("json", false, "Print the result as JSON")
	cmd.Flags().BoolP("quiet", "q", false, "Do not print the status line")
	addLimitFlags(cmd)
}

func addLimitFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 0, "Execution time limit (default: policy)")
	cmd.Flags().Int("max-output", 0, "Output limit in characters (default: policy)")
	cmd.Flags().Bool("allow-network", false, "Allow fetch() to the hosts given with --allow-host")
	cmd.Flags().StringSlice("allow-host", nil, "Allow fetch() to host (repeatable)")
	cmd.Flags().Bool("stellar", false, "Provide the mock stellar-sdk module to JavaScript")
}

// readSource returns the code from -c, the file argument or piped stdin.
func readSource(cmd *cobra.Command, args []string) (source, filename string, err error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, "", nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", err
		}
		return string(data), args[0], nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), "", nil
}

// runConfig applies the flags the user set on top of base.
func runConfig(cmd *cobra.Command, base executor.Config, filename string) (executor.Config, error) {
	f := cmd.Flags()
	langFlag, _ := f.GetString("lang")
	lang, err := detectLanguage(langFlag, filename, base.Language)
	if err != nil {
		return base, err
	}

	patch := executor.ConfigPatch{
		Language: &lang,
		Limits:   &executor.LimitsPatch{},
		Security: &executor.SecurityPatch{},
	}
	if f.Changed("timeout") {
		d, _ := f.GetDuration("timeout")
		if d <= 0 {
			return base, errors.New("--timeout must be positive")
		}
		patch.Limits.MaxExecutionTime = &d
	}
	if f.Changed("max-output") {
		n, _ := f.GetInt("max-output")
		patch.Limits.MaxOutputSize = &n
	}
	if f.Changed("allow-network") {
		v, _ := f.GetBool("allow-network")
		patch.Security.AllowNetwork = &v
	}
	if f.Changed("allow-host") {
		hosts, _ := f.GetStringSlice("allow-host")
		patch.Security.AllowedHosts = hosts
	}
	if f.Changed("stellar") {
		v, _ := f.GetBool("stellar")
		patch.EnableStellarMock = &v
	}
	if f.Lookup("session") != nil && f.Changed("session") {
		id, _ := f.GetString("session")
		patch.SessionID = &id
	}
	return base.Merge(patch), nil
}

type runResult struct {
	Status          executor.Status   `json:"status"`
	Success         bool              `json:"success"`
	Outputs         []executor.Output `json:"outputs"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	Error           string            `json:"error,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	source, filename, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if source == "" {
		return cmd.Help()
	}

	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := runConfig(cmd, a.policy, filename)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")

	p := &printer{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr()}
	done := make(chan executor.Result, 1)
	cb := executor.Callbacks{OnComplete: func(res executor.Result) { done <- res }}
	if !asJSON {
		cb.OnOutput = p.output
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sb := sandbox.New(cfg, cb, a.sandboxOptions()...)
	sb.Execute(ctx, source)
	res := <-done

	switch {
	case asJSON:
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(runResult{
			Status:          res.Status,
			Success:         res.Success,
			Outputs:         res.Outputs,
			ExecutionTimeMs: res.ExecutionTime.Milliseconds(),
			Error:           res.Error,
		}); err != nil {
			return err
		}
	case !quiet:
		p.summary(res)
	}
	if !res.Success {
		return exitError{code: 1}
	}
	return nil
}
