package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/sandpit/executor"
	"github.com/caffeineduck/sandpit/sandbox"
)

const (
	promptMain  = ">>> "
	promptCont  = "... "
	replHistory = ".sandpit_history"
)

func newReplCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive prompt backed by one sandbox",
		Long: `Start an interactive REPL (Read-Eval-Print Loop).

Every entry runs as a fresh execution; variables do not persist between
entries. Ctrl+C stops a running entry.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - .lang <name> switches language, .config shows the active limits

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
		Args: cobra.NoArgs,
		RunE: runRepl,
	}
	cmd.Flags().String("history", "", "History file path (default: ~/"+replHistory+")")
	addLimitFlags(cmd)
	return cmd
}

func runRepl(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := runConfig(cmd, a.policy, "")
	if err != nil {
		return err
	}

	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, replHistory)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptMain,
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             io.NopCloser(cmd.InOrStdin()),
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	r := &repl{
		p:    &printer{out: rl.Stdout(), err: rl.Stderr()},
		done: make(chan executor.Result, 1),
	}
	r.sb = sandbox.New(cfg, executor.Callbacks{
		OnOutput:   r.p.output,
		OnComplete: func(res executor.Result) { r.done <- res },
	}, a.sandboxOptions()...)
	defer r.sb.Stop()

	fmt.Fprintf(rl.Stderr(), "%s (type 'exit' to quit, Ctrl+D to exit)\n", styleTitle.Render("sandpit "+cfg.Language.String()+" REPL"))

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(promptMain)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(rl.Stdout())
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt(promptCont)
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(promptMain)
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, "."):
			r.command(line)
			continue
		}
		r.run(cmd.Context(), line)
	}
}

type repl struct {
	sb   *sandbox.Sandbox
	p    *printer
	done chan executor.Result
}

// run executes one entry. Ctrl+C stops it instead of the REPL.
func (r *repl) run(ctx context.Context, code string) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	r.sb.Execute(ctx, code)
	res := <-r.done
	if !res.Success {
		r.p.summary(res)
	}
}

func (r *repl) command(line string) {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case ".lang":
		lang, err := executor.ParseLanguage(arg)
		if err != nil {
			fmt.Fprintln(r.p.err, styleError.Render(err.Error()))
			return
		}
		r.sb.SetLanguage(lang)
		fmt.Fprintln(r.p.err, styleSystem.Render("language: "+lang.String()))
	case ".config":
		cfg := r.sb.Config()
		fmt.Fprintf(r.p.err, "language=%s timeout=%s max_output=%d max_iterations=%d network=%t\n",
			cfg.Language, cfg.Limits.MaxExecutionTime, cfg.Limits.MaxOutputSize, cfg.Limits.MaxIterations, cfg.Security.AllowNetwork)
	default:
		fmt.Fprintln(r.p.err, styleError.Render("unknown command "+name+": use .lang or .config"))
	}
}
