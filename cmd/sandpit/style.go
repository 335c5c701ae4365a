package main

import (
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/caffeineduck/sandpit/executor"
)

var (
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleInfo   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	styleSystem = lipgloss.NewStyle().Faint(true)
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleFail   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleTitle  = lipgloss.NewStyle().Bold(true)
)

// paint styles each line on its own; lipgloss pads multi-line blocks to a
// common width.
func paint(style lipgloss.Style, s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// printer renders an execution stream on a terminal. Output content arrives
// HTML-escaped and is unescaped for display.
type printer struct {
	out io.Writer
	err io.Writer
}

func (p *printer) output(o executor.Output) {
	text := html.UnescapeString(o.Content)
	switch o.Type {
	case executor.OutputError:
		fmt.Fprintln(p.err, paint(styleError, text))
	case executor.OutputWarn:
		fmt.Fprintln(p.err, paint(styleWarn, text))
	case executor.OutputInfo:
		fmt.Fprintln(p.out, paint(styleInfo, text))
	case executor.OutputSystem:
		fmt.Fprintln(p.err, paint(styleSystem, text))
	default:
		fmt.Fprintln(p.out, text)
	}
}

// summary prints one status line for a finished execution.
func (p *printer) summary(res executor.Result) {
	took := res.ExecutionTime.Round(100 * time.Microsecond)
	if res.Success {
		fmt.Fprintf(p.err, "%s %s\n", styleOK.Render("✓ "+string(res.Status)), styleSystem.Render("in "+took.String()))
		return
	}
	line := styleFail.Render("✗ " + string(res.Status))
	if res.Error != "" {
		line += " " + html.UnescapeString(res.Error)
	}
	fmt.Fprintf(p.err, "%s %s\n", line, styleSystem.Render("after "+took.String()))
}

func (p *printer) validation(res executor.ValidationResult) {
	for _, e := range res.Errors {
		fmt.Fprintln(p.err, styleError.Render(formatIssue(string(e.Type), e.Line, e.Message)))
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(p.err, styleWarn.Render(formatIssue(string(w.Type), w.Line, w.Message)))
	}
}

func formatIssue(kind string, line int, msg string) string {
	if line > 0 {
		return fmt.Sprintf("[%s] line %d: %s", kind, line, msg)
	}
	return fmt.Sprintf("[%s] %s", kind, msg)
}
