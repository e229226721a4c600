// Package observability provides formatted output for the CLI: per-step
// progress lines and the end-of-batch report.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/veo-automator/internal/locator"
	"github.com/jonathan/veo-automator/internal/workflow"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxPromptsToShow caps the per-prompt lines in a report box
	maxPromptsToShow = 20
)

// Printer handles formatted output
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// pad right-pads s with spaces to n runes.
func pad(s string, n int) string {
	if c := utf8.RuneCountInString(s); c < n {
		return s + strings.Repeat(" ", n-c)
	}
	return s
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	inner := boxWidth - 4
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %s │\n", pad(title, inner))
	fmt.Fprintf(p.out, "├%s┤\n", border)
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %s │\n", pad(truncate(line, inner), inner))
	}
	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintProgress writes one line per step, e.g. "Step 3/17: select-type ✓".
//
//nolint:errcheck
func (p *Printer) PrintProgress(ev workflow.ProgressEvent) {
	mark := "✓"
	if !ev.Success {
		mark = "✗"
	}
	line := fmt.Sprintf("[prompt %d] Step %d/%d: %s %s", ev.PromptIndex+1, ev.StepIndex, ev.StepTotal, ev.Step, mark)
	if ev.Detail != "" {
		line += " (" + truncate(ev.Detail, 60) + ")"
	}
	fmt.Fprintln(p.out, line)
}

// PrintSettings outputs the generation settings a batch will use.
func (p *Printer) PrintSettings(s workflow.Settings, prompts int) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Prompts:      %d\n", prompts))
	sb.WriteString(fmt.Sprintf("Project type: %s\n", s.ProjectType))
	sb.WriteString(fmt.Sprintf("Model:        %s\n", s.Model))
	sb.WriteString(fmt.Sprintf("Outputs:      %d per prompt\n", s.OutputCount))
	sb.WriteString(fmt.Sprintf("Aspect ratio: %s", s.AspectRatio))
	p.printBox("BATCH SETTINGS", sb.String())
}

// PrintBatchReport outputs the statistics and per-prompt outcome of a batch.
func (p *Printer) PrintBatchReport(r *Report) {
	if r == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Total:        %d\n", r.Total))
	sb.WriteString(fmt.Sprintf("Succeeded:    %d\n", r.Succeeded))
	sb.WriteString(fmt.Sprintf("Failed:       %d\n", r.Failed))
	sb.WriteString(fmt.Sprintf("Success rate: %.1f%%\n", r.SuccessRate))
	sb.WriteString(fmt.Sprintf("Avg/prompt:   %.1fs\n", r.AverageSeconds))
	sb.WriteString(fmt.Sprintf("Files:        %d", len(r.Files)))
	if r.Stopped {
		sb.WriteString("\nStopped before all prompts ran")
	}

	if len(r.Prompts) > 0 {
		sb.WriteString("\n")
		count := min(len(r.Prompts), maxPromptsToShow)
		for i := 0; i < count; i++ {
			pr := r.Prompts[i]
			mark := "✓"
			if !pr.Success {
				mark = "✗"
			}
			sb.WriteString(fmt.Sprintf("\n%s #%d %s", mark, pr.Index+1, truncate(pr.Prompt, 40)))
			if pr.Success {
				sb.WriteString(fmt.Sprintf("\n    %d file(s), %.0fs", len(pr.Files), pr.Seconds))
			} else {
				sb.WriteString(fmt.Sprintf("\n    %s: %s", pr.ErrorClass, pr.Error))
			}
		}
		if len(r.Prompts) > maxPromptsToShow {
			sb.WriteString(fmt.Sprintf("\n\n... and %d more prompts", len(r.Prompts)-maxPromptsToShow))
		}
	}

	p.printBox("BATCH REPORT", sb.String())
}

// PrintLocators dumps every target's candidate queries and score threshold.
//
//nolint:errcheck
func (p *Printer) PrintLocators(t *locator.Table) {
	names := t.Names()
	for _, name := range names {
		spec := t.Targets[name]
		header := name
		if spec.Score != nil {
			header += fmt.Sprintf(" (threshold %d)", spec.Score.Threshold)
		}
		fmt.Fprintln(p.out, header)
		for _, c := range spec.Candidates {
			fmt.Fprintf(p.out, "  %s\n", c)
		}
	}

	panels := make([]string, 0, len(t.Panels))
	for name := range t.Panels {
		panels = append(panels, name)
	}
	sort.Strings(panels)
	for _, name := range panels {
		panel := t.Panels[name]
		fmt.Fprintf(p.out, "panel %s (close: %s)\n", name, strings.Join(panel.Close, ", "))
		for _, m := range panel.Markers {
			fmt.Fprintf(p.out, "  %s\n", m)
		}
	}
}

// PrintSteps lists step definitions in order with their kind and flags.
func (p *Printer) PrintSteps(defs []workflow.StepDefinition) {
	for i, d := range defs {
		var flags []string
		if d.Critical {
			flags = append(flags, "critical")
		}
		if d.Tail {
			flags = append(flags, "tail")
		}
		line := fmt.Sprintf("%2d. %-24s %-6s", i+1, d.Name, d.Kind)
		if len(flags) > 0 {
			line += " " + strings.Join(flags, ", ")
		}
		fmt.Fprintln(p.out, strings.TrimRight(line, " "))
	}
}
