package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// maxStepLines is how many recent steps the live view keeps.
const maxStepLines = 8

type progressMsg []workflow.ProgressEvent

type doneMsg struct {
	res *batch.BatchResult
	err error
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// batchModel is the live progress view of `run --tui`.
type batchModel struct {
	total    int
	last     *workflow.ProgressEvent
	lines    []string
	failures int
	spinner  spinner.Model
	bar      progress.Model
	stopping bool
	done     bool
	err      error
	stop     func() bool
	cancel   context.CancelFunc
}

func newBatchModel(total int, stop func() bool, cancel context.CancelFunc) batchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = dimStyle
	return batchModel{
		total:   total,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		stop:    stop,
		cancel:  cancel,
	}
}

func (m batchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m batchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, 60)
		return m, nil

	case tea.KeyMsg:
		if msg.Type != tea.KeyCtrlC && msg.String() != "q" {
			return m, nil
		}
		if m.done {
			return m, tea.Quit
		}
		if !m.stopping {
			m.stopping = true
			if m.stop != nil {
				m.stop()
			}
			return m, nil
		}
		if m.cancel != nil {
			m.cancel()
		}
		return m, nil

	case progressMsg:
		for _, ev := range msg {
			m.last = &ev
			m.lines = append(m.lines, stepLine(ev))
			if !ev.Success {
				m.failures++
			}
		}
		if len(m.lines) > maxStepLines {
			m.lines = m.lines[len(m.lines)-maxStepLines:]
		}
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// percent is the share of the batch done, counting the current prompt's
// completed steps.
func (m batchModel) percent() float64 {
	if m.done {
		return 1
	}
	if m.total == 0 || m.last == nil {
		return 0
	}
	p := (float64(m.last.PromptIndex) + float64(m.last.Percent)/100) / float64(m.total)
	return min(p, 1)
}

func stepLine(ev workflow.ProgressEvent) string {
	mark := okStyle.Render("✓")
	if !ev.Success {
		mark = failStyle.Render("✗")
	}
	line := fmt.Sprintf("%s %d/%d %s", mark, ev.StepIndex, ev.StepTotal, ev.Step)
	if ev.Detail != "" {
		line += dimStyle.Render(" " + ev.Detail)
	}
	return line
}

func (m batchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("veo_agent batch"))
	b.WriteString("\n\n")

	status := fmt.Sprintf("%s waiting for the first step", m.spinner.View())
	if m.last != nil {
		status = fmt.Sprintf("%s prompt %d/%d, step %d/%d", m.spinner.View(), m.last.PromptIndex+1, m.total, m.last.StepIndex, m.last.StepTotal)
	}
	switch {
	case m.done:
		status = "batch finished"
	case m.stopping:
		status += dimStyle.Render(" (stopping after the current step; ctrl+c again to abort)")
	}
	b.WriteString(status + "\n")
	b.WriteString(m.bar.ViewAs(m.percent()) + "\n\n")

	for _, line := range m.lines {
		b.WriteString("  " + line + "\n")
	}
	if m.failures > 0 {
		b.WriteString(failStyle.Render(fmt.Sprintf("\n%d failed step(s)", m.failures)) + "\n")
	}
	if !m.done {
		b.WriteString(dimStyle.Render("\nctrl+c or q: stop after the current step") + "\n")
	}
	return b.String()
}
