package main

import (
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/workflow"
)

func update(t *testing.T, m batchModel, msg tea.Msg) (batchModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	bm, ok := next.(batchModel)
	require.True(t, ok)
	return bm, cmd
}

func TestBatchModel_Progress(t *testing.T) {
	m := newBatchModel(2, nil, nil)
	assert.Zero(t, m.percent())
	assert.Contains(t, m.View(), "waiting for the first step")

	m, _ = update(t, m, progressMsg{
		{PromptIndex: 1, StepIndex: 3, StepTotal: 8, Step: workflow.StepActivateSubmit, Percent: 37, Success: false, Detail: "blocked"},
		{PromptIndex: 1, StepIndex: 4, StepTotal: 8, Step: workflow.StepWaitForCompletion, Percent: 50, Success: true},
	})
	assert.InDelta(t, 0.75, m.percent(), 0.0001)
	assert.Equal(t, 1, m.failures)
	view := m.View()
	assert.Contains(t, view, "prompt 2/2, step 4/8")
	assert.Contains(t, view, "1 failed step(s)")
}

func TestBatchModel_KeepsRecentLines(t *testing.T) {
	m := newBatchModel(1, nil, nil)
	var evs progressMsg
	for i := 1; i <= maxStepLines+3; i++ {
		evs = append(evs, workflow.ProgressEvent{StepIndex: i, StepTotal: 17, Step: fmt.Sprintf("step-%d", i), Success: true})
	}
	m, _ = update(t, m, evs)
	require.Len(t, m.lines, maxStepLines)
	assert.Contains(t, m.lines[maxStepLines-1], fmt.Sprintf("step-%d", maxStepLines+3))
}

func TestBatchModel_InterruptStopsThenCancels(t *testing.T) {
	stops, cancels := 0, 0
	m := newBatchModel(3, func() bool { stops++; return true }, func() { cancels++ })

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	assert.True(t, m.stopping)
	assert.Equal(t, 1, stops)
	assert.Zero(t, cancels)
	assert.Contains(t, m.View(), "stopping after the current step")

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, cancels)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	assert.Equal(t, 1, cancels)
}

func TestBatchModel_DoneQuits(t *testing.T) {
	m := newBatchModel(2, nil, nil)

	m, cmd := update(t, m, doneMsg{res: &batch.BatchResult{Total: 2}})
	require.NotNil(t, cmd)
	assert.True(t, m.done)
	assert.Equal(t, 1.0, m.percent())
	assert.Contains(t, m.View(), "batch finished")
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
