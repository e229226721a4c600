package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/veo-automator/internal/batch"
	"github.com/jonathan/veo-automator/internal/observability"
	"github.com/jonathan/veo-automator/internal/schemas"
	"github.com/jonathan/veo-automator/internal/workflow"
)

func TestCheckReport_WrittenReportIsValid(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	res := &batch.BatchResult{
		ID:        "b1",
		Total:     2,
		Succeeded: 1,
		Failed:    1,
		Files:     []string{"1.mp4"},
		Started:   start,
		Completed: start.Add(5 * time.Minute),
		Prompts: []batch.PromptResult{
			{Index: 0, Prompt: "a fox", Mode: workflow.ModeFull, Success: true, Files: []string{"1.mp4"}, Started: start, Finished: start.Add(2 * time.Minute)},
			{Index: 1, Prompt: "a city", Mode: workflow.ModeTail, Error: "no artifact was delivered", ErrorClass: workflow.ClassNoArtifacts, Started: start, Finished: start.Add(time.Minute)},
		},
	}
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeReport(path, observability.NewReport(res)))

	assert.NoError(t, checkReport(path, ""))
}

func TestCheckReport_RejectsBadReport(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "report.json", `{"id": 3, "total": 1}`)

	err := checkReport(path, "")
	require.Error(t, err)
	var ve *schemas.ValidationError
	assert.ErrorAs(t, err, &ve)

	assert.Error(t, checkReport(filepath.Join(dir, "missing.json"), ""))
}

func TestCheckReport_CustomSchema(t *testing.T) {
	dir := t.TempDir()
	schemaPath := writeFile(t, dir, "strict.schema.json", `{"type": "object", "required": ["operator"]}`)
	path := writeFile(t, dir, "report.json", `{"id": "b", "operator": "ci"}`)
	assert.NoError(t, checkReport(path, schemaPath))

	other := writeFile(t, dir, "other.json", `{"id": "b"}`)
	assert.Error(t, checkReport(other, schemaPath))
}
