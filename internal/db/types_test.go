package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchStatus(t *testing.T) {
	tests := []struct {
		name      string
		stopped   bool
		succeeded int
		failed    int
		want      string
	}{
		{"all succeeded", false, 3, 0, BatchStatusCompleted},
		{"partial", false, 2, 1, BatchStatusCompleted},
		{"all failed", false, 0, 3, BatchStatusFailed},
		{"stopped wins", true, 0, 1, BatchStatusStopped},
		{"empty", false, 0, 0, BatchStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BatchStatus(tt.stopped, tt.succeeded, tt.failed))
		})
	}
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	got := nullable("x")
	if assert.NotNil(t, got) {
		assert.Equal(t, "x", *got)
	}
}

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"batches", "prompt_results", "downloads"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
