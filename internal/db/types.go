package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/veo-automator/internal/workflow"
)

// Batch status constants
const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusStopped   = "stopped"
	BatchStatusFailed    = "failed"
)

// Batch represents a batch record
type Batch struct {
	ID          uuid.UUID          `json:"id"`
	Status      string             `json:"status"`
	Total       int                `json:"total"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	Stopped     bool               `json:"stopped"`
	Settings    *workflow.Settings `json:"settings,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// PromptRecord represents one prompt outcome within a batch
type PromptRecord struct {
	ID           uuid.UUID       `json:"id"`
	BatchID      uuid.UUID       `json:"batch_id"`
	PromptIndex  int             `json:"prompt_index"`
	Prompt       string          `json:"prompt"`
	Mode         string          `json:"mode"`
	Success      bool            `json:"success"`
	Recovered    bool            `json:"recovered"`
	Artifacts    int             `json:"artifacts"`
	ErrorClass   *string         `json:"error_class,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Steps        []workflow.Step `json:"steps,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// DownloadRecord represents one downloaded or triggered artifact
type DownloadRecord struct {
	ID          uuid.UUID `json:"id"`
	BatchID     uuid.UUID `json:"batch_id"`
	PromptIndex int       `json:"prompt_index"`
	Address     string    `json:"address"`
	Path        *string   `json:"path,omitempty"`
	Bytes       int64     `json:"bytes"`
	Success     bool      `json:"success"`
	Triggered   bool      `json:"triggered"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchStatus picks the stored status for a finished batch.
func BatchStatus(stopped bool, succeeded, failed int) string {
	switch {
	case stopped:
		return BatchStatusStopped
	case succeeded == 0 && failed > 0:
		return BatchStatusFailed
	default:
		return BatchStatusCompleted
	}
}

// nullable returns nil for an empty string
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
