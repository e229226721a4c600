package observability

import (
	"encoding/json"
	"io"
	"time"

	"github.com/jonathan/veo-automator/internal/batch"
)

// Report is the batch summary written at the end of a run. Its JSON form
// matches schemas/batch_report.schema.json.
type Report struct {
	ID             string         `json:"id"`
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	SuccessRate    float64        `json:"success_rate"`
	AverageSeconds float64        `json:"average_seconds"`
	Stopped        bool           `json:"stopped"`
	Started        time.Time      `json:"started"`
	Completed      time.Time      `json:"completed"`
	Files          []string       `json:"files"`
	Prompts        []PromptReport `json:"prompts"`
}

// PromptReport is one prompt's line in a Report.
type PromptReport struct {
	Index      int      `json:"index"`
	Prompt     string   `json:"prompt"`
	Mode       string   `json:"mode,omitempty"`
	Success    bool     `json:"success"`
	Files      []string `json:"files"`
	Error      string   `json:"error,omitempty"`
	ErrorClass string   `json:"error_class,omitempty"`
	Seconds    float64  `json:"seconds"`
}

// NewReport summarizes res. Prompts that never ran are not counted.
func NewReport(res *batch.BatchResult) *Report {
	r := &Report{
		ID:          res.ID,
		Total:       res.Total,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		SuccessRate: res.SuccessRate(),
		Stopped:     res.Stopped,
		Started:     res.Started,
		Completed:   res.Completed,
		Files:       append([]string{}, res.Files...),
		Prompts:     make([]PromptReport, 0, len(res.Prompts)),
	}

	var total time.Duration
	for _, p := range res.Prompts {
		d := p.Duration()
		total += d
		r.Prompts = append(r.Prompts, PromptReport{
			Index:      p.Index,
			Prompt:     p.Prompt,
			Mode:       string(p.Mode),
			Success:    p.Success,
			Files:      append([]string{}, p.Files...),
			Error:      p.Error,
			ErrorClass: p.ErrorClass,
			Seconds:    d.Seconds(),
		})
	}
	if len(res.Prompts) > 0 {
		r.AverageSeconds = total.Seconds() / float64(len(res.Prompts))
	}
	return r
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
