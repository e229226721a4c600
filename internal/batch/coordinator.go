// Package batch runs a list of prompts through the workflow, one after the
// other, over a single browser session and a single output sequence.
package batch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/metrics"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// Runner executes one workflow run.
type Runner interface {
	Run(ctx context.Context, opts workflow.RunOptions) (*workflow.Result, error)
}

// Session is the part of the session manager the coordinator needs. Recover
// makes its own retry attempts.
type Session interface {
	Alive(ctx context.Context) bool
	Recover(ctx context.Context) error
}

// PromptJob is one prompt of a batch.
type PromptJob struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Jobs numbers prompts from zero.
func Jobs(prompts []string) []PromptJob {
	jobs := make([]PromptJob, len(prompts))
	for i, p := range prompts {
		jobs[i] = PromptJob{Index: i, Text: p}
	}
	return jobs
}

// PromptResult is the outcome of one prompt.
type PromptResult struct {
	Index      int              `json:"index"`
	Prompt     string           `json:"prompt"`
	Mode       workflow.Mode    `json:"mode,omitempty"`
	Success    bool             `json:"success"`
	Recovered  bool             `json:"recovered,omitempty"`
	Artifacts  int              `json:"artifacts"`
	Files      []string         `json:"files,omitempty"`
	Triggered  int              `json:"triggered,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorClass string           `json:"error_class,omitempty"`
	Steps      []workflow.Step  `json:"steps,omitempty"`
	Started    time.Time        `json:"started"`
	Finished   time.Time        `json:"finished"`
	Run        *workflow.Result `json:"-"`
}

// Duration is how long the prompt took.
func (p PromptResult) Duration() time.Duration {
	return p.Finished.Sub(p.Started)
}

// BatchResult summarizes a batch.
type BatchResult struct {
	ID        string         `json:"id"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Prompts   []PromptResult `json:"prompts"`
	Files     []string       `json:"files"`
	Started   time.Time      `json:"started"`
	Completed time.Time      `json:"completed"`
	Stopped   bool           `json:"stopped"`
}

// SuccessRate is the share of attempted prompts that succeeded, in percent.
func (b *BatchResult) SuccessRate() float64 {
	attempted := b.Succeeded + b.Failed
	if attempted == 0 {
		return 0
	}
	return float64(b.Succeeded) * 100 / float64(attempted)
}

// Coordinator decides full or tail runs and keeps the session healthy
// between prompts.
type Coordinator struct {
	runner  Runner
	session Session
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator. session may be nil when liveness is
// not checked.
func NewCoordinator(runner Runner, session Session, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{runner: runner, session: session, clock: clk, metrics: m, logger: logger.Named("batch")}
}

// Run processes jobs in order. The first prompt, and any prompt following a
// recovery or an aborted run, gets the full sequence; the rest get the tail.
// A failed prompt never stops the batch; only stop() or ctx does.
func (c *Coordinator) Run(ctx context.Context, id string, jobs []PromptJob, onProgress workflow.ProgressCallback, stop func() bool) (*BatchResult, error) {
	res := &BatchResult{ID: id, Total: len(jobs), Started: c.clock.Now()}
	log := c.logger.With(zap.String("batch_id", id))
	log.Info("batch started", zap.Int("prompts", len(jobs)))

	full := true
	for _, job := range jobs {
		if stop != nil && stop() {
			res.Stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			res.Completed = c.clock.Now()
			return res, err
		}

		pr := PromptResult{Index: job.Index, Prompt: job.Text, Started: c.clock.Now()}

		if c.session != nil && !c.session.Alive(ctx) {
			log.Warn("session not alive before prompt, recovering", zap.Int("prompt", job.Index))
			if err := c.session.Recover(ctx); err != nil {
				pr.Error = err.Error()
				pr.ErrorClass = workflow.ClassSessionLost
				pr.Finished = c.clock.Now()
				c.record(res, pr)
				log.Error("recovery failed, skipping prompt", zap.Int("prompt", job.Index), zap.Error(err))
				full = true
				continue
			}
			c.metrics.IncRecovery()
			pr.Recovered = true
			full = true
		}

		pr.Mode = workflow.ModeTail
		if full {
			pr.Mode = workflow.ModeFull
		}
		run, err := c.runner.Run(ctx, workflow.RunOptions{
			Mode:        pr.Mode,
			Prompt:      job.Text,
			PromptIndex: job.Index,
			BatchID:     id,
			OnProgress:  onProgress,
			ShouldStop:  stop,
		})
		pr.Finished = c.clock.Now()
		pr.Run = run
		if run != nil {
			pr.Steps = run.Steps
			pr.Artifacts = len(run.Artifacts)
			pr.Files = run.Files()
			pr.Triggered = run.Delivered() - len(pr.Files)
			pr.Success = run.Succeeded()
			full = run.Aborted
			if run.Completion.Recoveries > 0 {
				// The waiter reloaded the page; the project and settings are gone.
				pr.Recovered = true
				full = true
			}
		}
		if err != nil {
			pr.Error = err.Error()
			pr.ErrorClass = workflow.Classify(err)
			var stepErr *workflow.StepError
			if errors.As(err, &stepErr) {
				pr.ErrorClass = stepErr.Class
			}
			pr.Success = false
			if browser.IsSessionLost(err) {
				full = true
			}
		} else if !pr.Success {
			pr.Error = "no artifact was delivered"
			pr.ErrorClass = workflow.ClassNoArtifacts
		}
		c.record(res, pr)

		if errors.Is(err, workflow.ErrStopped) {
			res.Stopped = true
			break
		}
		if ctx.Err() != nil {
			res.Completed = c.clock.Now()
			return res, ctx.Err()
		}
	}

	res.Completed = c.clock.Now()
	log.Info("batch finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("files", len(res.Files)),
		zap.Bool("stopped", res.Stopped))
	return res, nil
}

func (c *Coordinator) record(res *BatchResult, pr PromptResult) {
	res.Prompts = append(res.Prompts, pr)
	res.Files = append(res.Files, pr.Files...)
	if pr.Success {
		res.Succeeded++
	} else {
		res.Failed++
	}
	c.metrics.IncPrompt(pr.Success)
	c.logger.Info("prompt finished",
		zap.Int("prompt", pr.Index),
		zap.String("mode", string(pr.Mode)),
		zap.Bool("success", pr.Success),
		zap.Int("files", len(pr.Files)),
		zap.String("error_class", pr.ErrorClass),
		zap.Duration("duration", pr.Duration()))
}
