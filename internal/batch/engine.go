package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/artifacts"
	"github.com/jonathan/veo-automator/internal/download"
	"github.com/jonathan/veo-automator/internal/metrics"
	"github.com/jonathan/veo-automator/internal/workflow"
)

// ErrAlreadyRunning is returned when a batch is started while another runs.
var ErrAlreadyRunning = errors.New("a batch is already running")

// DefaultProgressBuffer is the progress queue capacity.
const DefaultProgressBuffer = 256

// Status is a point-in-time view of the engine, safe to read from any
// goroutine.
type Status struct {
	ID       string                  `json:"id,omitempty"`
	Running  bool                    `json:"running"`
	Stopping bool                    `json:"stopping"`
	Total    int                     `json:"total"`
	Current  int                     `json:"current"`
	Seen     int                     `json:"seen"`
	Files    int                     `json:"files"`
	Dropped  int64                   `json:"dropped_events"`
	Last     *workflow.ProgressEvent `json:"last_event,omitempty"`
}

// Engine owns the per-batch state: the seen set, the output sequence and the
// progress queue. One batch runs at a time.
type Engine struct {
	coord    *Coordinator
	seen     *artifacts.SeenSet
	seq      *download.Sequence
	metrics  *metrics.Metrics
	logger   *zap.Logger
	progress chan workflow.ProgressEvent

	mu      sync.Mutex
	running bool
	status  Status
	last    *BatchResult

	stop    atomic.Bool
	dropped atomic.Int64
}

// NewEngine creates an engine. seen and seq must be the instances the
// collector and downloader behind coord write to.
func NewEngine(coord *Coordinator, seen *artifacts.SeenSet, seq *download.Sequence, buffer int, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		coord:    coord,
		seen:     seen,
		seq:      seq,
		metrics:  m,
		logger:   logger.Named("engine"),
		progress: make(chan workflow.ProgressEvent, buffer),
	}
}

// Run executes a batch on the calling goroutine.
func (e *Engine) Run(ctx context.Context, jobs []PromptJob) (*BatchResult, error) {
	id, err := e.acquire(len(jobs))
	if err != nil {
		return nil, err
	}
	return e.run(ctx, id, jobs)
}

// Start executes a batch on a new goroutine and returns its id. The result
// is delivered on the returned channel, which is then closed.
func (e *Engine) Start(ctx context.Context, jobs []PromptJob) (string, <-chan *BatchResult, error) {
	id, err := e.acquire(len(jobs))
	if err != nil {
		return "", nil, err
	}
	done := make(chan *BatchResult, 1)
	go func() {
		defer close(done)
		res, err := e.run(ctx, id, jobs)
		if err != nil {
			e.logger.Warn("batch ended early", zap.String("batch_id", id), zap.Error(err))
		}
		done <- res
	}()
	return id, done, nil
}

// acquire claims the engine for a new batch and resets the batch state.
func (e *Engine) acquire(total int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return "", ErrAlreadyRunning
	}
	e.running = true
	id := uuid.NewString()
	e.status = Status{ID: id, Running: true, Total: total}
	e.stop.Store(false)
	e.seen.Reset()
	e.seq.Reset()
	return id, nil
}

func (e *Engine) run(ctx context.Context, id string, jobs []PromptJob) (*BatchResult, error) {
	e.metrics.SetBatchActive(true)
	defer func() {
		e.metrics.SetBatchActive(false)
		e.mu.Lock()
		e.running = false
		e.status.Running = false
		e.status.Stopping = false
		e.mu.Unlock()
	}()

	res, err := e.coord.Run(ctx, id, jobs, e.publish, e.stop.Load)
	e.mu.Lock()
	e.last = res
	e.mu.Unlock()
	return res, err
}

// Stop asks the running batch to stop before its next step.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return false
	}
	e.stop.Store(true)
	e.status.Stopping = true
	return true
}

// Running reports whether a batch is in progress.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status returns the current status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	st.Seen = e.seen.Len()
	st.Files = e.seq.Current()
	st.Dropped = e.dropped.Load()
	return st
}

// Last returns the most recent batch result, or nil.
func (e *Engine) Last() *BatchResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// publish queues ev without ever blocking the worker: when the queue is full
// the oldest event is dropped.
func (e *Engine) publish(ev workflow.ProgressEvent) {
	e.mu.Lock()
	e.status.Current = ev.PromptIndex
	last := ev
	e.status.Last = &last
	e.mu.Unlock()

	for {
		select {
		case e.progress <- ev:
			return
		default:
		}
		select {
		case <-e.progress:
			e.dropped.Add(1)
			e.metrics.IncDroppedProgress()
		default:
		}
	}
}

// Drain returns up to max queued events without blocking; max <= 0 drains
// everything queued.
func (e *Engine) Drain(max int) []workflow.ProgressEvent {
	var out []workflow.ProgressEvent
	for max <= 0 || len(out) < max {
		select {
		case ev := <-e.progress:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Drainer is a progress source polled by Pump.
type Drainer interface {
	Drain(max int) []workflow.ProgressEvent
}

// Pump drains e every interval and hands non-empty batches of events to fn
// until ctx is done, then drains once more.
func Pump(ctx context.Context, e Drainer, interval time.Duration, fn func([]workflow.ProgressEvent)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if evs := e.Drain(0); len(evs) > 0 {
				fn(evs)
			}
			return
		case <-ticker.C:
			if evs := e.Drain(0); len(evs) > 0 {
				fn(evs)
			}
		}
	}
}
