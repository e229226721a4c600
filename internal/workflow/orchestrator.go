// Package workflow drives the page through the creation procedure: project
// setup, settings, prompt entry, submit, completion wait, artifact collection
// and download. Each run instantiates a fresh, fixed sequence of steps.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/veo-automator/internal/artifacts"
	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/download"
	"github.com/jonathan/veo-automator/internal/interact"
	"github.com/jonathan/veo-automator/internal/locator"
	"github.com/jonathan/veo-automator/internal/metrics"
	"github.com/jonathan/veo-automator/internal/overlay"
	"github.com/jonathan/veo-automator/internal/waiter"
)

// Locator targets and panels the steps use.
const (
	targetNewProject     = "new_project"
	targetProjectType    = "project_type_dropdown"
	targetProjectOption  = "project_type_option"
	targetSettingsButton = "settings_button"
	targetModelDropdown  = "model_dropdown"
	targetModelOption    = "model_option"
	targetCountDropdown  = "output_count_dropdown"
	targetCountOption    = "output_count_option"
	targetAspectDropdown = "aspect_ratio_dropdown"
	targetAspectOption   = "aspect_ratio_option"
	targetPromptField    = "prompt_field"
	targetSendButton     = "send_button"
	panelMenu            = "menu"
	panelSettings        = "settings"
)

// Deps are the components a run composes.
type Deps struct {
	Page       browser.Page
	Locator    *locator.Locator
	Executor   *interact.Executor
	Dismisser  *overlay.Dismisser
	Waiter     *waiter.Waiter
	Collector  *artifacts.Collector
	Downloader *download.Downloader
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Options tune the orchestrator.
type Options struct {
	Settings Settings
	// LocateRetries is how many extra lookups a target gets after a miss.
	LocateRetries int
	RetryDelay    time.Duration
}

// Step is one executed step of a run.
type Step struct {
	StepDefinition
	State    State         `json:"state"`
	Detail   string        `json:"detail"`
	Class    string        `json:"error_class,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// ProgressEvent is emitted once per executed step.
type ProgressEvent struct {
	BatchID     string    `json:"batch_id,omitempty"`
	PromptIndex int       `json:"prompt_index"`
	StepIndex   int       `json:"step_index"`
	StepTotal   int       `json:"step_total"`
	Step        string    `json:"step"`
	Percent     int       `json:"percent"`
	Success     bool      `json:"success"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProgressCallback receives progress events.
type ProgressCallback func(ProgressEvent)

// RunOptions describe one run.
type RunOptions struct {
	Mode        Mode
	Prompt      string
	PromptIndex int
	BatchID     string
	OnProgress  ProgressCallback
	// ShouldStop is polled between steps.
	ShouldStop func() bool
}

// Result is the outcome of one run.
type Result struct {
	Mode       Mode
	Prompt     string
	Steps      []Step
	Completion waiter.Outcome
	Artifacts  []artifacts.Ref
	Downloads  []download.Result
	Aborted    bool
	Stopped    bool
	Err        error
	Started    time.Time
	Finished   time.Time
}

// Delivered counts artifacts saved or handed to the browser.
func (r *Result) Delivered() int {
	n := 0
	for _, d := range r.Downloads {
		if d.Delivered() {
			n++
		}
	}
	return n
}

// Files returns the paths written.
func (r *Result) Files() []string {
	var out []string
	for _, d := range r.Downloads {
		if d.Success {
			out = append(out, d.Path)
		}
	}
	return out
}

// Succeeded reports whether the run finished and delivered something.
func (r *Result) Succeeded() bool {
	return !r.Aborted && !r.Stopped && r.Delivered() > 0
}

// Orchestrator runs the step pipeline.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Settings, _ = opts.Settings.Normalize()
	if opts.LocateRetries < 0 {
		opts.LocateRetries = 0
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger.Named("workflow")}
}

// Settings returns the normalized settings in use.
func (o *Orchestrator) Settings() Settings {
	return o.opts.Settings
}

// runState carries values between steps of one run. Resolved elements are
// never stored here.
type runState struct {
	prompt       string
	typeSet      bool
	submitScored bool
	baseline     int
	result       *Result
}

// Run executes the steps for ro.Mode. The returned Result is always non-nil;
// the error is set when the run was aborted or stopped.
func (o *Orchestrator) Run(ctx context.Context, ro RunOptions) (*Result, error) {
	if ro.Mode == "" {
		ro.Mode = ModeFull
	}
	defs := Sequence(ro.Mode)
	res := &Result{Mode: ro.Mode, Prompt: ro.Prompt, Started: o.deps.Clock.Now()}
	res.Steps = make([]Step, len(defs))
	for i, d := range defs {
		res.Steps[i] = Step{StepDefinition: d, State: StatePending}
	}
	st := &runState{prompt: ro.Prompt, result: res}

	log := o.logger.With(zap.String("batch_id", ro.BatchID), zap.Int("prompt", ro.PromptIndex), zap.String("mode", string(ro.Mode)))
	log.Info("run started", zap.Int("steps", len(defs)))

	for i := range res.Steps {
		if ro.ShouldStop != nil && ro.ShouldStop() {
			res.Stopped = true
			res.Err = ErrStopped
			log.Info("run stopped", zap.String("before", res.Steps[i].Name))
			break
		}
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.Err = err
			break
		}

		step := &res.Steps[i]
		started := o.deps.Clock.Now()
		detail, err := o.execute(ctx, step, st)
		step.Duration = o.deps.Clock.Now().Sub(started)
		step.Detail = detail
		if err != nil {
			step.State = StateFailed
			step.Err = err
			step.Class = Classify(err)
			if step.Detail == "" {
				step.Detail = err.Error()
			}
		} else {
			step.State = StateSucceeded
		}

		o.deps.Metrics.ObserveStep(step.Name, err == nil, step.Class, step.Duration)
		o.emit(ro, i, len(res.Steps), step)

		if err == nil {
			log.Debug("step succeeded", zap.String("step", step.Name), zap.String("detail", step.Detail))
			continue
		}
		if step.Critical || browser.IsSessionLost(err) || ctx.Err() != nil {
			res.Aborted = true
			res.Err = &StepError{Step: step.Name, Class: step.Class, Cause: err}
			log.Error("run aborted", zap.String("step", step.Name), zap.String("class", step.Class), zap.Error(err))
			break
		}
		log.Warn("step failed, continuing", zap.String("step", step.Name), zap.String("class", step.Class), zap.Error(err))
	}

	res.Finished = o.deps.Clock.Now()
	log.Info("run finished",
		zap.Bool("aborted", res.Aborted),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Int("delivered", res.Delivered()),
		zap.Duration("duration", res.Finished.Sub(res.Started)))
	return res, res.Err
}

func (o *Orchestrator) emit(ro RunOptions, index, total int, step *Step) {
	if ro.OnProgress == nil {
		return
	}
	ro.OnProgress(ProgressEvent{
		BatchID:     ro.BatchID,
		PromptIndex: ro.PromptIndex,
		StepIndex:   index + 1,
		StepTotal:   total,
		Step:        step.Name,
		Percent:     (index + 1) * 100 / total,
		Success:     step.State == StateSucceeded,
		Detail:      step.Detail,
		Timestamp:   o.deps.Clock.Now(),
	})
}

func (o *Orchestrator) execute(ctx context.Context, step *Step, st *runState) (string, error) {
	switch step.Name {
	case StepOpenNewItem:
		return o.openNewItem(ctx, step)
	case StepSelectType:
		return o.selectType(ctx, step, st)
	case StepSelectTypeConfirm:
		return o.confirmType(ctx, step, st)
	case StepDismissMenu:
		return o.dismiss(ctx, step, panelMenu)
	case StepOpenSettings:
		return o.openSettings(ctx, step)
	case StepSelectModel:
		s := o.opts.Settings
		return o.selectSetting(ctx, step, targetModelDropdown, targetModelOption, modelLabel(s.Model), modelKeySteps(s.Model))
	case StepSelectOutputCount:
		n := o.opts.Settings.OutputCount
		return o.selectSetting(ctx, step, targetCountDropdown, targetCountOption, strconv.Itoa(n), n-1)
	case StepSelectAspectRatio:
		r := o.opts.Settings.AspectRatio
		return o.selectSetting(ctx, step, targetAspectDropdown, targetAspectOption, r, aspectKeySteps(r))
	case StepCloseSettings:
		return o.dismiss(ctx, step, panelSettings)
	case StepLocatePromptField:
		return o.locate(ctx, step, targetPromptField, false)
	case StepEnterPromptText:
		return o.enterPrompt(ctx, step, st)
	case StepLocateSubmit:
		return o.locate(ctx, step, targetSendButton, true)
	case StepValidateSubmit:
		return o.validateSubmit(ctx, step, st)
	case StepActivateSubmit:
		return o.activateSubmit(ctx, step, st)
	case StepWaitForCompletion:
		return o.waitForCompletion(ctx, step, st)
	case StepCollectNewArtifacts:
		return o.collect(ctx, step, st)
	case StepDownloadAll:
		return o.downloadAll(ctx, step, st)
	default:
		return "", fmt.Errorf("unknown step: %s", step.Name)
	}
}

// resolve looks a target up, retrying misses LocateRetries times.
func (o *Orchestrator) resolve(ctx context.Context, lookup func(context.Context) (*locator.Resolved, error)) (*locator.Resolved, error) {
	var lastErr error
	for attempt := 0; attempt <= o.opts.LocateRetries; attempt++ {
		if attempt > 0 {
			if err := o.deps.Clock.Sleep(ctx, o.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
		r, err := lookup(ctx)
		if err == nil {
			return r, nil
		}
		if !locator.IsLocateFailure(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (o *Orchestrator) resolveTarget(ctx context.Context, target string) (*locator.Resolved, error) {
	return o.resolve(ctx, func(ctx context.Context) (*locator.Resolved, error) {
		return o.deps.Locator.Resolve(ctx, target)
	})
}

func (o *Orchestrator) queries(target string) []string {
	spec, err := o.deps.Locator.Table().Spec(target)
	if err != nil {
		return nil
	}
	return spec.Candidates
}

func (o *Orchestrator) panelMarkers(name string) []string {
	panel, err := o.deps.Locator.Table().Panel(name)
	if err != nil {
		return nil
	}
	return panel.Markers
}

func (o *Orchestrator) click(ctx context.Context, step *Step, r *locator.Resolved, effect interact.Effect) (string, error) {
	out, err := o.deps.Executor.Execute(ctx, r, interact.Action{Kind: interact.KindClick, Effect: effect})
	if err != nil {
		return "", err
	}
	step.State = StateActed
	return out.Strategy, nil
}

func (o *Orchestrator) openNewItem(ctx context.Context, step *Step) (string, error) {
	r, err := o.resolveTarget(ctx, targetNewProject)
	if err != nil {
		return "", err
	}
	step.State = StateLocated
	effect := interact.AnyOf(
		interact.Appeared(o.deps.Page, o.queries(targetProjectType)...),
		interact.Appeared(o.deps.Page, o.queries(targetPromptField)...),
	)
	strategy, err := o.click(ctx, step, r, effect)
	if err != nil {
		return "", err
	}
	return "new project opened via " + strategy, nil
}

func (o *Orchestrator) selectType(ctx context.Context, step *Step, st *runState) (string, error) {
	r, err := o.resolveTarget(ctx, targetProjectType)
	if err != nil {
		return "", err
	}
	step.State = StateLocated

	current := r.Element.Label()
	for _, label := range projectTypeLabels(o.opts.Settings.ProjectType) {
		if strings.Contains(current, strings.ToLower(label)) {
			st.typeSet = true
			return "project type already " + label, nil
		}
	}

	strategy, err := o.click(ctx, step, r, interact.Appeared(o.deps.Page, o.panelMarkers(panelMenu)...))
	if err != nil {
		return "", err
	}
	return "type menu opened via " + strategy, nil
}

func (o *Orchestrator) confirmType(ctx context.Context, step *Step, st *runState) (string, error) {
	if st.typeSet {
		return "project type unchanged", nil
	}
	labels := projectTypeLabels(o.opts.Settings.ProjectType)
	r, err := o.resolve(ctx, func(ctx context.Context) (*locator.Resolved, error) {
		var last error
		for _, label := range labels {
			r, err := o.deps.Locator.ResolveValue(ctx, targetProjectOption, label)
			if err == nil || !locator.IsLocateFailure(err) {
				return r, err
			}
			last = err
		}
		return nil, last
	})
	if err != nil {
		return "", err
	}
	step.State = StateLocated

	strategy, err := o.click(ctx, step, r, interact.Disappeared(o.deps.Page, o.panelMarkers(panelMenu)...))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("selected %q via %s", r.Element.Text, strategy), nil
}

func (o *Orchestrator) dismiss(ctx context.Context, step *Step, panel string) (string, error) {
	res, err := o.deps.Dismisser.Dismiss(ctx, panel)
	if err != nil {
		return "", err
	}
	step.State = StateActed
	switch {
	case res.Steps == 0:
		return panel + " not open", nil
	case res.Dismissed:
		return fmt.Sprintf("%s closed via %s after %d step(s)", panel, res.Strategy, res.Steps), nil
	default:
		return fmt.Sprintf("%s still visible after %d step(s)", panel, res.Steps), errPanelOpen
	}
}

func (o *Orchestrator) openSettings(ctx context.Context, step *Step) (string, error) {
	markers := o.panelMarkers(panelSettings)
	if open, err := o.deps.Locator.Visible(ctx, markers); err != nil {
		return "", err
	} else if open {
		return "settings already open", nil
	}

	r, err := o.resolveTarget(ctx, targetSettingsButton)
	if err != nil {
		return "", err
	}
	step.State = StateLocated
	strategy, err := o.click(ctx, step, r, interact.Appeared(o.deps.Page, markers...))
	if err != nil {
		return "", err
	}
	return "settings opened via " + strategy, nil
}

// selectSetting reads the dropdown's current value and changes it only when
// it differs from want.
func (o *Orchestrator) selectSetting(ctx context.Context, step *Step, dropdown, option, want string, keySteps int) (string, error) {
	r, err := o.resolveTarget(ctx, dropdown)
	if err != nil {
		return "", err
	}
	step.State = StateLocated

	current := strings.TrimSpace(r.Element.Text)
	if hasToken(r.Element.Label(), want) {
		return fmt.Sprintf("already %s (%s)", want, current), nil
	}

	out, err := o.deps.Executor.Execute(ctx, r, interact.Action{
		Kind:         interact.KindSelect,
		OptionTarget: option,
		OptionValue:  want,
		Keyboard:     true,
		KeySteps:     keySteps,
		Effect:       tokenVisible(o.deps.Page, r.Query, want),
	})
	if err != nil {
		return "", err
	}
	step.State = StateActed
	return fmt.Sprintf("%s -> %s via %s", current, want, out.Strategy), nil
}

func (o *Orchestrator) locate(ctx context.Context, step *Step, target string, unscored bool) (string, error) {
	r, err := o.resolve(ctx, func(ctx context.Context) (*locator.Resolved, error) {
		if !unscored {
			return o.deps.Locator.Resolve(ctx, target)
		}
		spec, err := o.deps.Locator.Table().Spec(target)
		if err != nil {
			return nil, &locator.LocateError{Target: target, Cause: err}
		}
		spec.Score = nil
		return o.deps.Locator.ResolveSpec(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	step.State = StateLocated
	return fmt.Sprintf("found <%s> via candidate %d", r.Element.Tag, r.Candidate+1), nil
}

func (o *Orchestrator) enterPrompt(ctx context.Context, step *Step, st *runState) (string, error) {
	if strings.TrimSpace(st.prompt) == "" {
		return "", errors.New("prompt is empty")
	}
	r, err := o.resolveTarget(ctx, targetPromptField)
	if err != nil {
		return "", err
	}
	step.State = StateLocated
	out, err := o.deps.Executor.Execute(ctx, r, interact.Action{Kind: interact.KindType, Text: st.prompt})
	if err != nil {
		return "", err
	}
	step.State = StateActed
	return fmt.Sprintf("%d characters entered via %s", len([]rune(st.prompt)), out.Strategy), nil
}

func (o *Orchestrator) validateSubmit(ctx context.Context, step *Step, st *runState) (string, error) {
	r, err := o.resolveTarget(ctx, targetSendButton)
	if err != nil {
		return "", err
	}
	step.State = StateLocated
	st.submitScored = true
	return fmt.Sprintf("submit control scored %d", r.Score), nil
}

func (o *Orchestrator) activateSubmit(ctx context.Context, step *Step, st *runState) (string, error) {
	baseline, err := o.deps.Waiter.CountDone(ctx)
	if err != nil {
		return "", err
	}
	st.baseline = baseline

	r, err := o.resolve(ctx, func(ctx context.Context) (*locator.Resolved, error) {
		spec, err := o.deps.Locator.Table().Spec(targetSendButton)
		if err != nil {
			return nil, &locator.LocateError{Target: targetSendButton, Cause: err}
		}
		if !st.submitScored && spec.Score != nil {
			// Without a validated control, accept any match the rules do not
			// penalize.
			rules := *spec.Score
			rules.Threshold = 0
			spec.Score = &rules
		}
		return o.deps.Locator.ResolveSpec(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	step.State = StateLocated

	effect := interact.AnyOf(
		interact.Appeared(o.deps.Page, o.deps.Locator.Table().Completion.InProgress...),
		promptCleared(o.deps.Page, o.queries(targetPromptField), st.prompt),
	)
	strategy, err := o.click(ctx, step, r, effect)
	if err != nil {
		return "", err
	}
	return "submitted via " + strategy, nil
}

func (o *Orchestrator) waitForCompletion(ctx context.Context, step *Step, st *runState) (string, error) {
	out, err := o.deps.Waiter.Wait(ctx, st.baseline)
	st.result.Completion = out
	if err != nil {
		return "", err
	}
	step.State = StateActed
	if out.Status == waiter.StatusTimeout {
		return out.Detail, errCompletionTimeout
	}
	return out.Detail, nil
}

func (o *Orchestrator) collect(ctx context.Context, step *Step, st *runState) (string, error) {
	refs, err := o.deps.Collector.Collect(ctx)
	if err != nil {
		return "", err
	}
	step.State = StateActed
	st.result.Artifacts = append(st.result.Artifacts, refs...)
	if len(refs) == 0 {
		return "no new artifacts", errNoArtifacts
	}
	return fmt.Sprintf("%d new artifact(s)", len(refs)), nil
}

func (o *Orchestrator) downloadAll(ctx context.Context, step *Step, st *runState) (string, error) {
	refs := st.result.Artifacts
	if len(refs) == 0 {
		return "nothing to download", nil
	}
	results := o.deps.Downloader.DownloadAll(ctx, refs)
	st.result.Downloads = append(st.result.Downloads, results...)
	step.State = StateActed

	saved, triggered := 0, 0
	var errs []error
	for _, r := range results {
		switch {
		case r.Success:
			saved++
			o.deps.Metrics.ObserveDownload("saved", r.Bytes)
		case r.Triggered:
			triggered++
			o.deps.Metrics.ObserveDownload("triggered", 0)
		default:
			o.deps.Metrics.ObserveDownload("failed", 0)
			if r.Err != nil {
				if browser.IsSessionLost(r.Err) {
					return "", r.Err
				}
				errs = append(errs, r.Err)
			}
		}
	}
	detail := fmt.Sprintf("saved %d, triggered %d, failed %d", saved, triggered, len(results)-saved-triggered)
	if saved+triggered == 0 {
		return detail, errors.Join(append([]error{errNothingDelivered}, errs...)...)
	}
	return detail, nil
}

// hasToken reports whether label contains want as a whole word.
func hasToken(label, want string) bool {
	want = strings.ToLower(want)
	for _, f := range strings.Fields(label) {
		if strings.Trim(f, "()[],") == want {
			return true
		}
	}
	return false
}

func tokenVisible(page browser.Page, query, want string) interact.Effect {
	return func(ctx context.Context) (bool, error) {
		els, err := page.Find(ctx, query)
		if err != nil {
			return false, err
		}
		for _, el := range els {
			if el.Visible && hasToken(el.Label(), want) {
				return true, nil
			}
		}
		return false, nil
	}
}

// promptCleared is satisfied once no prompt field still holds the prompt,
// which the page does right after accepting a submission.
func promptCleared(page browser.Page, queries []string, prompt string) interact.Effect {
	head := strings.Join(strings.Fields(prompt), " ")
	if r := []rune(head); len(r) > 40 {
		head = string(r[:40])
	}
	return func(ctx context.Context) (bool, error) {
		seen := false
		for _, q := range queries {
			els, err := page.Find(ctx, q)
			if err != nil {
				if browser.IsSessionLost(err) {
					return false, err
				}
				continue
			}
			for _, el := range els {
				if !el.Visible {
					continue
				}
				seen = true
				if strings.Contains(strings.Join(strings.Fields(el.Value), " "), head) {
					return false, nil
				}
			}
		}
		return seen, nil
	}
}
