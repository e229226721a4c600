package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/veo-automator/internal/artifacts"
	"github.com/jonathan/veo-automator/internal/browser"
	"github.com/jonathan/veo-automator/internal/browser/browsertest"
	"github.com/jonathan/veo-automator/internal/clock"
	"github.com/jonathan/veo-automator/internal/download"
	"github.com/jonathan/veo-automator/internal/interact"
	"github.com/jonathan/veo-automator/internal/locator"
	"github.com/jonathan/veo-automator/internal/overlay"
	"github.com/jonathan/veo-automator/internal/waiter"
)

const (
	promptQuery = "//textarea[@id='PINHOLE_TEXT_AREA_ELEMENT_ID']"
	sendQuery   = "//button[.//i[normalize-space(.)='arrow_forward']]"
	doneQuery   = "//video[@src]"
)

type harness struct {
	page  *browsertest.Page
	clock *clock.Fake
	dir   string
	orch  *Orchestrator
}

// newHarness wires real components over a fake page that behaves like the
// prompt bar: typing fills the textarea and submitting clears it and, when
// finish is set, shows a finished video.
func newHarness(t *testing.T, finish bool) *harness {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	}))
	t.Cleanup(srv.Close)

	page := browsertest.New()
	page.SetHTML(`<html><body><div><video src="` + srv.URL + `/clip.mp4"></video></div></body></html>`)
	page.Set(promptQuery, browsertest.Visible("ta", "textarea", ""))
	send := browsertest.Visible("send", "button", "arrow_forward")
	page.Set(sendQuery, send)

	page.OnAction = func(p *browsertest.Page, method string, el browser.Element, _ string) error {
		switch {
		case method == "insert-text":
			field := browsertest.Visible("ta", "textarea", "")
			inserted := p.Inserted()
			field.Value = inserted[len(inserted)-1]
			p.Set(promptQuery, field)
		case method == "click" && el.Handle == "send":
			p.Set(promptQuery, browsertest.Visible("ta", "textarea", ""))
			if finish {
				p.Set(doneQuery, browsertest.Visible("v1", "video", ""))
			}
		}
		return nil
	}

	table, err := locator.DefaultTable()
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	loc := locator.New(page, table, clk, nil)
	dir := t.TempDir()

	orch := New(Deps{
		Page:      page,
		Locator:   loc,
		Executor:  interact.NewExecutor(page, loc, clk, 0, nil),
		Dismisser: overlay.New(page, loc, clk, 0, nil),
		Waiter: waiter.New(page, browsertest.NewSession(), table.Completion, clk, waiter.Options{
			InitialDelay: time.Second,
			PollInterval: 10 * time.Second,
			Ceiling:      30 * time.Second,
		}, nil),
		Collector:  artifacts.NewCollector(page, artifacts.NewSeenSet(), clk, artifacts.Options{Attempts: 1, Delay: time.Second}, nil),
		Downloader: download.New(page, loc, &download.Sequence{}, download.Options{Dir: dir, Retries: 1}, nil),
		Clock:      clk,
	}, Options{Settings: DefaultSettings(), RetryDelay: time.Second})

	return &harness{page: page, clock: clk, dir: dir, orch: orch}
}

func states(steps []Step) []State {
	out := make([]State, len(steps))
	for i, s := range steps {
		out[i] = s.State
	}
	return out
}

func TestRun_TailCompletesAndDownloads(t *testing.T) {
	h := newHarness(t, true)
	var events []ProgressEvent

	res, err := h.orch.Run(context.Background(), RunOptions{
		Mode:        ModeTail,
		Prompt:      "a red fox running through snow",
		PromptIndex: 2,
		BatchID:     "b1",
		OnProgress:  func(e ProgressEvent) { events = append(events, e) },
	})
	require.NoError(t, err)

	require.Len(t, res.Steps, 8)
	assert.Equal(t, StepLocatePromptField, res.Steps[0].Name)
	for _, s := range res.Steps {
		assert.Equal(t, StateSucceeded, s.State, s.Name)
	}
	assert.Equal(t, waiter.StatusCompleted, res.Completion.Status)
	require.Len(t, res.Artifacts, 1)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Delivered())
	assert.Equal(t, []string{filepath.Join(h.dir, "1.mp4")}, res.Files())

	data, err := os.ReadFile(filepath.Join(h.dir, "1.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	assert.Equal(t, []string{"", "a red fox running through snow"}, h.page.Inserted())

	require.Len(t, events, 8)
	assert.Equal(t, "b1", events[0].BatchID)
	assert.Equal(t, 2, events[0].PromptIndex)
	assert.Equal(t, 1, events[0].StepIndex)
	assert.Equal(t, 8, events[7].StepTotal)
	assert.Equal(t, 100, events[7].Percent)
	assert.Equal(t, StepDownloadAll, events[7].Step)
}

// Setup controls of a fresh project page, keyed by the first table candidate
// the fake answers for.
const (
	newProjectQuery     = "//button[contains(normalize-space(.), 'Dự án mới')]"
	typeDropdownQuery   = "//button[contains(., 'arrow_drop_down')][contains(., 'video') or contains(., 'Video')]"
	typeOptionQuery     = "//*[@role='option'][contains(normalize-space(.), 'Text to Video')]"
	menuQuery           = "//*[@role='listbox']"
	tuneQuery           = "//button[.//i[normalize-space(.)='tune']]"
	settingsDialogQuery = "//*[@role='dialog'][.//*[contains(., 'Mô hình') or contains(., 'Model')]]"
	modelQuery          = "//button[@role='combobox'][contains(., 'Mô hình') or contains(., 'Model')]"
	fastQuery           = "//*[@role='option'][contains(normalize-space(.), 'Fast')]"
	countQuery          = "//button[@role='combobox'][contains(., 'Outputs per prompt')]"
	twoQuery            = "//*[@role='option'][normalize-space(.)='2']"
	aspectQuery         = "//button[@role='combobox'][contains(., 'Tỷ lệ khung hình') or contains(., 'Aspect ratio')]"
	landscapeQuery      = "//*[@role='option'][contains(normalize-space(.), '16:9')]"
)

func combobox(handle, text string) browser.Element {
	el := browsertest.Visible(handle, "button", text)
	el.Attrs["role"] = "combobox"
	return el
}

// scriptSetup makes the page behave like a new project whose type and
// settings all differ from the defaults: every trigger opens its options and
// every option rewrites the trigger's label.
func scriptSetup(page *browsertest.Page) {
	page.Set(newProjectQuery, browsertest.Visible("new", "button", "add Dự án mới"))

	prompt := page.OnAction
	page.OnAction = func(p *browsertest.Page, method string, el browser.Element, arg string) error {
		switch {
		case method == "key" && arg == string(browser.KeyEscape):
			p.Clear(settingsDialogQuery)
		case method != "click":
		case el.Handle == "new":
			p.Set(typeDropdownQuery, browsertest.Visible("type", "button", "Frames to Video arrow_drop_down"))
		case el.Handle == "type":
			p.Set(menuQuery, browsertest.Visible("menu", "div", ""))
			p.Set(typeOptionQuery, browsertest.Visible("opt-t2v", "div", "Text to Video"))
		case el.Handle == "opt-t2v":
			p.Clear(menuQuery)
			p.Clear(typeOptionQuery)
			p.Set(typeDropdownQuery, browsertest.Visible("type", "button", "Text to Video arrow_drop_down"))
		case el.Handle == "tune":
			p.Set(settingsDialogQuery, browsertest.Visible("dialog", "div", "Model Outputs per prompt Aspect ratio"))
			p.Set(modelQuery, combobox("model", "Model Veo 3 - Quality arrow_drop_down"))
			p.Set(countQuery, combobox("count", "Outputs per prompt 1 arrow_drop_down"))
			p.Set(aspectQuery, combobox("aspect", "Aspect ratio 9:16 crop_portrait"))
		case el.Handle == "model":
			p.Set(fastQuery, browsertest.Visible("opt-fast", "div", "Veo 3 - Fast"))
		case el.Handle == "opt-fast":
			p.Clear(fastQuery)
			p.Set(modelQuery, combobox("model", "Model Veo 3 - Fast arrow_drop_down"))
		case el.Handle == "count":
			p.Set(twoQuery, browsertest.Visible("opt-2", "div", "2"))
		case el.Handle == "opt-2":
			p.Clear(twoQuery)
			p.Set(countQuery, combobox("count", "Outputs per prompt 2 arrow_drop_down"))
		case el.Handle == "aspect":
			p.Set(landscapeQuery, browsertest.Visible("opt-169", "div", "16:9"))
		case el.Handle == "opt-169":
			p.Clear(landscapeQuery)
			p.Set(aspectQuery, combobox("aspect", "Aspect ratio 16:9 crop_landscape"))
		}
		return prompt(p, method, el, arg)
	}
}

func TestRun_FullSequenceAppliesSettings(t *testing.T) {
	h := newHarness(t, true)
	scriptSetup(h.page)
	var events []ProgressEvent

	res, err := h.orch.Run(context.Background(), RunOptions{
		Mode:       ModeFull,
		Prompt:     "lighthouse in a storm",
		OnProgress: func(e ProgressEvent) { events = append(events, e) },
	})
	require.NoError(t, err)

	var names []string
	for _, d := range Sequence(ModeFull) {
		names = append(names, d.Name)
	}
	var ran []string
	for _, s := range res.Steps {
		ran = append(ran, s.Name)
		assert.Equal(t, StateSucceeded, s.State, "%s: %s", s.Name, s.Detail)
	}
	assert.Equal(t, names, ran)
	require.Len(t, events, 17)
	for i, e := range events {
		assert.Equal(t, names[i], e.Step)
	}

	assert.Equal(t, []string{
		"click:new",
		"click:type", "click:opt-t2v",
		"click:tune",
		"click:model", "click:opt-fast",
		"click:count", "click:opt-2",
		"click:aspect", "click:opt-169",
		"click:send",
	}, h.page.CallsWithPrefix("click:"))

	assert.Equal(t, `selected "Text to Video" via native`, res.Steps[2].Detail)
	assert.Equal(t, "menu not open", res.Steps[3].Detail)
	assert.Contains(t, res.Steps[5].Detail, "-> Fast")
	assert.Contains(t, res.Steps[6].Detail, "-> 2")
	assert.Contains(t, res.Steps[7].Detail, "-> 16:9")
	assert.Equal(t, "settings closed via escape-keys after 1 step(s)", res.Steps[8].Detail)
	assert.Len(t, h.page.CallsWithPrefix("key:Escape"), 3)

	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{filepath.Join(h.dir, "1.mp4")}, res.Files())
}

func TestRun_FullSequenceKeepsMatchingSettings(t *testing.T) {
	h := newHarness(t, true)
	h.page.Set(newProjectQuery, browsertest.Visible("new", "button", "Dự án mới"))
	h.page.Set(typeDropdownQuery, browsertest.Visible("type", "button", "Text to Video arrow_drop_down"))
	h.page.Set(settingsDialogQuery, browsertest.Visible("dialog", "div", "Model"))
	h.page.Set(modelQuery, combobox("model", "Model Veo 3 - Fast arrow_drop_down"))
	h.page.Set(countQuery, combobox("count", "Outputs per prompt 2 arrow_drop_down"))
	h.page.Set(aspectQuery, combobox("aspect", "Aspect ratio 16:9 crop_landscape"))
	prompt := h.page.OnAction
	h.page.OnAction = func(p *browsertest.Page, method string, el browser.Element, arg string) error {
		if method == "key" && arg == string(browser.KeyEscape) {
			p.Clear(settingsDialogQuery)
		}
		return prompt(p, method, el, arg)
	}

	res, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeFull, Prompt: "desert dunes"})
	require.NoError(t, err)

	for _, s := range res.Steps {
		assert.Equal(t, StateSucceeded, s.State, s.Name)
	}
	assert.Equal(t, "project type already Text to Video", res.Steps[1].Detail)
	assert.Equal(t, "project type unchanged", res.Steps[2].Detail)
	assert.Equal(t, "settings already open", res.Steps[4].Detail)
	assert.Contains(t, res.Steps[5].Detail, "already Fast")
	assert.Contains(t, res.Steps[6].Detail, "already 2")
	assert.Contains(t, res.Steps[7].Detail, "already 16:9")
	assert.Equal(t, []string{"click:new", "click:send"}, h.page.CallsWithPrefix("click:"))
}

func TestRun_CompletionTimeoutIsNotFatal(t *testing.T) {
	h := newHarness(t, false)

	res, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeTail, Prompt: "waves"})
	require.NoError(t, err)

	wait := res.Steps[5]
	assert.Equal(t, StepWaitForCompletion, wait.Name)
	assert.Equal(t, StateFailed, wait.State)
	assert.Equal(t, ClassCompletionTimeout, wait.Class)
	assert.Equal(t, waiter.StatusTimeout, res.Completion.Status)

	assert.Equal(t, StateSucceeded, res.Steps[6].State)
	assert.Equal(t, StateSucceeded, res.Steps[7].State)
	assert.False(t, res.Aborted)
	assert.True(t, res.Succeeded())
}

func TestRun_SetupFailuresContinueUntilCriticalStep(t *testing.T) {
	h := newHarness(t, true)
	h.page.Clear(promptQuery)
	var events int

	res, err := h.orch.Run(context.Background(), RunOptions{
		Mode:       ModeFull,
		Prompt:     "city at night",
		OnProgress: func(ProgressEvent) { events++ },
	})
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepLocatePromptField, stepErr.Step)
	assert.Equal(t, ClassLocateFailure, stepErr.Class)
	assert.True(t, locator.IsLocateFailure(err))

	assert.True(t, res.Aborted)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 10, events)
	assert.Equal(t, []State{
		StateFailed, StateFailed, StateFailed, StateSucceeded, StateFailed,
		StateFailed, StateFailed, StateFailed, StateSucceeded, StateFailed,
		StatePending, StatePending, StatePending, StatePending, StatePending, StatePending, StatePending,
	}, states(res.Steps))
	assert.Equal(t, ClassLocateFailure, res.Steps[0].Class)
	assert.Equal(t, "menu not open", res.Steps[3].Detail)
}

func TestRun_LocateRetriesWaitBetweenLookups(t *testing.T) {
	h := newHarness(t, true)
	h.page.Clear(promptQuery)
	h.orch.opts.LocateRetries = 2

	_, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeTail, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, 2*time.Second, h.clock.Elapsed())
	assert.Len(t, h.page.CallsWithPrefix("find:"+promptQuery), 3)
}

func TestRun_UnvalidatedSubmitAcceptsNeutralControl(t *testing.T) {
	h := newHarness(t, true)
	h.page.Set(sendQuery, browsertest.Visible("send", "button", ""))

	res, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeTail, Prompt: "rain on glass"})
	require.NoError(t, err)

	assert.Equal(t, StepValidateSubmit, res.Steps[3].Name)
	assert.Equal(t, StateFailed, res.Steps[3].State)
	assert.Equal(t, StateSucceeded, res.Steps[4].State)
	assert.Equal(t, []string{"click:send"}, h.page.CallsWithPrefix("click:"))
	assert.True(t, res.Succeeded())
}

func TestRun_UnvalidatedSubmitRejectsPenalizedControl(t *testing.T) {
	h := newHarness(t, true)
	h.page.Set(sendQuery, browsertest.Visible("send", "button", "tune"))

	res, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeTail, Prompt: "rain on glass"})
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepActivateSubmit, stepErr.Step)
	assert.Equal(t, ClassLocateFailure, stepErr.Class)
	assert.True(t, res.Aborted)
	assert.Empty(t, h.page.CallsWithPrefix("click:"))
}

func TestRun_StopBetweenSteps(t *testing.T) {
	h := newHarness(t, true)
	stop := false

	res, err := h.orch.Run(context.Background(), RunOptions{
		Mode:       ModeTail,
		Prompt:     "x",
		ShouldStop: func() bool { return stop },
		OnProgress: func(ProgressEvent) { stop = true },
	})
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, res.Stopped)
	assert.False(t, res.Aborted)
	assert.Equal(t, StateSucceeded, res.Steps[0].State)
	assert.Equal(t, StatePending, res.Steps[1].State)
	assert.Equal(t, ClassStopped, Classify(err))
}

func TestRun_SessionLostAborts(t *testing.T) {
	h := newHarness(t, true)
	h.page.Lose()

	res, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeFull, Prompt: "x"})
	require.Error(t, err)
	assert.True(t, browser.IsSessionLost(err))
	assert.True(t, res.Aborted)
	assert.Equal(t, ClassSessionLost, res.Steps[0].Class)
	assert.Equal(t, StatePending, res.Steps[1].State)
}

func TestRun_EmptyPromptFailsEntry(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.orch.Run(context.Background(), RunOptions{Mode: ModeTail, Prompt: "   "})
	require.Error(t, err)
	assert.Equal(t, StepEnterPromptText, res.Steps[1].Name)
	assert.Equal(t, StateFailed, res.Steps[1].State)
	assert.Equal(t, ClassError, res.Steps[1].Class)
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Run(ctx, RunOptions{Mode: ModeTail, Prompt: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Aborted)
	assert.Empty(t, h.page.Calls())
}

func TestSequence(t *testing.T) {
	assert.Len(t, Sequence(ModeFull), 17)
	tail := Sequence(ModeTail)
	require.Len(t, tail, 8)
	assert.Equal(t, StepLocatePromptField, tail[0].Name)
	assert.Equal(t, StepDownloadAll, tail[7].Name)

	d, err := Lookup(StepActivateSubmit)
	require.NoError(t, err)
	assert.True(t, d.Critical)
	_, err = Lookup("nope")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ClassNone},
		{&browser.SessionLostError{Message: "gone"}, ClassSessionLost},
		{&locator.LocateError{Target: "t"}, ClassLocateFailure},
		{&interact.BlockedError{Target: "t"}, ClassInteractionBlocked},
		{&download.DownloadError{Address: "https://x"}, ClassDownloadFailure},
		{errCompletionTimeout, ClassCompletionTimeout},
		{errNoArtifacts, ClassNoArtifacts},
		{ErrStopped, ClassStopped},
		{context.Canceled, ClassCanceled},
		{errors.New("other"), ClassError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestSettings_Normalize(t *testing.T) {
	s, changed := Settings{ProjectType: "Text to Video", Model: "Veo 3 - Quality", OutputCount: 9, AspectRatio: "9 : 16"}.Normalize()
	assert.Equal(t, Settings{ProjectType: ProjectTextToVideo, Model: ModelQuality, OutputCount: 2, AspectRatio: AspectPortrait}, s)
	assert.Equal(t, []string{"output_count"}, changed)

	s, changed = Settings{}.Normalize()
	assert.Equal(t, DefaultSettings(), s)
	assert.Len(t, changed, 4)
}

func TestHasToken(t *testing.T) {
	assert.True(t, hasToken("câu trả lời đầu ra cho mỗi câu lệnh 2 arrow_drop_down", "2"))
	assert.False(t, hasToken("outputs per prompt 4", "2"))
	assert.True(t, hasToken("aspect ratio 16:9", "16:9"))
}
