package artifacts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/veo-automator/internal/browser/browsertest"
	"github.com/jonathan/veo-automator/internal/clock"
)

const resultPage = `<html><body>
<div class="grid">
  <div class="tile">
    <video src="blob:https://labs.google/1f2e"></video>
    <button aria-label="Tải xuống"><i>download</i></button>
  </div>
  <div class="tile">
    <video><source src="https://cdn.example.com/v/abc.mp4?sig=1"></video>
  </div>
  <a href="/files/clip.webm">clip</a>
  <a href="https://example.com/page">not a video</a>
  <video src="https://cdn.example.com/hidden.mp4" style="display: none"></video>
</div>
</body></html>`

func TestClassify(t *testing.T) {
	tests := []struct {
		address string
		ext     string
		ok      bool
	}{
		{"blob:https://labs.google/abc", "mp4", true},
		{"data:video/webm;base64,AAAA", "webm", true},
		{"data:video/quicktime;base64,AAAA", "mov", true},
		{"https://x.com/a/b.MP4", "mp4", true},
		{"https://x.com/a/b.mov?x=1", "mov", true},
		{"https://x.com/stream?mime=video%2Fwebm", "webm", true},
		{"https://x.com/stream?file=out.mp4", "mp4", true},
		{"https://x.com/a/b.png", "", false},
		{"ftp://x.com/a.mp4", "", false},
		{"/relative.mp4", "", false},
		{"data:image/png;base64,AAAA", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			ext, ok := Classify(tt.address)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ext, ext)
		})
	}
}

func TestParse(t *testing.T) {
	now := time.Unix(100, 0)
	refs, err := Parse(resultPage, "https://labs.google/fx/vi/tools/flow/project/1", now)
	require.NoError(t, err)
	require.Len(t, refs, 3)

	assert.Equal(t, "blob:https://labs.google/1f2e", refs[0].Address)
	assert.Equal(t, KindDirect, refs[0].Kind)
	assert.True(t, refs[0].Ephemeral())
	assert.Equal(t, "/html[1]/body[1]/div[1]/div[1]/button[1]", refs[0].Trigger)

	assert.Equal(t, "https://cdn.example.com/v/abc.mp4?sig=1", refs[1].Address)
	assert.Empty(t, refs[1].Trigger)

	assert.Equal(t, "https://labs.google/files/clip.webm", refs[2].Address)
	assert.Equal(t, KindLink, refs[2].Kind)
	assert.Equal(t, "webm", refs[2].Ext)
	assert.Equal(t, now, refs[2].DiscoveredAt)
}

func TestParse_ButtonWithoutVideoSourceIsSkipped(t *testing.T) {
	refs, err := Parse(`<div><button>Download</button></div>`, "https://labs.google/", time.Now())
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestScan_ClaimsEachAddressOnce(t *testing.T) {
	page := browsertest.New()
	page.SetHTML(resultPage)
	seen := NewSeenSet()
	c := NewCollector(page, seen, clock.NewFake(time.Unix(0, 0)), Options{}, nil)
	ctx := context.Background()

	first, err := c.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	again, err := c.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 3, seen.Len())
}

func TestScan_OnlyNewAfterMorePrompts(t *testing.T) {
	page := browsertest.New()
	page.SetHTML(`<video src="https://cdn/a.mp4"></video>`)
	c := NewCollector(page, NewSeenSet(), nil, Options{}, nil)
	ctx := context.Background()

	_, err := c.Scan(ctx)
	require.NoError(t, err)

	page.SetHTML(`<video src="https://cdn/b.mp4"></video><video src="https://cdn/a.mp4"></video>`)
	refs, err := c.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "https://cdn/b.mp4", refs[0].Address)
}

func TestCollect_RetriesWhenNothingNew(t *testing.T) {
	page := browsertest.New()
	clk := clock.NewFake(time.Unix(0, 0))
	c := NewCollector(page, NewSeenSet(), clk, Options{Attempts: 3, Delay: 5 * time.Second}, nil)

	refs, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Len(t, page.CallsWithPrefix("html"), 3)
	assert.Equal(t, 10*time.Second, clk.Elapsed())
}

func TestSeenSet_ConcurrentClaimsAtMostOnce(t *testing.T) {
	seen := NewSeenSet()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if seen.Claim("blob:x") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, seen.Contains("blob:x"))

	seen.Reset()
	assert.Equal(t, 0, seen.Len())
	assert.True(t, seen.Claim("blob:x"))
	assert.Equal(t, []string{"blob:x"}, seen.Snapshot())
}
