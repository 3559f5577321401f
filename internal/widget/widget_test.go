package widget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratcha/scratcha/internal/captcha"
	"github.com/scratcha/scratcha/internal/telemetry"
	"github.com/scratcha/scratcha/internal/transport"
)

// fakeService records the calls a widget makes, in order.
type fakeService struct {
	*httptest.Server
	mu        sync.Mutex
	calls     []string
	chunks    []transport.ChunkRequest
	chunkCode int
	problems  int
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	fs := &fakeService{chunkCode: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc(captcha.ProblemPath, func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.problems++
		fs.calls = append(fs.calls, "problem")
		fs.mu.Unlock()
		json.NewEncoder(w).Encode(captcha.Problem{
			ClientToken: "tok-1",
			Prompt:      "What is hidden?",
			Options:     []string{"cat", "dog", "owl", "fox"},
		})
	})
	mux.HandleFunc(transport.ChunkPath, func(w http.ResponseWriter, r *http.Request) {
		var req transport.ChunkRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fs.mu.Lock()
		fs.calls = append(fs.calls, "chunk")
		fs.chunks = append(fs.chunks, req)
		code := fs.chunkCode
		fs.mu.Unlock()
		w.WriteHeader(code)
	})
	mux.HandleFunc(captcha.VerifyPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok-1", r.Header.Get("X-Client-Token"))
		fs.mu.Lock()
		fs.calls = append(fs.calls, "verify")
		fs.mu.Unlock()
		result := "fail"
		if body["answer"] == "cat" {
			result = "success"
		}
		json.NewEncoder(w).Encode(map[string]string{"result": result})
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeService) snapshot() ([]string, []transport.ChunkRequest, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.calls...), append([]transport.ChunkRequest(nil), fs.chunks...), fs.problems
}

type harness struct {
	widget  *Widget
	tracker *telemetry.Tracker
	service *fakeService
	results chan Outcome
}

func newHarness(t *testing.T, cfg Config, senderCfg transport.Config) *harness {
	t.Helper()
	svc := newFakeService(t)

	layout := telemetry.NewLayout(telemetry.Viewport{Width: 1024, Height: 768}, 1)
	layout.Set(telemetry.RoleCanvasContainer, telemetry.Rect{Left: 0, Top: 0, Width: 300, Height: 300})
	layout.Set(telemetry.RoleAnswer1, telemetry.Rect{Left: 0, Top: 320, Width: 140, Height: 40})

	tcfg := telemetry.DefaultConfig()
	tcfg.DragFlushInterval = time.Hour
	tcfg.IdleFlushInterval = time.Hour
	tracker := telemetry.NewTracker(tcfg, layout, layout)

	client, err := captcha.NewClient(captcha.Config{Endpoint: svc.URL, APIKey: "key"})
	require.NoError(t, err)

	senderCfg.Endpoint = svc.URL
	senderCfg.ChunkSize = 2
	senderCfg.ChunkPause = time.Millisecond
	sender := transport.NewSender(senderCfg)

	h := &harness{tracker: tracker, service: svc, results: make(chan Outcome, 4)}
	cfg.OnResult = func(o Outcome) { h.results <- o }
	h.widget = New(cfg, client, tracker, sender)
	t.Cleanup(h.widget.Close)
	return h
}

func (h *harness) scratch() {
	h.tracker.Handle(telemetry.Input{Kind: telemetry.InputPointerDown, X: 50, Y: 50, PointerType: "mouse"})
	h.tracker.Handle(telemetry.Input{Kind: telemetry.InputPointerMove, X: 60, Y: 55})
	h.tracker.Handle(telemetry.Input{Kind: telemetry.InputPointerMove, X: 70, Y: 60})
	h.tracker.Handle(telemetry.Input{Kind: telemetry.InputPointerUp, X: 75, Y: 62})
	h.tracker.Handle(telemetry.Input{Kind: telemetry.InputClick, X: 20, Y: 330, Answer: "cat"})
}

func TestSelectAnswerShipsTelemetryBeforeVerifying(t *testing.T) {
	h := newHarness(t, Config{}, transport.Config{})
	ctx := context.Background()

	require.NoError(t, h.widget.Load(ctx))
	assert.Equal(t, StateAwaitingInteraction, h.widget.State())
	h.scratch()

	out, err := h.widget.SelectAnswer(ctx, "cat")
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.True(t, out.Success())
	assert.True(t, out.Transfer.OK())
	assert.Equal(t, 2, out.Transfer.TotalChunks)
	assert.Equal(t, StateVerified, h.widget.State())
	assert.Equal(t, &out, h.widget.LastOutcome())

	calls, chunks, _ := h.service.snapshot()
	assert.Equal(t, []string{"problem", "chunk", "chunk", "verify"}, calls)
	require.Len(t, chunks, 2)
	assert.Equal(t, "tok-1", chunks[0].ClientToken)
	var kinds []telemetry.EntryKind
	for _, c := range chunks {
		for _, e := range c.Events {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []telemetry.EntryKind{
		telemetry.KindPointerDown, telemetry.KindMoves, telemetry.KindPointerUp, telemetry.KindClick,
	}, kinds)

	select {
	case got := <-h.results:
		assert.True(t, got.Success())
	default:
		t.Fatal("OnResult was not called")
	}

	_, err = h.widget.SelectAnswer(ctx, "dog")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSelectAnswerBeforeLoad(t *testing.T) {
	h := newHarness(t, Config{}, transport.Config{})
	_, err := h.widget.SelectAnswer(context.Background(), "cat")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSizeExceededSkipsVerification(t *testing.T) {
	h := newHarness(t, Config{}, transport.Config{MaxTotalSize: 64})
	ctx := context.Background()
	require.NoError(t, h.widget.Load(ctx))
	h.scratch()

	out, err := h.widget.SelectAnswer(ctx, "cat")
	require.NoError(t, err)
	var sizeErr *transport.SizeExceededError
	require.ErrorAs(t, out.Err, &sizeErr)
	assert.Nil(t, out.Verdict)
	assert.False(t, out.Success())

	calls, _, _ := h.service.snapshot()
	assert.Equal(t, []string{"problem"}, calls)
	assert.Equal(t, StateVerified, h.widget.State())
}

func TestChunkFailureSkipsVerification(t *testing.T) {
	h := newHarness(t, Config{}, transport.Config{})
	h.service.mu.Lock()
	h.service.chunkCode = http.StatusServiceUnavailable
	h.service.mu.Unlock()
	ctx := context.Background()
	require.NoError(t, h.widget.Load(ctx))
	h.scratch()

	out, err := h.widget.SelectAnswer(ctx, "cat")
	require.NoError(t, err)
	var httpErr *transport.ChunkHTTPError
	require.ErrorAs(t, out.Err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Status)
	assert.Equal(t, transport.Failed, out.Transfer.Outcome)

	calls, _, _ := h.service.snapshot()
	assert.Equal(t, []string{"problem", "chunk"}, calls)
}

func TestAutoResetLoadsFreshProblem(t *testing.T) {
	h := newHarness(t, Config{AutoReset: true, ResetDelay: 10 * time.Millisecond}, transport.Config{})
	ctx := context.Background()
	require.NoError(t, h.widget.Load(ctx))
	h.scratch()

	out, err := h.widget.SelectAnswer(ctx, "dog")
	require.NoError(t, err)
	require.NoError(t, out.Err)
	assert.False(t, out.Success())

	require.Eventually(t, func() bool {
		return h.widget.State() == StateAwaitingInteraction
	}, time.Second, 5*time.Millisecond)

	_, _, problems := h.service.snapshot()
	assert.Equal(t, 2, problems)
	assert.Empty(t, h.tracker.EventData().Events, "a reset starts a clean telemetry session")
}

func TestManualReset(t *testing.T) {
	h := newHarness(t, Config{}, transport.Config{})
	ctx := context.Background()
	require.NoError(t, h.widget.Load(ctx))
	h.scratch()
	_, err := h.widget.SelectAnswer(ctx, "cat")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateVerified, h.widget.State(), "no automatic reset unless configured")

	require.NoError(t, h.widget.Reset(ctx))
	assert.Equal(t, StateAwaitingInteraction, h.widget.State())
	assert.NotNil(t, h.widget.Problem())
}

// gatedAPI blocks problem fetches until released.
type gatedAPI struct {
	entered chan struct{}
	release chan struct{}
}

func (a *gatedAPI) Problem(ctx context.Context) (*captcha.Problem, error) {
	a.entered <- struct{}{}
	<-a.release
	return &captcha.Problem{ClientToken: "tok-2", Options: []string{"cat", "dog"}}, nil
}

func (a *gatedAPI) Verify(context.Context, string, string) (*captcha.Verdict, error) {
	return nil, errors.New("unexpected verify")
}

func TestCloseDuringResetKeepsTrackingOff(t *testing.T) {
	layout := telemetry.NewLayout(telemetry.Viewport{Width: 1024, Height: 768}, 1)
	layout.Set(telemetry.RoleCanvasContainer, telemetry.Rect{Left: 0, Top: 0, Width: 300, Height: 300})
	tcfg := telemetry.DefaultConfig()
	tcfg.DragFlushInterval = time.Hour
	tcfg.IdleFlushInterval = time.Hour
	tracker := telemetry.NewTracker(tcfg, layout, layout)

	api := &gatedAPI{entered: make(chan struct{}), release: make(chan struct{})}
	w := New(Config{}, api, tracker, transport.NewSender(transport.Config{Endpoint: "http://unused.invalid"}))

	done := make(chan error, 1)
	go func() { done <- w.Reset(context.Background()) }()
	<-api.entered

	w.Close()
	close(api.release)
	require.ErrorIs(t, <-done, ErrClosed)

	tracker.Handle(telemetry.Input{Kind: telemetry.InputPointerDown, X: 50, Y: 50, PointerType: "mouse"})
	tracker.Handle(telemetry.Input{Kind: telemetry.InputPointerUp, X: 60, Y: 60})
	assert.Empty(t, tracker.EventData().Events)
	assert.Nil(t, w.Problem())

	assert.ErrorIs(t, w.Reset(context.Background()), ErrClosed)
	assert.ErrorIs(t, w.Load(context.Background()), ErrClosed)
}
