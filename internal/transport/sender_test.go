package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratcha/scratcha/internal/telemetry"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func makeSnapshot(n int) telemetry.Snapshot {
	events := make([]telemetry.Entry, n)
	for i := range events {
		events[i] = telemetry.PointerDown(int64(i*10), float64(100+i), 200)
	}
	return telemetry.Snapshot{
		Meta: telemetry.SessionMeta{
			Device:                "mouse",
			Viewport:              telemetry.Viewport{Width: 1280, Height: 800},
			DevicePixelRatio:      1,
			TimestampResolutionMs: 1,
			RegionMap: map[string]telemetry.Rect{
				telemetry.RoleCanvasContainer: {Left: 100, Top: 100, Width: 400, Height: 400},
			},
		},
		Events: events,
	}
}

type chunkServer struct {
	*httptest.Server
	mu       sync.Mutex
	chunks   []ChunkRequest
	requests atomic.Int32
}

func newChunkServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, req ChunkRequest)) *chunkServer {
	t.Helper()
	cs := &chunkServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ChunkPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		var req ChunkRequest
		if !assert.NoError(t, json.Unmarshal(body, &req)) {
			http.Error(w, "bad chunk", http.StatusBadRequest)
			return
		}

		cs.mu.Lock()
		cs.chunks = append(cs.chunks, req)
		cs.mu.Unlock()

		if handle != nil {
			handle(w, r, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chunkServer) received() []ChunkRequest {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]ChunkRequest(nil), cs.chunks...)
}

func newTestSender(endpoint string, mutate func(*Config)) *Sender {
	cfg := Config{
		Endpoint:   endpoint,
		ChunkPause: time.Millisecond,
		Clock:      func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSender(cfg)
}

func TestSendAllChunksPartitionsEvents(t *testing.T) {
	srv := newChunkServer(t, nil)
	var successes int
	s := newTestSender(srv.URL, func(c *Config) {
		c.Callbacks.OnSuccess = func(Result) { successes++ }
	})

	snap := makeSnapshot(120)
	s.SetClientToken("tok-123")
	require.NoError(t, s.SetEventData(snap))

	res := s.SendAllChunks(context.Background())
	require.True(t, res.OK(), "unexpected error: %v", res.Err)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 3, res.SentChunks)
	assert.Equal(t, s.SessionID(), res.SessionID)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, 1, successes)

	chunks := srv.received()
	require.Len(t, chunks, 3)
	var reassembled []telemetry.Entry
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 3, c.TotalChunks)
		assert.Equal(t, "tok-123", c.ClientToken)
		assert.Equal(t, fixedNow.UnixMilli(), c.Timestamp)
		require.NotNil(t, c.Meta)
		assert.Equal(t, "mouse", c.Meta.Device)
		reassembled = append(reassembled, c.Events...)
	}
	assert.Len(t, chunks[0].Events, 50)
	assert.Len(t, chunks[1].Events, 50)
	assert.Len(t, chunks[2].Events, 20)
	assert.Equal(t, snap.Events, reassembled)

	status := s.Status()
	assert.True(t, status.Complete)
	assert.False(t, status.Sending)
	assert.Equal(t, 3, status.SentChunks)
}

func TestChunksRoundTrip(t *testing.T) {
	events := makeSnapshot(101).Events
	for _, size := range []int{1, 7, 50, 101, 200} {
		chunks := Chunks(events, size)
		assert.Len(t, chunks, chunkCount(len(events), size))

		var joined []telemetry.Entry
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), size)
			joined = append(joined, c...)
		}
		assert.Equal(t, events, joined)
	}
	assert.Empty(t, Chunks(nil, 50))
}

func TestSetEventDataSizeBoundary(t *testing.T) {
	var exceeded []SizeInfo
	s := newTestSender("http://unused.invalid", func(c *Config) {
		c.Callbacks.OnSizeExceeded = func(info SizeInfo) { exceeded = append(exceeded, info) }
	})
	snap := makeSnapshot(40)

	require.NoError(t, s.SetEventData(snap))
	s.mu.Lock()
	info, err := s.measureLocked()
	s.mu.Unlock()
	require.NoError(t, err)

	s.cfg.MaxTotalSize = info.ActualSize
	require.NoError(t, s.SetEventData(snap), "a payload exactly at the ceiling is accepted")
	assert.Empty(t, exceeded)

	s.cfg.MaxTotalSize = info.ActualSize - 1
	err = s.SetEventData(snap)
	var sizeErr *SizeExceededError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, info.ActualSize, sizeErr.ActualSize)
	assert.Equal(t, info.ActualSize-1, sizeErr.MaxSize)
	assert.Equal(t, 40, sizeErr.EventCount)

	require.Len(t, exceeded, 1)
	assert.Equal(t, SizeInfo{ActualSize: info.ActualSize, MaxSize: info.ActualSize - 1, EventCount: 40}, exceeded[0])
}

func TestSetEventDataOversizedClearsChunkCounts(t *testing.T) {
	s := newTestSender("http://unused.invalid", func(c *Config) { c.ChunkSize = 10 })
	require.NoError(t, s.SetEventData(makeSnapshot(35)))
	assert.Equal(t, 4, s.Status().TotalChunks)

	s.cfg.MaxTotalSize = 10
	var sizeErr *SizeExceededError
	require.ErrorAs(t, s.SetEventData(makeSnapshot(12)), &sizeErr)

	status := s.Status()
	assert.Zero(t, status.TotalChunks)
	assert.Zero(t, status.SentChunks)
}

func TestSendAllChunksRejectsOversizedPayload(t *testing.T) {
	srv := newChunkServer(t, nil)
	var exceeded int
	s := newTestSender(srv.URL, func(c *Config) {
		c.Callbacks.OnSizeExceeded = func(SizeInfo) { exceeded++ }
	})
	require.NoError(t, s.SetEventData(makeSnapshot(10)))

	s.cfg.MaxTotalSize = 10
	res := s.SendAllChunks(context.Background())

	assert.Equal(t, SizeRejected, res.Outcome)
	require.NotNil(t, res.Size)
	assert.Equal(t, 10, res.Size.EventCount)
	assert.Equal(t, 1, exceeded)
	assert.Zero(t, srv.requests.Load())
	assert.Equal(t, StateSizeRejected, s.State())
}

func TestSendAllChunksTimeout(t *testing.T) {
	srv := newChunkServer(t, func(w http.ResponseWriter, r *http.Request, _ ChunkRequest) {
		<-r.Context().Done()
	})
	var timeouts []string
	var errs int
	s := newTestSender(srv.URL, func(c *Config) {
		c.Timeout = 50 * time.Millisecond
		c.ChunkSize = 5
		c.Callbacks.OnTimeout = func(msg string) { timeouts = append(timeouts, msg) }
		c.Callbacks.OnError = func(error) { errs++ }
	})
	require.NoError(t, s.SetEventData(makeSnapshot(12)))

	res := s.SendAllChunks(context.Background())

	assert.Equal(t, TimedOut, res.Outcome)
	var timeoutErr *ChunkTimeoutError
	require.ErrorAs(t, res.Err, &timeoutErr)
	assert.Equal(t, 0, timeoutErr.ChunkIndex)
	require.Len(t, timeouts, 1)
	assert.Contains(t, timeouts[0], "timed out")
	assert.Zero(t, errs)
	assert.Equal(t, int32(1), srv.requests.Load(), "no chunk is dispatched after a timeout")
	assert.Equal(t, StateTimedOut, s.State())
	assert.False(t, s.Status().Sending)
}

func TestSendAllChunksHTTPError(t *testing.T) {
	srv := newChunkServer(t, func(w http.ResponseWriter, r *http.Request, req ChunkRequest) {
		if req.ChunkIndex == 1 {
			http.Error(w, "invalid client token", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	var errs []error
	s := newTestSender(srv.URL, func(c *Config) {
		c.ChunkSize = 2
		c.Callbacks.OnError = func(err error) { errs = append(errs, err) }
	})
	require.NoError(t, s.SetEventData(makeSnapshot(6)))

	res := s.SendAllChunks(context.Background())

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 1, res.SentChunks)
	var httpErr *ChunkHTTPError
	require.ErrorAs(t, res.Err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, "invalid client token", httpErr.Body)
	assert.Equal(t, 1, httpErr.ChunkIndex)
	require.Len(t, errs, 1)
	assert.Equal(t, int32(2), srv.requests.Load())
}

func TestSendAllChunksSingleFlight(t *testing.T) {
	release := make(chan struct{})
	srv := newChunkServer(t, func(w http.ResponseWriter, r *http.Request, _ ChunkRequest) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	var successes atomic.Int32
	s := newTestSender(srv.URL, func(c *Config) {
		c.Callbacks.OnSuccess = func(Result) { successes.Add(1) }
	})
	require.NoError(t, s.SetEventData(makeSnapshot(30)))

	results := make(chan Result, 2)
	go func() { results <- s.SendAllChunks(context.Background()) }()
	require.Eventually(t, func() bool { return srv.requests.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateSending, s.State())

	go func() { results <- s.SendAllChunks(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	assert.True(t, first.OK())
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), srv.requests.Load(), "the second call must not start another transfer")
	assert.Equal(t, int32(1), successes.Load())

	again := s.SendAllChunks(context.Background())
	assert.ErrorIs(t, again.Err, ErrSessionFinished)
	assert.Equal(t, int32(1), srv.requests.Load())
}

func TestSendAllChunksWithoutEvents(t *testing.T) {
	s := newTestSender("http://unused.invalid", nil)
	res := s.SendAllChunks(context.Background())
	assert.Equal(t, Failed, res.Outcome)
	assert.True(t, errors.Is(res.Err, ErrNoEvents))
}

func TestStartNewSessionResetsState(t *testing.T) {
	srv := newChunkServer(t, nil)
	s := newTestSender(srv.URL, nil)
	s.SetClientToken("tok")
	require.NoError(t, s.SetEventData(makeSnapshot(3)))
	require.True(t, s.SendAllChunks(context.Background()).OK())

	before := s.SessionID()
	s.StartNewSession()

	assert.NotEqual(t, before, s.SessionID())
	assert.Regexp(t, `^session_[0-9a-f-]{36}$`, s.SessionID())
	assert.Equal(t, StateIdle, s.State())
	status := s.Status()
	assert.Zero(t, status.TotalChunks)
	assert.Zero(t, status.SentChunks)

	res := s.SendAllChunks(context.Background())
	assert.ErrorIs(t, res.Err, ErrNoEvents)

	require.NoError(t, s.SetEventData(makeSnapshot(3)))
	assert.True(t, s.SendAllChunks(context.Background()).OK())
	assert.Equal(t, int32(2), srv.requests.Load())
}
