package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/telemetry"
	"github.com/scratcha/scratcha/internal/transport"
)

func testAssembler() *Assembler {
	return NewAssembler(NewMemoryStore(), config.AssemblyConfig{TTL: time.Minute, MaxChunks: 100})
}

func chunkRequests(token string, events []telemetry.Entry, size int) []transport.ChunkRequest {
	meta := &telemetry.SessionMeta{
		Device:                "mouse",
		Viewport:              telemetry.Viewport{Width: 1280, Height: 800},
		DevicePixelRatio:      2,
		TimestampResolutionMs: 1,
		RegionMap: map[string]telemetry.Rect{
			telemetry.RoleCanvasContainer: {Left: 10, Top: 20, Width: 300, Height: 200},
		},
	}
	parts := transport.Chunks(events, size)
	reqs := make([]transport.ChunkRequest, len(parts))
	for i, p := range parts {
		reqs[i] = transport.ChunkRequest{
			ClientToken: token,
			ChunkIndex:  i,
			TotalChunks: len(parts),
			Events:      p,
			Meta:        meta,
			Timestamp:   1700000000000 + int64(i),
		}
	}
	return reqs
}

func sampleEvents(n int) []telemetry.Entry {
	out := make([]telemetry.Entry, n)
	for i := range out {
		out[i] = telemetry.PointerDown(int64(i), float64(i), float64(i))
	}
	return out
}

func TestAssemblerOutOfOrder(t *testing.T) {
	a := testAssembler()
	ctx := context.Background()
	reqs := chunkRequests("tok-1", sampleEvents(7), 3)
	require.Len(t, reqs, 3)

	p, err := a.Add(ctx, "problem-1", reqs[2])
	require.NoError(t, err)
	assert.False(t, p.Complete())
	assert.Equal(t, 1, p.Received)

	p, err = a.Add(ctx, "problem-1", reqs[0])
	require.NoError(t, err)
	assert.False(t, p.Complete())

	// Retransmitted chunk does not count twice.
	p, err = a.Add(ctx, "problem-1", reqs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, p.Received)

	p, err = a.Add(ctx, "problem-1", reqs[1])
	require.NoError(t, err)
	require.True(t, p.Complete())

	rec := p.Record
	assert.Equal(t, "problem-1", rec.ProblemID)
	assert.Equal(t, 3, rec.TotalChunks)
	require.Len(t, rec.Events, 7)
	for i, e := range rec.Events {
		assert.Equal(t, int64(i), e.T)
	}
	assert.Equal(t, "mouse", rec.Meta.Device)
	assert.Equal(t, time.UnixMilli(1700000000000), rec.FirstChunkAt)
}

func TestAssemblerRejectsOutOfRange(t *testing.T) {
	a := testAssembler()
	req := chunkRequests("tok", sampleEvents(2), 5)[0]
	req.ChunkIndex = 1
	_, err := a.Add(context.Background(), "", req)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	req.ChunkIndex, req.TotalChunks = 0, 0
	_, err = a.Add(context.Background(), "", req)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestAssemblerSeparatesTokens(t *testing.T) {
	a := testAssembler()
	ctx := context.Background()
	first := chunkRequests("tok-a", sampleEvents(4), 2)
	second := chunkRequests("tok-b", sampleEvents(4), 2)

	p, err := a.Add(ctx, "", first[0])
	require.NoError(t, err)
	assert.False(t, p.Complete())
	p, err = a.Add(ctx, "", second[1])
	require.NoError(t, err)
	assert.False(t, p.Complete())
	assert.NotEqual(t, Key("tok-a", 2), Key("tok-b", 2))
}

func TestAssemblerPublishesOnce(t *testing.T) {
	a := testAssembler()
	ctx := context.Background()
	reqs := chunkRequests("tok-race", sampleEvents(2), 1)

	_, err := a.Add(ctx, "", reqs[0])
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Add(ctx, "", reqs[1])
			assert.NoError(t, err)
			if p.Complete() {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, completed)
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(100, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	n, err := s.Put(ctx, "k", 0, []byte("a"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(2 * time.Second)
	n, err = s.Put(ctx, "k", 1, []byte("b"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired chunks are discarded")

	chunks, err := s.Take(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[int][]byte{1: []byte("b")}, chunks)

	chunks, err = s.Take(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestAssemblerRequeueAfterFailedDelivery(t *testing.T) {
	a := testAssembler()
	ctx := context.Background()
	reqs := chunkRequests("tok-retry", sampleEvents(4), 2)

	_, err := a.Add(ctx, "problem-1", reqs[0])
	require.NoError(t, err)
	p, err := a.Add(ctx, "problem-1", reqs[1])
	require.NoError(t, err)
	require.True(t, p.Complete())

	require.NoError(t, a.Requeue(ctx, p))

	// The client retries its last chunk.
	again, err := a.Add(ctx, "problem-1", reqs[1])
	require.NoError(t, err)
	require.True(t, again.Complete())
	assert.Len(t, again.Record.Events, 4)

	// A record that was delivered is not requeued.
	assert.NoError(t, a.Requeue(ctx, Progress{Key: again.Key}))
	p, err = a.Add(ctx, "problem-1", reqs[1])
	require.NoError(t, err)
	assert.False(t, p.Complete())
}

func TestMemoryStoreRestoreKeepsNewerChunks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Put(ctx, "k", 1, []byte("new"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Restore(ctx, "k", map[int][]byte{0: []byte("a"), 1: []byte("old")}, time.Minute))

	chunks, err := s.Take(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[int][]byte{0: []byte("a"), 1: []byte("new")}, chunks)
}

func TestMemoryStoreSweepsAbandonedTransfers(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, key, 0, []byte(key), time.Second)
		require.NoError(t, err)
	}
	assert.Len(t, s.entries, 3)

	now = now.Add(time.Minute)
	_, err := s.Put(ctx, "d", 0, []byte("d"), time.Minute)
	require.NoError(t, err)
	assert.Len(t, s.entries, 1)
	assert.Contains(t, s.entries, "d")
}
