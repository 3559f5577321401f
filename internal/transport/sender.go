package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/scratcha/scratcha/internal/telemetry"
)

const (
	DefaultChunkSize    = 50
	DefaultTimeout      = 25 * time.Second
	DefaultMaxTotalSize = 10 * 1024 * 1024
	DefaultChunkPause   = 100 * time.Millisecond

	ChunkPath = "/api/events/chunk"

	maxErrorBody = 64 * 1024
)

type Config struct {
	Endpoint     string
	ChunkSize    int
	Timeout      time.Duration
	MaxTotalSize int
	ChunkPause   time.Duration
	Callbacks    Callbacks
	HTTPClient   *http.Client
	Clock        func() time.Time
}

// ChunkRequest is the body of one chunk POST.
type ChunkRequest struct {
	ClientToken string                 `json:"client_token"`
	ChunkIndex  int                    `json:"chunk_index"`
	TotalChunks int                    `json:"total_chunks"`
	Events      []telemetry.Entry      `json:"events"`
	Meta        *telemetry.SessionMeta `json:"meta"`
	Timestamp   int64                  `json:"timestamp"`
}

// sizeProbe is the representative payload measured against MaxTotalSize.
type sizeProbe struct {
	SessionID   string                 `json:"session_id"`
	ChunkIndex  int                    `json:"chunk_index"`
	TotalChunks int                    `json:"total_chunks"`
	Events      []telemetry.Entry      `json:"events"`
	Meta        *telemetry.SessionMeta `json:"meta"`
	Timestamp   int64                  `json:"timestamp"`
}

// Sender ships a telemetry snapshot to the server in fixed-size chunks,
// one chunk in flight at a time.
type Sender struct {
	cfg    Config
	client *http.Client
	flight singleflight.Group

	mu          sync.Mutex
	state       State
	sessionID   string
	clientToken string
	events      []telemetry.Entry
	meta        *telemetry.SessionMeta
	chunkIndex  int
	totalChunks int
}

func NewSender(cfg Config) *Sender {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = DefaultMaxTotalSize
	}
	if cfg.ChunkPause < 0 {
		cfg.ChunkPause = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Sender{
		cfg:       cfg,
		client:    client,
		sessionID: newSessionID(),
	}
}

func newSessionID() string {
	return "session_" + uuid.NewString()
}

// StartNewSession discards all transfer state and issues a new session id.
// A transfer still running for the previous session stops at its next chunk.
func (s *Sender) StartNewSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionID = newSessionID()
	s.state = StateIdle
	s.events = nil
	s.meta = nil
	s.chunkIndex = 0
	s.totalChunks = 0

	log.Debug().Str("session_id", s.sessionID).Msg("Transport session started")
}

func (s *Sender) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetClientToken attaches the token issued by the problem fetch.
func (s *Sender) SetClientToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientToken = token
}

// SetEventData loads a snapshot and partitions it into chunks. A payload
// over the size ceiling is kept but cannot be sent; the error is a
// *SizeExceededError.
func (s *Sender) SetEventData(snap telemetry.Snapshot) error {
	s.mu.Lock()
	if s.state == StateSending {
		s.mu.Unlock()
		return ErrAlreadySending
	}

	s.events = snap.Events
	if s.events == nil {
		s.events = []telemetry.Entry{}
	}
	meta := snap.Meta
	s.meta = &meta

	info, err := s.measureLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if info.ActualSize > info.MaxSize {
		s.totalChunks = 0
		s.chunkIndex = 0
		s.mu.Unlock()
		log.Warn().
			Str("size", humanize.IBytes(uint64(info.ActualSize))).
			Str("max", humanize.IBytes(uint64(info.MaxSize))).
			Int("events", info.EventCount).
			Msg("Telemetry payload over size limit")
		if s.cfg.Callbacks.OnSizeExceeded != nil {
			s.cfg.Callbacks.OnSizeExceeded(info)
		}
		return &SizeExceededError{SizeInfo: info}
	}

	s.totalChunks = chunkCount(len(s.events), s.cfg.ChunkSize)
	s.chunkIndex = 0
	s.state = StateIdle
	sessionID := s.sessionID
	total := s.totalChunks
	s.mu.Unlock()

	log.Debug().
		Str("session_id", sessionID).
		Int("events", info.EventCount).
		Int("total_chunks", total).
		Str("size", humanize.IBytes(uint64(info.ActualSize))).
		Msg("Telemetry loaded for transfer")
	return nil
}

// SendAllChunks transmits every chunk in order and reports how the
// transfer ended. Calls made while a transfer for the same session is in
// flight share its result instead of starting another one.
func (s *Sender) SendAllChunks(ctx context.Context) Result {
	key := s.SessionID()
	v, _, shared := s.flight.Do(key, func() (interface{}, error) {
		res := s.run(ctx)
		s.cfg.Callbacks.Dispatch(res)
		return res, nil
	})
	if shared {
		log.Debug().Str("session_id", key).Msg("Joined in-flight chunk transfer")
	}
	return v.(Result)
}

func (s *Sender) run(ctx context.Context) Result {
	s.mu.Lock()
	sessionID := s.sessionID
	base := Result{SessionID: sessionID, TotalChunks: s.totalChunks, SentChunks: s.chunkIndex}

	if len(s.events) == 0 {
		s.mu.Unlock()
		base.Outcome, base.Err = Failed, ErrNoEvents
		return base
	}
	switch {
	case s.state == StateSending:
		s.mu.Unlock()
		base.Outcome, base.Err = Failed, ErrAlreadySending
		return base
	case s.state.Terminal():
		s.mu.Unlock()
		base.Outcome, base.Err = Failed, ErrSessionFinished
		return base
	}

	info, err := s.measureLocked()
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		base.Outcome, base.Err = Failed, err
		return base
	}
	if info.ActualSize > info.MaxSize {
		s.state = StateSizeRejected
		s.mu.Unlock()
		base.Outcome, base.Err, base.Size = SizeRejected, &SizeExceededError{SizeInfo: info}, &info
		return base
	}

	s.state = StateSending
	events, meta, token := s.events, s.meta, s.clientToken
	total := s.totalChunks
	s.mu.Unlock()

	log.Info().
		Str("session_id", sessionID).
		Int("total_chunks", total).
		Str("size", humanize.IBytes(uint64(info.ActualSize))).
		Msg("Chunk transfer started")

	for idx := 0; idx < total; idx++ {
		if idx > 0 && s.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return s.finish(sessionID, base, StateFailed, Failed, ctx.Err())
			case <-time.After(s.cfg.ChunkPause):
			}
		}
		if s.SessionID() != sessionID {
			base.Outcome, base.Err = Failed, ErrSessionReplaced
			return base
		}

		start := idx * s.cfg.ChunkSize
		end := min(start+s.cfg.ChunkSize, len(events))
		req := ChunkRequest{
			ClientToken: token,
			ChunkIndex:  idx,
			TotalChunks: total,
			Events:      events[start:end],
			Meta:        meta,
			Timestamp:   s.cfg.Clock().UnixMilli(),
		}

		if err := s.sendChunk(ctx, req); err != nil {
			var timeout *ChunkTimeoutError
			if errors.As(err, &timeout) {
				log.Error().Str("session_id", sessionID).Int("chunk_index", idx).Dur("timeout", s.cfg.Timeout).Msg("Chunk timed out")
				return s.finish(sessionID, base, StateTimedOut, TimedOut, err)
			}
			log.Error().Err(err).Str("session_id", sessionID).Int("chunk_index", idx).Msg("Chunk transfer failed")
			return s.finish(sessionID, base, StateFailed, Failed, err)
		}

		s.mu.Lock()
		if s.sessionID == sessionID {
			s.chunkIndex = idx + 1
		}
		s.mu.Unlock()
		base.SentChunks = idx + 1

		log.Debug().Str("session_id", sessionID).Int("chunk_index", idx).Int("events", end-start).Msg("Chunk sent")
	}

	log.Info().Str("session_id", sessionID).Int("total_chunks", total).Msg("Chunk transfer completed")
	return s.finish(sessionID, base, StateCompleted, Completed, nil)
}

func (s *Sender) finish(sessionID string, res Result, state State, outcome Outcome, err error) Result {
	s.mu.Lock()
	if s.sessionID == sessionID {
		s.state = state
	}
	s.mu.Unlock()
	res.Outcome = outcome
	res.Err = err
	return res
}

func (s *Sender) sendChunk(ctx context.Context, chunk ChunkRequest) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk %d: %w", chunk.ChunkIndex, err)
	}

	chunkCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(chunkCtx, http.MethodPost, s.cfg.Endpoint+ChunkPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chunk %d request: %w", chunk.ChunkIndex, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(chunkCtx.Err(), context.DeadlineExceeded) {
			return &ChunkTimeoutError{ChunkIndex: chunk.ChunkIndex, Timeout: s.cfg.Timeout}
		}
		return fmt.Errorf("post chunk %d: %w", chunk.ChunkIndex, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ChunkHTTPError{
			ChunkIndex: chunk.ChunkIndex,
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		if ctx.Err() == nil && errors.Is(chunkCtx.Err(), context.DeadlineExceeded) {
			return &ChunkTimeoutError{ChunkIndex: chunk.ChunkIndex, Timeout: s.cfg.Timeout}
		}
		return fmt.Errorf("read chunk %d response: %w", chunk.ChunkIndex, err)
	}
	return nil
}

// measureLocked serializes the representative payload and compares it to
// the ceiling. Must be called with mu held.
func (s *Sender) measureLocked() (SizeInfo, error) {
	data, err := json.Marshal(sizeProbe{
		SessionID:   s.sessionID,
		ChunkIndex:  0,
		TotalChunks: chunkCount(len(s.events), s.cfg.ChunkSize),
		Events:      s.events,
		Meta:        s.meta,
		Timestamp:   s.cfg.Clock().UnixMilli(),
	})
	if err != nil {
		return SizeInfo{}, fmt.Errorf("measure payload: %w", err)
	}
	return SizeInfo{
		ActualSize: len(data),
		MaxSize:    s.cfg.MaxTotalSize,
		EventCount: len(s.events),
	}, nil
}

func chunkCount(events, size int) int {
	if events == 0 {
		return 0
	}
	return (events + size - 1) / size
}

// Chunks partitions events the same way the sender does.
func Chunks(events []telemetry.Entry, size int) [][]telemetry.Entry {
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make([][]telemetry.Entry, 0, chunkCount(len(events), size))
	for start := 0; start < len(events); start += size {
		out = append(out, events[start:min(start+size, len(events))])
	}
	return out
}
