package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/telemetry"
	"github.com/scratcha/scratcha/internal/transport"
)

var (
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrMissingChunk    = errors.New("chunk missing from completed transfer")
)

// Progress reports what Add did with a chunk. Record is set only for the
// caller that completed the transfer.
type Progress struct {
	Key      string
	Received int
	Total    int
	Record   *Record

	chunks map[int][]byte
}

func (p Progress) Complete() bool { return p.Record != nil }

// Assembler collects chunks per client token and emits a Record once all
// of them are present.
type Assembler struct {
	store Store
	cfg   config.AssemblyConfig
	now   func() time.Time
}

func NewAssembler(store Store, cfg config.AssemblyConfig) *Assembler {
	return &Assembler{store: store, cfg: cfg, now: time.Now}
}

// Key groups chunks of one transfer. The token is hashed so it never lands
// in Redis in the clear.
func Key(clientToken string, totalChunks int) string {
	sum := sha256.Sum256([]byte(clientToken))
	return fmt.Sprintf("chunks:%s:%d", hex.EncodeToString(sum[:8]), totalChunks)
}

// Add stores one chunk. When it is the last missing one, the chunks are
// decoded in index order and returned as a Record.
func (a *Assembler) Add(ctx context.Context, problemID string, req transport.ChunkRequest) (Progress, error) {
	if req.TotalChunks <= 0 || req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return Progress{}, ErrChunkOutOfRange
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Progress{}, err
	}

	key := Key(req.ClientToken, req.TotalChunks)
	received, err := a.store.Put(ctx, key, req.ChunkIndex, payload, a.cfg.TTL)
	if err != nil {
		return Progress{}, fmt.Errorf("store chunk: %w", err)
	}

	progress := Progress{Key: key, Received: received, Total: req.TotalChunks}
	if received < req.TotalChunks {
		return progress, nil
	}

	// Only the caller that takes the full set publishes.
	chunks, err := a.store.Take(ctx, key)
	if err != nil {
		return progress, fmt.Errorf("take chunks: %w", err)
	}
	if len(chunks) < req.TotalChunks {
		log.Debug().Str("key", key).Int("chunks", len(chunks)).Msg("Transfer already assembled")
		return progress, nil
	}

	rec, err := a.assemble(problemID, req.TotalChunks, chunks)
	if err != nil {
		return progress, err
	}

	log.Debug().
		Str("session_id", rec.ID).
		Int("total_chunks", rec.TotalChunks).
		Int("events", len(rec.Events)).
		Msg("Session assembled")

	progress.Record = rec
	progress.chunks = chunks
	return progress, nil
}

// Requeue returns the chunks of a completed transfer to the store, so the
// next retransmitted chunk completes it again. Callers use it when the
// assembled record could not be delivered.
func (a *Assembler) Requeue(ctx context.Context, p Progress) error {
	if len(p.chunks) == 0 {
		return nil
	}
	if err := a.store.Restore(ctx, p.Key, p.chunks, a.cfg.TTL); err != nil {
		return fmt.Errorf("restore chunks: %w", err)
	}
	log.Debug().Str("key", p.Key).Int("chunks", len(p.chunks)).Msg("Transfer requeued")
	return nil
}

func (a *Assembler) assemble(problemID string, total int, chunks map[int][]byte) (*Record, error) {
	rec := &Record{
		ID:          uuid.New().String(),
		ProblemID:   problemID,
		TotalChunks: total,
		ReceivedAt:  a.now(),
	}

	for idx := 0; idx < total; idx++ {
		raw, ok := chunks[idx]
		if !ok {
			return nil, fmt.Errorf("%w: %d of %d", ErrMissingChunk, idx, total)
		}
		var chunk transport.ChunkRequest
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", idx, err)
		}
		if idx == 0 {
			rec.FirstChunkAt = time.UnixMilli(chunk.Timestamp)
			if chunk.Meta != nil {
				rec.Meta = *chunk.Meta
			}
		}
		rec.Events = append(rec.Events, chunk.Events...)
	}

	if rec.Meta.RegionMap == nil {
		rec.Meta.RegionMap = map[string]telemetry.Rect{}
	}
	return rec, nil
}
