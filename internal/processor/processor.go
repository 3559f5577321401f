package processor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/storage"
	"github.com/scratcha/scratcha/internal/transformer"
)

// Sink is where transformed rows are written.
type Sink interface {
	InsertSessions(ctx context.Context, sessions []storage.SessionRow) error
	InsertStrokes(ctx context.Context, strokes []storage.StrokeRow) error
}

// EventProcessor processes sessions from Kafka and writes them to ClickHouse
type EventProcessor struct {
	sink     Sink
	batchCfg config.BatchConfig

	// Row buffers
	sessionBuffer []storage.SessionRow
	strokeBuffer  []storage.StrokeRow

	mu        sync.Mutex
	lastFlush time.Time
	ticker    *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(sink Sink, batchCfg config.BatchConfig) *EventProcessor {
	p := &EventProcessor{
		sink:          sink,
		batchCfg:      batchCfg,
		sessionBuffer: make([]storage.SessionRow, 0, batchCfg.Size),
		strokeBuffer:  make([]storage.StrokeRow, 0, batchCfg.Size),
		lastFlush:     time.Now(),
		done:          make(chan struct{}),
	}

	// Start flush ticker
	p.ticker = time.NewTicker(batchCfg.FlushInterval)
	go p.flushLoop()

	return p
}

// Process processes a single session
func (p *EventProcessor) Process(ctx context.Context, rec *session.Record) error {
	// Transform to ClickHouse rows
	result, err := transformer.TransformSession(rec)
	if err != nil {
		return err
	}

	// Add to buffers
	p.mu.Lock()
	p.sessionBuffer = append(p.sessionBuffer, *result.Session)
	p.strokeBuffer = append(p.strokeBuffer, result.Strokes...)
	shouldFlush := len(p.sessionBuffer) >= p.batchCfg.Size
	p.mu.Unlock()

	// Flush if buffer full
	if shouldFlush {
		p.Flush()
	}

	return nil
}

func (p *EventProcessor) flushLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.Flush()
		}
	}
}

// Flush writes all buffered data to ClickHouse
func (p *EventProcessor) Flush() {
	p.mu.Lock()

	// Check if there's anything to flush
	if len(p.sessionBuffer) == 0 && len(p.strokeBuffer) == 0 {
		p.mu.Unlock()
		return
	}

	// Get current buffers and create new ones
	sessions := p.sessionBuffer
	strokes := p.strokeBuffer

	p.sessionBuffer = make([]storage.SessionRow, 0, p.batchCfg.Size)
	p.strokeBuffer = make([]storage.StrokeRow, 0, p.batchCfg.Size)
	p.lastFlush = time.Now()
	p.mu.Unlock()

	ctx := context.Background()
	start := time.Now()

	// Insert sessions
	if len(sessions) > 0 {
		if err := p.sink.InsertSessions(ctx, sessions); err != nil {
			log.Error().Err(err).Int("count", len(sessions)).Msg("Failed to insert sessions")
		} else {
			log.Info().
				Int("count", len(sessions)).
				Dur("duration", time.Since(start)).
				Msg("Flushed sessions to ClickHouse")
		}
	}

	// Insert strokes
	if len(strokes) > 0 {
		if err := p.sink.InsertStrokes(ctx, strokes); err != nil {
			log.Error().Err(err).Int("count", len(strokes)).Msg("Failed to insert strokes")
		} else {
			log.Debug().Int("count", len(strokes)).Msg("Flushed strokes to ClickHouse")
		}
	}
}

// Stop stops the processor
func (p *EventProcessor) Stop() {
	p.stopOnce.Do(func() {
		p.ticker.Stop()
		close(p.done)
	})
	p.Flush() // Final flush
}
