package insights

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/storage"
)

// InsightStore persists detected insights.
type InsightStore interface {
	InsertInsights(ctx context.Context, insights []storage.InsightRow) error
}

// AlertPublisher forwards insights for downstream alert processing.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, key string, alert any) error
}

const flushSize = 100

// Processor coordinates all insight detectors
type Processor struct {
	rageClick      *RageClickDetector
	thrashedCursor *ThrashedCursorDetector

	store  InsightStore
	alerts AlertPublisher
	now    func() time.Time

	// Buffer for batch inserts
	insightBuffer []storage.InsightRow
	mu            sync.Mutex
	lastFlush     time.Time
	done          chan struct{}
	stopOnce      sync.Once
}

// NewProcessor creates a new insight processor. alerts may be nil.
func NewProcessor(store InsightStore, alerts AlertPublisher, cfg config.InsightsConfig, flushInterval time.Duration) *Processor {
	p := &Processor{
		store:         store,
		alerts:        alerts,
		now:           time.Now,
		insightBuffer: make([]storage.InsightRow, 0, flushSize),
		lastFlush:     time.Now(),
		done:          make(chan struct{}),
	}

	// Initialize detectors based on config
	if cfg.RageClick.Enabled {
		p.rageClick = NewRageClickDetector(cfg.RageClick)
	}
	if cfg.ThrashedCursor.Enabled {
		p.thrashedCursor = NewThrashedCursorDetector(cfg.ThrashedCursor)
	}

	// Start flush ticker
	if flushInterval > 0 {
		go p.flushLoop(flushInterval)
	}

	return p
}

// Process runs every enabled detector over one assembled session
func (p *Processor) Process(ctx context.Context, rec *session.Record) error {
	now := p.now()

	var found []*Insight
	if p.rageClick != nil {
		found = append(found, p.rageClick.Detect(rec, now)...)
	}
	if p.thrashedCursor != nil {
		found = append(found, p.thrashedCursor.Detect(rec, now)...)
	}

	// Store insights
	for _, insight := range found {
		p.storeInsight(ctx, insight)
	}

	return nil
}

func (p *Processor) storeInsight(ctx context.Context, insight *Insight) {
	row := storage.InsightRow{
		InsightID:   uuid.New(),
		ProblemID:   insight.ProblemID,
		SessionID:   insight.SessionID,
		InsightType: insight.Type,
		Timestamp:   insight.Timestamp,
		X:           insight.X,
		Y:           insight.Y,
		TargetRole:  insight.TargetRole,
		Details:     insight.Details,
	}

	p.mu.Lock()
	p.insightBuffer = append(p.insightBuffer, row)
	shouldFlush := len(p.insightBuffer) >= flushSize
	p.mu.Unlock()

	if shouldFlush {
		p.Flush()
	}

	p.publishAlert(ctx, insight, row.InsightID)

	log.Info().
		Str("type", insight.Type).
		Str("session_id", insight.SessionID).
		Int64("at_ms", insight.AtMs).
		Msg("Insight detected")
}

// publishAlert publishes an insight alert to Kafka for downstream alert processing
func (p *Processor) publishAlert(ctx context.Context, insight *Insight, insightID uuid.UUID) {
	if p.alerts == nil {
		return
	}

	alert := Alert{
		InsightID:   insightID.String(),
		Type:        insight.Type,
		ProblemID:   insight.ProblemID,
		SessionID:   insight.SessionID,
		Timestamp:   insight.Timestamp,
		AtMs:        insight.AtMs,
		X:           insight.X,
		Y:           insight.Y,
		TargetRole:  insight.TargetRole,
		Details:     insight.Details,
		PublishedAt: p.now().UnixMilli(),
	}

	if err := p.alerts.PublishAlert(ctx, insight.SessionID, alert); err != nil {
		log.Error().Err(err).Str("type", insight.Type).Msg("Failed to publish alert to Kafka")
	} else {
		log.Debug().Str("type", insight.Type).Str("session_id", insight.SessionID).Msg("Alert published to Kafka")
	}
}

func (p *Processor) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}

// Flush writes buffered insights to ClickHouse
func (p *Processor) Flush() {
	p.mu.Lock()
	if len(p.insightBuffer) == 0 {
		p.mu.Unlock()
		return
	}

	insights := p.insightBuffer
	p.insightBuffer = make([]storage.InsightRow, 0, flushSize)
	p.lastFlush = time.Now()
	p.mu.Unlock()

	ctx := context.Background()
	if err := p.store.InsertInsights(ctx, insights); err != nil {
		log.Error().Err(err).Int("count", len(insights)).Msg("Failed to insert insights")
	} else {
		log.Info().Int("count", len(insights)).Msg("Flushed insights to ClickHouse")
	}
}

// Stop stops the processor
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.Flush()
}
