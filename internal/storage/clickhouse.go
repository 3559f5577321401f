package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/scratcha/scratcha/internal/config"
)

type ClickHouse struct {
	conn driver.Conn
}

// SessionRow represents a row in the sessions table
type SessionRow struct {
	SessionID      string
	ProblemID      string
	StartedAt      time.Time
	ReceivedAt     time.Time
	DurationMs     uint64
	Device         string
	ViewportWidth  uint16
	ViewportHeight uint16
	PixelRatio     float64
	EventsCount    uint32
	StrokeCount    uint32
	DragPoints     uint32
	FreePoints     uint32
	DragTimeMs     uint64
	PathLength     float64
	ClickCount     uint32
	AnswerClicks   uint32
	RefreshClicks  uint32
	SelectedAnswer string
	Browser        string
	OS             string
	DeviceType     string
	Country        string
	City           string
	RegionMap      string
}

// StrokeRow represents one pointer-down drag in the strokes table
type StrokeRow struct {
	SessionID   string
	ProblemID   string
	StrokeIndex uint32
	StartMs     uint64
	EndMs       uint64
	Points      uint32
	PathLength  float64
	AvgVelocity float64
	Inside      uint8
}

// InsightRow represents a row in the insights table
type InsightRow struct {
	InsightID   uuid.UUID
	ProblemID   string
	SessionID   string
	InsightType string
	Timestamp   time.Time
	X           *int
	Y           *int
	TargetRole  string
	Details     map[string]any
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn}, nil
}

func (c *ClickHouse) InsertSessions(ctx context.Context, sessions []SessionRow) error {
	if len(sessions) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO sessions (
			session_id, problem_id, started_at, received_at, duration_ms,
			device, viewport_width, viewport_height, pixel_ratio,
			events_count, stroke_count, drag_points, free_points, drag_time_ms, path_length,
			click_count, answer_clicks, refresh_clicks, selected_answer,
			browser, os, device_type, country, city, region_map
		)
	`)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		err := batch.Append(
			s.SessionID, s.ProblemID, s.StartedAt, s.ReceivedAt, s.DurationMs,
			s.Device, s.ViewportWidth, s.ViewportHeight, s.PixelRatio,
			s.EventsCount, s.StrokeCount, s.DragPoints, s.FreePoints, s.DragTimeMs, s.PathLength,
			s.ClickCount, s.AnswerClicks, s.RefreshClicks, s.SelectedAnswer,
			s.Browser, s.OS, s.DeviceType, s.Country, s.City, s.RegionMap,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) InsertStrokes(ctx context.Context, strokes []StrokeRow) error {
	if len(strokes) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO strokes (
			session_id, problem_id, stroke_index,
			start_ms, end_ms, points, path_length, avg_velocity, inside
		)
	`)
	if err != nil {
		return err
	}

	for _, s := range strokes {
		err := batch.Append(
			s.SessionID, s.ProblemID, s.StrokeIndex,
			s.StartMs, s.EndMs, s.Points, s.PathLength, s.AvgVelocity, s.Inside,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) InsertInsights(ctx context.Context, insights []InsightRow) error {
	if len(insights) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO insights (
			insight_id, problem_id, session_id, insight_type, timestamp,
			x, y, target_role, details
		)
	`)
	if err != nil {
		return err
	}

	for _, in := range insights {
		details, err := json.Marshal(in.Details)
		if err != nil {
			return err
		}
		err = batch.Append(
			in.InsightID, in.ProblemID, in.SessionID, in.InsightType, in.Timestamp,
			toInt32Ptr(in.X), toInt32Ptr(in.Y), in.TargetRole, string(details),
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func toInt32Ptr(v *int) *int32 {
	if v == nil {
		return nil
	}
	n := int32(*v)
	return &n
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
