package storage

import "context"

// Schema creates the tables the processors write to.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id String,
		problem_id String,
		started_at DateTime64(3),
		received_at DateTime64(3),
		duration_ms UInt64,
		device LowCardinality(String),
		viewport_width UInt16,
		viewport_height UInt16,
		pixel_ratio Float64,
		events_count UInt32,
		stroke_count UInt32,
		drag_points UInt32,
		free_points UInt32,
		drag_time_ms UInt64,
		path_length Float64,
		click_count UInt32,
		answer_clicks UInt32,
		refresh_clicks UInt32,
		selected_answer String,
		browser LowCardinality(String),
		os LowCardinality(String),
		device_type LowCardinality(String),
		country LowCardinality(String),
		city String,
		region_map String
	) ENGINE = MergeTree
	ORDER BY (problem_id, received_at, session_id)`,
	`CREATE TABLE IF NOT EXISTS strokes (
		session_id String,
		problem_id String,
		stroke_index UInt32,
		start_ms UInt64,
		end_ms UInt64,
		points UInt32,
		path_length Float64,
		avg_velocity Float64,
		inside UInt8
	) ENGINE = MergeTree
	ORDER BY (session_id, stroke_index)`,
	`CREATE TABLE IF NOT EXISTS insights (
		insight_id UUID,
		problem_id String,
		session_id String,
		insight_type LowCardinality(String),
		timestamp DateTime64(3),
		x Nullable(Int32),
		y Nullable(Int32),
		target_role String,
		details String
	) ENGINE = MergeTree
	ORDER BY (insight_type, timestamp)`,
}

// Migrate applies Schema. Statements are idempotent.
func (c *ClickHouse) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
