package insights

import (
	"time"
)

// Insight types
const (
	TypeRageClick      = "rage_click"
	TypeThrashedCursor = "thrashed_cursor"
)

// Insight represents a detected interaction anomaly
type Insight struct {
	Type       string
	ProblemID  string
	SessionID  string
	Timestamp  time.Time
	X          *int
	Y          *int
	TargetRole string
	// AtMs is the offset into the tracking session.
	AtMs    int64
	Details map[string]any
}

// Alert is the message published for each insight.
type Alert struct {
	InsightID   string         `json:"insight_id"`
	Type        string         `json:"type"`
	ProblemID   string         `json:"problem_id"`
	SessionID   string         `json:"session_id"`
	Timestamp   time.Time      `json:"timestamp"`
	AtMs        int64          `json:"at_ms"`
	X           *int           `json:"x,omitempty"`
	Y           *int           `json:"y,omitempty"`
	TargetRole  string         `json:"target_role,omitempty"`
	Details     map[string]any `json:"details"`
	PublishedAt int64          `json:"published_at"`
}
