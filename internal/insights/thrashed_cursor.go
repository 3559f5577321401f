package insights

import (
	"math"
	"time"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/telemetry"
)

// ThrashedCursorDetector detects erratic pointer movement indicating confusion
type ThrashedCursorDetector struct {
	minDurationMs       int64
	minDirectionChanges int
	minVelocity         int
}

// cursorWindow tracks movement since the last detection
type cursorWindow struct {
	Points           []telemetry.TimedPoint
	DirectionChanges int
	StartTime        int64
	LastDirection    float64
	hasDirection     bool
}

// NewThrashedCursorDetector creates a new thrashed cursor detector
func NewThrashedCursorDetector(cfg config.ThrashedCursorConfig) *ThrashedCursorDetector {
	return &ThrashedCursorDetector{
		minDurationMs:       cfg.MinDurationMs,
		minDirectionChanges: cfg.MinDirectionChanges,
		minVelocity:         cfg.MinVelocity,
	}
}

// movePoints returns every move sample of the session in log order.
func movePoints(rec *session.Record) []telemetry.TimedPoint {
	var pts []telemetry.TimedPoint
	for _, e := range rec.Events {
		if e.IsRun() {
			pts = append(pts, e.Run.Points()...)
		}
	}
	return pts
}

// Detect scans the session's move samples and reports each burst of
// erratic movement.
func (d *ThrashedCursorDetector) Detect(rec *session.Record, now time.Time) []*Insight {
	var found []*Insight

	points := movePoints(rec)
	if len(points) == 0 {
		return nil
	}
	w := &cursorWindow{StartTime: points[0].T}

	for _, point := range points {
		if insight := d.add(w, point); insight != nil {
			insight.ProblemID = rec.ProblemID
			insight.SessionID = rec.ID
			insight.Timestamp = now
			found = append(found, insight)
		}
	}
	return found
}

func (d *ThrashedCursorDetector) add(w *cursorWindow, point telemetry.TimedPoint) *Insight {
	// Calculate direction change
	if len(w.Points) > 0 {
		last := w.Points[len(w.Points)-1]
		dx := point.X - last.X
		dy := point.Y - last.Y

		if dx != 0 || dy != 0 {
			direction := math.Atan2(dy, dx)

			// Check for direction change (more than 90 degrees)
			if w.hasDirection {
				angleDiff := math.Abs(direction - w.LastDirection)
				if angleDiff > math.Pi {
					angleDiff = 2*math.Pi - angleDiff
				}
				if angleDiff > math.Pi/2 {
					w.DirectionChanges++
				}
			}
			w.LastDirection = direction
			w.hasDirection = true
		}
	}

	w.Points = append(w.Points, point)

	// Keep only the detection window
	cutoff := point.T - d.minDurationMs
	kept := w.Points[:0]
	for _, p := range w.Points {
		if p.T >= cutoff {
			kept = append(kept, p)
		}
	}
	w.Points = kept

	if len(w.Points) < 2 {
		return nil
	}

	duration := point.T - w.StartTime
	if duration < d.minDurationMs {
		return nil
	}

	if w.DirectionChanges < d.minDirectionChanges {
		return nil
	}

	// Calculate average velocity
	totalDistance := 0.0
	for i := 1; i < len(w.Points); i++ {
		totalDistance += math.Hypot(w.Points[i].X-w.Points[i-1].X, w.Points[i].Y-w.Points[i-1].Y)
	}

	timeDiff := float64(w.Points[len(w.Points)-1].T-w.Points[0].T) / 1000.0 // seconds
	if timeDiff == 0 {
		return nil
	}

	velocity := totalDistance / timeDiff
	if velocity < float64(d.minVelocity) {
		return nil
	}

	// Calculate center point
	var sumX, sumY float64
	for _, p := range w.Points {
		sumX += p.X
		sumY += p.Y
	}
	centerX := int(sumX / float64(len(w.Points)))
	centerY := int(sumY / float64(len(w.Points)))

	insight := &Insight{
		Type: TypeThrashedCursor,
		X:    &centerX,
		Y:    &centerY,
		AtMs: point.T,
		Details: map[string]any{
			"direction_changes": w.DirectionChanges,
			"velocity_px_sec":   velocity,
			"duration_ms":       duration,
		},
	}

	// Reset tracking data
	w.Points = w.Points[:0]
	w.DirectionChanges = 0
	w.hasDirection = false
	w.StartTime = point.T

	return insight
}
