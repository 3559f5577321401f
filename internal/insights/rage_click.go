package insights

import (
	"fmt"
	"math"
	"time"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/telemetry"
)

// RageClickDetector detects rapid clicks in a small area indicating user frustration
type RageClickDetector struct {
	minClicks    int
	timeWindowMs int64
	radiusPx     int
}

// ClickRecord stores info about a single click
type ClickRecord struct {
	X    int
	Y    int
	T    int64
	Role string
}

// NewRageClickDetector creates a new rage click detector
func NewRageClickDetector(cfg config.RageClickConfig) *RageClickDetector {
	radius := cfg.RadiusPx
	if radius <= 0 {
		radius = 1
	}
	return &RageClickDetector{
		minClicks:    cfg.MinClicks,
		timeWindowMs: cfg.TimeWindowMs,
		radiusPx:     radius,
	}
}

// Detect groups the session's clicks into grid cells and reports every cell
// that collected minClicks clicks within the time window.
func (d *RageClickDetector) Detect(rec *session.Record, now time.Time) []*Insight {
	var found []*Insight
	cells := make(map[string][]ClickRecord)

	for _, e := range rec.Events {
		if e.Kind != telemetry.KindClick {
			continue
		}
		click := ClickRecord{X: int(e.XRaw), Y: int(e.YRaw), T: e.T, Role: e.TargetRole}

		// Grid cell for spatial grouping
		key := fmt.Sprintf("%d:%d", click.X/d.radiusPx, click.Y/d.radiusPx)

		// Remove old clicks outside time window
		cutoff := click.T - d.timeWindowMs
		window := cells[key][:0]
		for _, c := range cells[key] {
			if c.T > cutoff {
				window = append(window, c)
			}
		}
		window = append(window, click)
		cells[key] = window

		if len(window) < d.minClicks {
			continue
		}

		centerX, centerY := d.calculateCenter(window)
		if !d.allWithinRadius(window, centerX, centerY) {
			continue
		}

		found = append(found, &Insight{
			Type:       TypeRageClick,
			ProblemID:  rec.ProblemID,
			SessionID:  rec.ID,
			Timestamp:  now,
			X:          &centerX,
			Y:          &centerY,
			TargetRole: click.Role,
			AtMs:       click.T,
			Details: map[string]any{
				"click_count":    len(window),
				"time_window_ms": d.timeWindowMs,
				"radius_px":      d.radiusPx,
			},
		})

		// Clear processed clicks
		delete(cells, key)
	}
	return found
}

func (d *RageClickDetector) calculateCenter(clicks []ClickRecord) (int, int) {
	var sumX, sumY int
	for _, c := range clicks {
		sumX += c.X
		sumY += c.Y
	}
	return sumX / len(clicks), sumY / len(clicks)
}

func (d *RageClickDetector) allWithinRadius(clicks []ClickRecord, centerX, centerY int) bool {
	for _, c := range clicks {
		dx := c.X - centerX
		dy := c.Y - centerY
		distance := math.Sqrt(float64(dx*dx + dy*dy))
		if distance > float64(d.radiusPx) {
			return false
		}
	}
	return true
}
