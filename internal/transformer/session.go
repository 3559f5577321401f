package transformer

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/scratcha/scratcha/internal/session"
	"github.com/scratcha/scratcha/internal/storage"
	"github.com/scratcha/scratcha/internal/telemetry"
)

// TransformResult contains the transformed data for different tables
type TransformResult struct {
	Session *storage.SessionRow
	Strokes []storage.StrokeRow
}

// Stroke is one pointer-down to pointer-up gesture rebuilt from the log.
type Stroke struct {
	StartMs int64
	EndMs   int64
	Points  []telemetry.TimedPoint
}

func (s Stroke) PathLength() float64 {
	return pathLength(s.Points)
}

// Strokes splits the event log into drag gestures. Drag runs that arrive
// without a preceding pointerdown start their own stroke.
func Strokes(events []telemetry.Entry) []Stroke {
	var (
		strokes []Stroke
		cur     *Stroke
	)
	closeStroke := func(end int64) {
		if cur == nil {
			return
		}
		if end > cur.EndMs {
			cur.EndMs = end
		}
		strokes = append(strokes, *cur)
		cur = nil
	}

	for _, e := range events {
		switch e.Kind {
		case telemetry.KindPointerDown:
			closeStroke(e.T)
			cur = &Stroke{StartMs: e.T, EndMs: e.T}
		case telemetry.KindMoves:
			if cur == nil {
				cur = &Stroke{StartMs: e.Run.BaseT, EndMs: e.Run.BaseT}
			}
			cur.Points = append(cur.Points, e.Run.Points()...)
			cur.EndMs = max(cur.EndMs, e.Run.EndT())
		case telemetry.KindPointerUp:
			closeStroke(e.T)
		}
	}
	if cur != nil {
		closeStroke(cur.EndMs)
	}
	return strokes
}

func isAnswerRole(role string) bool {
	return strings.HasPrefix(role, "answer-") && role != telemetry.RoleAnswerContainer
}

// TransformSession flattens an assembled session into ClickHouse rows.
func TransformSession(rec *session.Record) (*TransformResult, error) {
	row := &storage.SessionRow{
		SessionID:      rec.ID,
		ProblemID:      rec.ProblemID,
		StartedAt:      rec.FirstChunkAt,
		ReceivedAt:     rec.ReceivedAt,
		Device:         rec.Meta.Device,
		ViewportWidth:  clampUint16(rec.Meta.Viewport.Width),
		ViewportHeight: clampUint16(rec.Meta.Viewport.Height),
		PixelRatio:     rec.Meta.DevicePixelRatio,
		EventsCount:    uint32(len(rec.Events)),
		Browser:        rec.Client.Browser,
		OS:             rec.Client.OS,
		DeviceType:     rec.Client.DeviceType,
		Country:        rec.Client.Country,
		City:           rec.Client.City,
	}

	regions, err := json.Marshal(rec.Meta.RegionMap)
	if err != nil {
		return nil, err
	}
	row.RegionMap = string(regions)

	var lastT int64
	for _, e := range rec.Events {
		end := e.T
		switch e.Kind {
		case telemetry.KindMoves:
			row.DragPoints += uint32(e.Run.Len())
			end = e.Run.EndT()
		case telemetry.KindFreeMoves:
			row.FreePoints += uint32(e.Run.Len())
			end = e.Run.EndT()
		case telemetry.KindClick:
			row.ClickCount++
			switch {
			case e.TargetRole == telemetry.RoleRefreshButton:
				row.RefreshClicks++
			case e.TargetAnswer != "" || isAnswerRole(e.TargetRole):
				row.AnswerClicks++
				row.SelectedAnswer = e.TargetAnswer
			}
		}
		lastT = max(lastT, end)
	}
	row.DurationMs = uint64(lastT)

	canvas, hasCanvas := rec.Meta.RegionMap[telemetry.RoleCanvasContainer]
	strokes := Strokes(rec.Events)
	rows := make([]storage.StrokeRow, 0, len(strokes))
	for i, s := range strokes {
		length := s.PathLength()
		duration := s.EndMs - s.StartMs
		stroke := storage.StrokeRow{
			SessionID:   rec.ID,
			ProblemID:   rec.ProblemID,
			StrokeIndex: uint32(i),
			StartMs:     uint64(s.StartMs),
			EndMs:       uint64(s.EndMs),
			Points:      uint32(len(s.Points)),
			PathLength:  length,
		}
		if duration > 0 {
			stroke.AvgVelocity = length / (float64(duration) / 1000.0)
		}
		if hasCanvas && allInside(canvas, s.Points) {
			stroke.Inside = 1
		}
		rows = append(rows, stroke)

		row.PathLength += length
		row.DragTimeMs += uint64(duration)
	}
	row.StrokeCount = uint32(len(strokes))

	return &TransformResult{Session: row, Strokes: rows}, nil
}

func pathLength(points []telemetry.TimedPoint) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += math.Hypot(points[i].X-points[i-1].X, points[i].Y-points[i-1].Y)
	}
	return total
}

func allInside(r telemetry.Rect, points []telemetry.TimedPoint) bool {
	if len(points) == 0 {
		return false
	}
	for _, p := range points {
		if !r.Contains(p.X, p.Y) {
			return false
		}
	}
	return true
}

func clampUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
