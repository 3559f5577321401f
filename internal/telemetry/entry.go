package telemetry

import (
	"encoding/json"
	"fmt"
)

// EntryKind tags an event log entry. The values are the wire "type" field.
type EntryKind string

const (
	KindPointerDown EntryKind = "pointerdown"
	KindPointerUp   EntryKind = "pointerup"
	KindClick       EntryKind = "click"
	KindMoves       EntryKind = "moves"
	KindFreeMoves   EntryKind = "moves_free"
)

// MoveRun is a compacted batch of buffered pointer samples.
// BaseT is relative to the tracking session origin. DeltaTimes[0] is always 1.
type MoveRun struct {
	BaseT      int64     `json:"base_t"`
	DeltaTimes []int64   `json:"dts"`
	XS         []float64 `json:"xrs"`
	YS         []float64 `json:"yrs"`
}

// Len returns the number of points in the run.
func (r MoveRun) Len() int {
	return len(r.DeltaTimes)
}

// EndT returns BaseT plus the sum of all deltas.
func (r MoveRun) EndT() int64 {
	t := r.BaseT
	for _, dt := range r.DeltaTimes {
		t += dt
	}
	return t
}

// TimedPoint is a decoded run point.
type TimedPoint struct {
	T int64
	X float64
	Y float64
}

// Points expands the run back into timestamped points. The first point sits
// at BaseT; each following point advances by its delta.
func (r MoveRun) Points() []TimedPoint {
	n := min(len(r.DeltaTimes), len(r.XS), len(r.YS))
	pts := make([]TimedPoint, 0, n)
	t := r.BaseT
	for i := 0; i < n; i++ {
		if i > 0 {
			t += r.DeltaTimes[i]
		}
		pts = append(pts, TimedPoint{T: t, X: r.XS[i], Y: r.YS[i]})
	}
	return pts
}

// Entry is one element of the event log. Which fields are meaningful
// depends on Kind: runs carry Run, everything else carries T and the raw
// coordinates, and clicks also carry the target.
type Entry struct {
	Kind         EntryKind
	T            int64
	XRaw         float64
	YRaw         float64
	TargetRole   string
	TargetAnswer string
	Run          MoveRun
}

func PointerDown(t int64, x, y float64) Entry {
	return Entry{Kind: KindPointerDown, T: t, XRaw: x, YRaw: y}
}

func PointerUp(t int64, x, y float64) Entry {
	return Entry{Kind: KindPointerUp, T: t, XRaw: x, YRaw: y}
}

func Click(t int64, x, y float64, role, answer string) Entry {
	return Entry{Kind: KindClick, T: t, XRaw: x, YRaw: y, TargetRole: role, TargetAnswer: answer}
}

func Moves(run MoveRun) Entry {
	return Entry{Kind: KindMoves, T: run.BaseT, Run: run}
}

func FreeMoves(run MoveRun) Entry {
	return Entry{Kind: KindFreeMoves, T: run.BaseT, Run: run}
}

// IsRun reports whether the entry is a compacted move run.
func (e Entry) IsRun() bool {
	return e.Kind == KindMoves || e.Kind == KindFreeMoves
}

type pointEntry struct {
	T    int64     `json:"t"`
	Type EntryKind `json:"type"`
	XRaw float64   `json:"x_raw"`
	YRaw float64   `json:"y_raw"`
}

type clickEntry struct {
	T            int64     `json:"t"`
	Type         EntryKind `json:"type"`
	XRaw         float64   `json:"x_raw"`
	YRaw         float64   `json:"y_raw"`
	TargetRole   string    `json:"target_role"`
	TargetAnswer string    `json:"target_answer"`
}

type runEntry struct {
	Type    EntryKind `json:"type"`
	Payload MoveRun   `json:"payload"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindPointerDown, KindPointerUp:
		return json.Marshal(pointEntry{T: e.T, Type: e.Kind, XRaw: e.XRaw, YRaw: e.YRaw})
	case KindClick:
		return json.Marshal(clickEntry{
			T: e.T, Type: e.Kind, XRaw: e.XRaw, YRaw: e.YRaw,
			TargetRole: e.TargetRole, TargetAnswer: e.TargetAnswer,
		})
	case KindMoves, KindFreeMoves:
		run := e.Run
		if run.DeltaTimes == nil {
			run.DeltaTimes = []int64{}
		}
		if run.XS == nil {
			run.XS = []float64{}
		}
		if run.YS == nil {
			run.YS = []float64{}
		}
		return json.Marshal(runEntry{Type: e.Kind, Payload: run})
	default:
		return nil, fmt.Errorf("unknown entry kind %q", e.Kind)
	}
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var head struct {
		Type EntryKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	switch head.Type {
	case KindPointerDown, KindPointerUp:
		var p pointEntry
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = Entry{Kind: p.Type, T: p.T, XRaw: p.XRaw, YRaw: p.YRaw}
	case KindClick:
		var c clickEntry
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*e = Click(c.T, c.XRaw, c.YRaw, c.TargetRole, c.TargetAnswer)
	case KindMoves, KindFreeMoves:
		var r runEntry
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		*e = Entry{Kind: r.Type, T: r.Payload.BaseT, Run: r.Payload}
	default:
		return fmt.Errorf("unknown entry type %q", head.Type)
	}
	return nil
}
