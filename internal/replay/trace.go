// Package replay feeds recorded pointer traces through a telemetry tracker.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/telemetry"
)

// Sample is one recorded input. AtMs is relative to the start of the trace.
type Sample struct {
	AtMs        int64   `json:"t_ms"`
	Kind        string  `json:"kind"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	PointerType string  `json:"pointer_type,omitempty"`
	Answer      string  `json:"answer,omitempty"`
}

// Trace is a recorded interaction with an optional element layout.
type Trace struct {
	Viewport   telemetry.Viewport        `json:"viewport"`
	PixelRatio float64                   `json:"dpr"`
	Regions    map[string]telemetry.Rect `json:"regions"`
	Samples    []Sample                  `json:"samples"`
}

var inputKinds = map[string]telemetry.InputKind{
	"down":   telemetry.InputPointerDown,
	"move":   telemetry.InputPointerMove,
	"up":     telemetry.InputPointerUp,
	"cancel": telemetry.InputPointerCancel,
	"click":  telemetry.InputClick,
}

// Input converts the sample to a tracker input.
func (s Sample) Input() (telemetry.Input, error) {
	kind, ok := inputKinds[s.Kind]
	if !ok {
		return telemetry.Input{}, fmt.Errorf("unknown sample kind %q", s.Kind)
	}
	return telemetry.Input{
		Kind:        kind,
		X:           s.X,
		Y:           s.Y,
		PointerType: s.PointerType,
		Answer:      s.Answer,
	}, nil
}

// Decode reads a trace and checks that samples are in time order.
func Decode(r io.Reader) (*Trace, error) {
	var tr Trace
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	for i, s := range tr.Samples {
		if _, err := s.Input(); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		if i > 0 && s.AtMs < tr.Samples[i-1].AtMs {
			return nil, fmt.Errorf("sample %d: time goes backwards", i)
		}
	}
	return &tr, nil
}

func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Layout builds the region directory for the trace, falling back to
// DefaultLayout for anything the trace leaves out.
func (tr *Trace) Layout() *telemetry.Layout {
	viewport := tr.Viewport
	if viewport.Width == 0 || viewport.Height == 0 {
		viewport = telemetry.Viewport{Width: 1280, Height: 800}
	}
	dpr := tr.PixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	l := telemetry.NewLayout(viewport, dpr)
	for role, r := range DefaultLayout() {
		l.Set(role, r)
	}
	for role, r := range tr.Regions {
		l.Set(role, r)
	}
	return l
}

// DefaultLayout is the widget geometry used when a trace has none.
func DefaultLayout() map[string]telemetry.Rect {
	return map[string]telemetry.Rect{
		telemetry.RoleScratchaContainer:    {Left: 40, Top: 40, Width: 400, Height: 560},
		telemetry.RoleInstructionArea:      {Left: 40, Top: 40, Width: 400, Height: 60},
		telemetry.RoleInstructionContainer: {Left: 50, Top: 50, Width: 330, Height: 40},
		telemetry.RoleRefreshButton:        {Left: 390, Top: 50, Width: 40, Height: 40},
		telemetry.RoleCanvasContainer:      {Left: 40, Top: 100, Width: 400, Height: 400},
		telemetry.RoleAnswerContainer:      {Left: 40, Top: 500, Width: 400, Height: 100},
		telemetry.RoleAnswer1:              {Left: 40, Top: 500, Width: 200, Height: 50},
		telemetry.RoleAnswer2:              {Left: 240, Top: 500, Width: 200, Height: 50},
		telemetry.RoleAnswer3:              {Left: 40, Top: 550, Width: 200, Height: 50},
		telemetry.RoleAnswer4:              {Left: 240, Top: 550, Width: 200, Height: 50},
	}
}

// Handler receives replayed inputs.
type Handler interface {
	Handle(in telemetry.Input)
}

// Play sends every sample to h. Speed scales the recorded pacing; zero or
// less replays without waiting.
func Play(ctx context.Context, h Handler, samples []Sample, speed float64) error {
	start := time.Now()
	for i, s := range samples {
		in, err := s.Input()
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}

		if speed > 0 {
			due := start.Add(time.Duration(float64(s.AtMs)/speed) * time.Millisecond)
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		h.Handle(in)
	}
	log.Debug().Int("samples", len(samples)).Dur("elapsed", time.Since(start)).Msg("Trace replayed")
	return nil
}
