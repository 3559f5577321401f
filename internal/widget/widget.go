// Package widget drives one CAPTCHA widget through its lifecycle:
// load a problem, collect interaction telemetry, ship it in chunks,
// verify the answer and start over.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scratcha/scratcha/internal/captcha"
	"github.com/scratcha/scratcha/internal/telemetry"
	"github.com/scratcha/scratcha/internal/transport"
)

var (
	ErrBusy     = errors.New("widget is busy")
	ErrNotReady = errors.New("no problem loaded")
	ErrClosed   = errors.New("widget is closed")
)

type State int

const (
	StateProblemLoading State = iota
	StateAwaitingInteraction
	StateSubmitting
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateProblemLoading:
		return "problem_loading"
	case StateAwaitingInteraction:
		return "awaiting_interaction"
	case StateSubmitting:
		return "submitting"
	case StateVerified:
		return "verified"
	}
	return "unknown"
}

// API is the verification service.
type API interface {
	Problem(ctx context.Context) (*captcha.Problem, error)
	Verify(ctx context.Context, token, answer string) (*captcha.Verdict, error)
}

// Tracker collects interaction telemetry.
type Tracker interface {
	SetProblemLoaded(loaded bool)
	StartTracking()
	StopTracking()
	EventData() telemetry.Snapshot
}

// Sender ships telemetry to the server.
type Sender interface {
	StartNewSession()
	SetClientToken(token string)
	SetEventData(snap telemetry.Snapshot) error
	SendAllChunks(ctx context.Context) transport.Result
}

type Config struct {
	// AutoReset loads a fresh problem ResetDelay after every verdict.
	AutoReset  bool
	ResetDelay time.Duration
	// OnResult receives every finished attempt.
	OnResult func(Outcome)
}

// Outcome is the end of one verification attempt. Verdict is nil when the
// attempt failed before the verification call.
type Outcome struct {
	Answer   string
	Verdict  *captcha.Verdict
	Transfer transport.Result
	Err      error
}

func (o Outcome) Success() bool {
	return o.Err == nil && o.Verdict != nil && o.Verdict.Success
}

type Widget struct {
	cfg     Config
	api     API
	tracker Tracker
	sender  Sender

	mu         sync.Mutex
	state      State
	problem    *captcha.Problem
	last       *Outcome
	resetTimer *time.Timer
	closed     bool
}

func New(cfg Config, api API, tracker Tracker, sender Sender) *Widget {
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = time.Second
	}
	return &Widget{cfg: cfg, api: api, tracker: tracker, sender: sender}
}

func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Problem returns the problem currently shown, or nil.
func (w *Widget) Problem() *captcha.Problem {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.problem
}

// LastOutcome returns the most recent verification attempt, or nil.
func (w *Widget) LastOutcome() *Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Load fetches a problem and opens the telemetry gate once it is shown.
func (w *Widget) Load(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateProblemLoading {
		w.mu.Unlock()
		return ErrBusy
	}
	w.mu.Unlock()

	p, err := w.api.Problem(ctx)
	if err != nil {
		return fmt.Errorf("load problem: %w", err)
	}

	// The gate opens under w.mu so a concurrent Close cannot be overtaken.
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state != StateProblemLoading {
		w.mu.Unlock()
		return ErrBusy
	}
	w.problem = p
	w.state = StateAwaitingInteraction
	w.tracker.SetProblemLoaded(true)
	w.tracker.StartTracking()
	w.mu.Unlock()

	log.Info().Int("options", len(p.Options)).Msg("Problem loaded, awaiting interaction")
	return nil
}

// SelectAnswer freezes input, ships the telemetry and verifies answer.
// Any failure ends the attempt; the caller recovers by resetting.
func (w *Widget) SelectAnswer(ctx context.Context, answer string) (Outcome, error) {
	w.mu.Lock()
	switch w.state {
	case StateAwaitingInteraction:
	case StateProblemLoading:
		w.mu.Unlock()
		return Outcome{}, ErrNotReady
	default:
		w.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	w.state = StateSubmitting
	token := w.problem.ClientToken
	w.mu.Unlock()

	w.tracker.StopTracking()
	w.tracker.SetProblemLoaded(false)
	snap := w.tracker.EventData()

	out := Outcome{Answer: answer}

	w.sender.StartNewSession()
	w.sender.SetClientToken(token)
	if err := w.sender.SetEventData(snap); err != nil {
		out.Err = fmt.Errorf("prepare telemetry: %w", err)
		return w.finish(out), nil
	}

	out.Transfer = w.sender.SendAllChunks(ctx)
	if !out.Transfer.OK() {
		out.Err = fmt.Errorf("send telemetry: %w", out.Transfer.Err)
		return w.finish(out), nil
	}

	verdict, err := w.api.Verify(ctx, token, answer)
	if err != nil {
		out.Err = err
		return w.finish(out), nil
	}
	out.Verdict = verdict
	return w.finish(out), nil
}

func (w *Widget) finish(out Outcome) Outcome {
	w.mu.Lock()
	w.state = StateVerified
	w.last = &out
	if w.cfg.AutoReset && !w.closed {
		w.resetTimer = time.AfterFunc(w.cfg.ResetDelay, w.autoReset)
	}
	w.mu.Unlock()

	ev := log.Info()
	if out.Err != nil {
		ev = log.Warn().Err(out.Err)
	}
	ev.Bool("success", out.Success()).Str("answer", out.Answer).Msg("Verification attempt finished")

	if w.cfg.OnResult != nil {
		w.cfg.OnResult(out)
	}
	return out
}

func (w *Widget) autoReset() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Reset(ctx); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Msg("Automatic reset failed")
	}
}

// Reset discards the current problem and telemetry and loads a new problem.
// It refuses while an answer is being submitted.
func (w *Widget) Reset(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.resetTimer != nil {
		w.resetTimer.Stop()
		w.resetTimer = nil
	}
	w.state = StateProblemLoading
	w.problem = nil
	w.mu.Unlock()

	w.tracker.SetProblemLoaded(false)
	w.tracker.StopTracking()

	return w.Load(ctx)
}

// Close stops any pending reset and tears down tracking. A load or reset
// still in flight finishes with ErrClosed and leaves tracking off.
func (w *Widget) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.resetTimer != nil {
		w.resetTimer.Stop()
		w.resetTimer = nil
	}
	w.tracker.SetProblemLoaded(false)
	w.tracker.StopTracking()
}
