package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls a Tracker.
type Config struct {
	Enabled           bool
	DragFlushInterval time.Duration
	IdleFlushInterval time.Duration
	// ReferenceRole is the region coordinates are normalized against.
	ReferenceRole string
	// RefreshRole is the region whose click restarts the session.
	RefreshRole   string
	RegionRoles   []string
	RedactedRoles []string
	Clock         func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DragFlushInterval: 50 * time.Millisecond,
		IdleFlushInterval: 120 * time.Millisecond,
		ReferenceRole:     RoleCanvasContainer,
		RefreshRole:       RoleRefreshButton,
		RegionRoles:       DefaultRegionRoles,
		RedactedRoles:     DefaultRedactedRoles,
		Clock:             time.Now,
	}
}

// InputKind is the kind of a raw input event.
type InputKind int

const (
	InputPointerDown InputKind = iota
	InputPointerMove
	InputPointerUp
	InputPointerCancel
	InputClick
)

func (k InputKind) String() string {
	switch k {
	case InputPointerDown:
		return "pointerdown"
	case InputPointerMove:
		return "pointermove"
	case InputPointerUp:
		return "pointerup"
	case InputPointerCancel:
		return "pointercancel"
	case InputClick:
		return "click"
	}
	return "unknown"
}

// Input is a raw pointer, touch or click event as delivered by the host.
type Input struct {
	Kind        InputKind
	X           float64
	Y           float64
	PointerType string // mouse, touch, pen
	// Answer is the answer label bound to the click target, if any.
	Answer string
}

// SessionMeta describes the environment at snapshot time.
type SessionMeta struct {
	Device                string          `json:"device"`
	Viewport              Viewport        `json:"viewport"`
	DevicePixelRatio      float64         `json:"dpr"`
	TimestampResolutionMs int             `json:"ts_resolution_ms"`
	RegionMap             map[string]Rect `json:"roi_map"`
}

// Snapshot is a point-in-time copy of the event log.
type Snapshot struct {
	Meta   SessionMeta `json:"meta"`
	Events []Entry     `json:"events"`
}

// Tracker samples pointer input into an append-only event log.
// Drag moves and free (hover) moves are buffered separately and compacted
// into MoveRuns by two interval timers.
type Tracker struct {
	cfg     Config
	regions RegionDirectory
	display Display

	mu            sync.Mutex
	problemLoaded bool
	origin        time.Time
	events        []Entry
	dragBuf       []sample
	freeBuf       []sample
	dragging      bool
	device        string
	dragTicker    flushTicker
	idleTicker    flushTicker
}

// NewTracker creates a tracker. display may be nil for hosts without a window.
func NewTracker(cfg Config, regions RegionDirectory, display Display) *Tracker {
	def := DefaultConfig()
	if cfg.DragFlushInterval <= 0 {
		cfg.DragFlushInterval = def.DragFlushInterval
	}
	if cfg.IdleFlushInterval <= 0 {
		cfg.IdleFlushInterval = def.IdleFlushInterval
	}
	if cfg.ReferenceRole == "" {
		cfg.ReferenceRole = def.ReferenceRole
	}
	if cfg.RefreshRole == "" {
		cfg.RefreshRole = def.RefreshRole
	}
	if cfg.RegionRoles == nil {
		cfg.RegionRoles = def.RegionRoles
	}
	if cfg.RedactedRoles == nil {
		cfg.RedactedRoles = def.RedactedRoles
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Tracker{
		cfg:        cfg,
		regions:    regions,
		display:    display,
		origin:     cfg.Clock(),
		device:     "unknown",
		dragTicker: flushTicker{interval: cfg.DragFlushInterval},
		idleTicker: flushTicker{interval: cfg.IdleFlushInterval},
	}
}

// SetProblemLoaded opens or closes the collection gate.
func (t *Tracker) SetProblemLoaded(loaded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.problemLoaded = loaded
}

// StartTracking begins a fresh tracking session with an empty log.
func (t *Tracker) StartTracking() {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	log.Debug().Msg("Tracking session started")
}

// StopTracking stops both timers and flushes whatever is still buffered.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dragTicker.halt()
	t.idleTicker.halt()
	t.dragging = false
	t.flushDragLocked()
	t.flushFreeLocked()
}

// Handle feeds one raw input event through the sampler.
func (t *Tracker) Handle(in Input) {
	if !t.cfg.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.problemLoaded {
		return
	}

	switch in.Kind {
	case InputPointerDown:
		t.pointerDown(in)
	case InputPointerMove:
		t.pointerMove(in)
	case InputPointerUp:
		t.pointerUp(in)
	case InputPointerCancel:
		t.pointerCancel()
	case InputClick:
		t.click(in)
	}
}

func (t *Tracker) pointerDown(in Input) {
	t.device = pointerType(in.PointerType)
	p, ok := t.normalize(in)
	if !ok {
		return
	}
	at := t.elapsed()

	t.dragging = true
	t.dragTicker.start(&t.mu, t.flushDragLocked)
	t.dragBuf = t.dragBuf[:0]
	t.freeBuf = t.freeBuf[:0]
	t.events = append(t.events, PointerDown(roundMs(at), p.XRaw, p.YRaw))
	t.dragBuf = append(t.dragBuf, newSample(at, p))
}

func (t *Tracker) pointerMove(in Input) {
	if in.PointerType != "" {
		t.device = in.PointerType
	}
	p, ok := t.normalize(in)
	if !ok {
		return
	}
	at := t.elapsed()

	if t.dragging {
		t.dragBuf = append(t.dragBuf, newSample(at, p))
		return
	}
	t.idleTicker.start(&t.mu, t.flushFreeLocked)
	t.freeBuf = append(t.freeBuf, newSample(at, p))
}

func (t *Tracker) pointerUp(in Input) {
	p, ok := t.normalize(in)
	if !ok {
		t.pointerCancel()
		return
	}
	at := t.elapsed()

	if t.dragging {
		t.dragBuf = append(t.dragBuf, newSample(at, p))
	}
	t.dragging = false
	t.dragTicker.halt()
	t.flushDragLocked()
	t.freeBuf = t.freeBuf[:0]
	t.events = append(t.events, PointerUp(roundMs(at), p.XRaw, p.YRaw))
}

func (t *Tracker) pointerCancel() {
	t.dragging = false
	t.dragTicker.halt()
	t.flushDragLocked()
}

func (t *Tracker) click(in Input) {
	var role string
	if t.regions != nil {
		role = t.regions.RoleAt(in.X, in.Y)
	}
	p, ok := t.normalize(in)
	if !ok {
		return
	}

	t.events = append(t.events, Click(roundMs(t.elapsed()), p.XRaw, p.YRaw, role, in.Answer))

	if role == t.cfg.RefreshRole {
		log.Debug().Str("role", role).Msg("Refresh clicked, restarting tracking session")
		t.resetLocked()
	}
}

func (t *Tracker) resetLocked() {
	t.dragTicker.halt()
	t.idleTicker.halt()
	t.events = nil
	t.dragBuf = nil
	t.freeBuf = nil
	t.dragging = false
	t.origin = t.cfg.Clock()
}

func (t *Tracker) flushDragLocked() {
	if len(t.dragBuf) == 0 {
		return
	}
	t.events = append(t.events, Moves(compact(t.dragBuf)))
	t.dragBuf = nil
}

func (t *Tracker) flushFreeLocked() {
	if len(t.freeBuf) == 0 {
		return
	}
	t.events = append(t.events, FreeMoves(compact(t.freeBuf)))
	t.freeBuf = nil
}

func (t *Tracker) normalize(in Input) (NormalizedPoint, bool) {
	if t.regions == nil {
		return NormalizedPoint{}, false
	}
	ref, ok := t.regions.RectOf(t.cfg.ReferenceRole)
	if !ok {
		return NormalizedPoint{}, false
	}
	return Normalize(ref, in.X, in.Y)
}

func (t *Tracker) elapsed() time.Duration {
	return t.cfg.Clock().Sub(t.origin)
}

// EventData builds fresh metadata and returns a copy of the log.
func (t *Tracker) EventData() Snapshot {
	t.mu.Lock()
	events := make([]Entry, len(t.events))
	copy(events, t.events)
	device := t.device
	t.mu.Unlock()

	meta := SessionMeta{
		Device:                device,
		DevicePixelRatio:      1,
		TimestampResolutionMs: 1,
		RegionMap:             BuildRegionMap(t.regions, t.cfg.RegionRoles, t.cfg.RedactedRoles),
	}
	if t.display != nil {
		meta.Viewport = t.display.Viewport()
		if dpr := t.display.PixelRatio(); dpr > 0 {
			meta.DevicePixelRatio = dpr
		}
	}

	return Snapshot{Meta: meta, Events: events}
}

func newSample(at time.Duration, p NormalizedPoint) sample {
	return sample{at: at, x: p.X, y: p.Y, xRaw: p.XRaw, yRaw: p.YRaw}
}

func pointerType(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
