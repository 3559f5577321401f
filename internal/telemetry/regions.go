package telemetry

import "sync"

// Region roles rendered by the widget.
const (
	RoleScratchaContainer    = "scratcha-container"
	RoleCanvasContainer      = "canvas-container"
	RoleInstructionArea      = "instruction-area"
	RoleInstructionContainer = "instruction-container"
	RoleRefreshButton        = "refresh-button"
	RoleAnswerContainer      = "answer-container"
	RoleAnswer1              = "answer-1"
	RoleAnswer2              = "answer-2"
	RoleAnswer3              = "answer-3"
	RoleAnswer4              = "answer-4"
)

// DefaultRegionRoles lists every interactive zone captured in the region map.
var DefaultRegionRoles = []string{
	RoleScratchaContainer,
	RoleCanvasContainer,
	RoleInstructionArea,
	RoleInstructionContainer,
	RoleRefreshButton,
	RoleAnswerContainer,
	RoleAnswer1, RoleAnswer2, RoleAnswer3, RoleAnswer4,
}

// DefaultRedactedRoles are collected but never exported.
var DefaultRedactedRoles = []string{RoleInstructionContainer}

// RegionDirectory resolves named regions of the rendering surface.
type RegionDirectory interface {
	// RectOf returns the current rectangle of role, or false if it is not mounted.
	RectOf(role string) (Rect, bool)
	// RoleAt returns the innermost role under the point, or "" if none.
	RoleAt(x, y float64) string
}

// Display describes the host viewport.
type Display interface {
	Viewport() Viewport
	PixelRatio() float64
}

// Viewport is the host window size in CSS pixels.
type Viewport struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Layout is an in-memory RegionDirectory and Display for headless hosts
// that know their element geometry up front.
type Layout struct {
	mu       sync.RWMutex
	rects    map[string]Rect
	viewport Viewport
	dpr      float64
}

func NewLayout(viewport Viewport, dpr float64) *Layout {
	return &Layout{
		rects:    make(map[string]Rect),
		viewport: viewport,
		dpr:      dpr,
	}
}

// Set mounts or moves a region.
func (l *Layout) Set(role string, r Rect) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rects[role] = r
}

// Remove unmounts a region.
func (l *Layout) Remove(role string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rects, role)
}

// Resize updates the viewport.
func (l *Layout) Resize(viewport Viewport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewport = viewport
}

func (l *Layout) RectOf(role string) (Rect, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rects[role]
	return r, ok
}

// RoleAt picks the smallest region containing the point, which is the
// innermost element for nested layouts.
func (l *Layout) RoleAt(x, y float64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		role string
		best float64
	)
	for name, r := range l.rects {
		if r.Empty() || !r.Contains(x, y) {
			continue
		}
		if role == "" || r.area() < best || (r.area() == best && name < role) {
			role, best = name, r.area()
		}
	}
	return role
}

func (l *Layout) Viewport() Viewport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.viewport
}

func (l *Layout) PixelRatio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dpr
}

// BuildRegionMap collects the rectangles of every mounted, non-empty role
// and drops the redacted ones.
func BuildRegionMap(dir RegionDirectory, roles, redacted []string) map[string]Rect {
	out := make(map[string]Rect)
	if dir == nil {
		return out
	}
	for _, role := range roles {
		r, ok := dir.RectOf(role)
		if !ok || r.Empty() {
			continue
		}
		out[role] = r
	}
	for _, role := range redacted {
		delete(out, role)
	}
	return out
}
