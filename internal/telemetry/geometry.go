package telemetry

import "math"

// Rect is an element's bounding rectangle in viewport pixels.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Empty reports whether the rectangle has no visible area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains reports whether the point lies inside the rectangle, edges included.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.Left && x <= r.Left+r.Width && y >= r.Top && y <= r.Top+r.Height
}

func (r Rect) area() float64 {
	return r.Width * r.Height
}

// NormalizedPoint is a raw sample projected onto the reference element.
// X and Y are always within [0,1]; OnCanvas is false when the raw point
// fell outside the reference rectangle and had to be clamped.
type NormalizedPoint struct {
	X        float64
	Y        float64
	XRaw     float64
	YRaw     float64
	OnCanvas bool
}

// Normalize maps raw client coordinates to fractions of ref.
// It returns false when ref has no area, which happens while the
// reference element is still mounting.
func Normalize(ref Rect, xRaw, yRaw float64) (NormalizedPoint, bool) {
	if ref.Empty() {
		return NormalizedPoint{}, false
	}

	xr := (xRaw - ref.Left) / math.Max(1, ref.Width)
	yr := (yRaw - ref.Top) / math.Max(1, ref.Height)
	outside := xr < 0 || xr > 1 || yr < 0 || yr > 1

	return NormalizedPoint{
		X:        clamp01(xr),
		Y:        clamp01(yr),
		XRaw:     xRaw,
		YRaw:     yRaw,
		OnCanvas: !outside,
	}, true
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
