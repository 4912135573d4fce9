package session

import "math"

// SnapMode selects how token positions are aligned to the grid.
type SnapMode string

const (
	SnapNone   SnapMode = ""
	SnapCorner SnapMode = "corner"
	SnapCenter SnapMode = "center"
)

// DefaultGridSize is the cell size used when a scene leaves it unset.
const DefaultGridSize = 100

// Grid describes the board grid. Width and Height fall back to Size.
type Grid struct {
	Size    float64  `json:"size,omitempty"`
	Width   float64  `json:"width,omitempty"`
	Height  float64  `json:"height,omitempty"`
	OffsetX float64  `json:"offsetX,omitempty"`
	OffsetY float64  `json:"offsetY,omitempty"`
	Snap    SnapMode `json:"snap,omitempty"`
}

// Valid reports whether the grid settings are usable.
func (g Grid) Valid() bool {
	if g.Size < 0 || g.Width < 0 || g.Height < 0 {
		return false
	}
	switch g.Snap {
	case SnapNone, SnapCorner, SnapCenter:
		return true
	}
	return false
}

func (g Grid) cell() (float64, float64) {
	size := g.Size
	if size <= 0 {
		size = DefaultGridSize
	}
	w, h := g.Width, g.Height
	if w <= 0 {
		w = size
	}
	if h <= 0 {
		h = size
	}
	return w, h
}

// SnapPoint aligns (x, y) to the grid honoring offsets. Corner mode rounds to
// the nearest intersection, center mode moves to the center of the containing
// cell.
func (g Grid) SnapPoint(x, y float64) (float64, float64) {
	w, h := g.cell()
	switch g.Snap {
	case SnapCorner:
		return math.Round((x-g.OffsetX)/w)*w + g.OffsetX,
			math.Round((y-g.OffsetY)/h)*h + g.OffsetY
	case SnapCenter:
		return math.Floor((x-g.OffsetX)/w)*w + w/2 + g.OffsetX,
			math.Floor((y-g.OffsetY)/h)*h + h/2 + g.OffsetY
	default:
		return x, y
	}
}
