package style

import (
	"math"
	"strconv"
	"strings"
)

// Display is the resolved display mode of a node.
type Display uint8

const (
	DisplayInline Display = iota
	DisplayBlock
	DisplayNone
)

func ParseDisplay(v string) (Display, bool) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "block":
		return DisplayBlock, true
	case "inline", "inline-block":
		return DisplayInline, true
	case "none":
		return DisplayNone, true
	default:
		return DisplayInline, false
	}
}

// Color is a resolved RGBA color.
type Color struct {
	R, G, B, A uint8
}

var namedColors = map[string]Color{
	"black":       {0, 0, 0, 255},
	"white":       {255, 255, 255, 255},
	"red":         {255, 0, 0, 255},
	"green":       {0, 128, 0, 255},
	"blue":        {0, 0, 255, 255},
	"gray":        {128, 128, 128, 255},
	"grey":        {128, 128, 128, 255},
	"yellow":      {255, 255, 0, 255},
	"transparent": {0, 0, 0, 0},
}

// ParseColor understands named colors, #rgb and #rrggbb.
func ParseColor(v string) (Color, bool) {
	v = strings.TrimSpace(strings.ToLower(v))
	if c, ok := namedColors[v]; ok {
		return c, true
	}
	if !strings.HasPrefix(v, "#") {
		return Color{}, false
	}
	hex := v[1:]
	switch len(hex) {
	case 3:
		r, okR := hexNibble(hex[0])
		g, okG := hexNibble(hex[1])
		b, okB := hexNibble(hex[2])
		if okR && okG && okB {
			return Color{r * 17, g * 17, b * 17, 255}, true
		}
	case 6:
		if n, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return Color{uint8(n >> 16), uint8(n >> 8), uint8(n), 255}, true
		}
	}
	return Color{}, false
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// Auto marks an unconstrained dimension.
var Auto = math.NaN()

// IsAuto reports whether a dimension is unconstrained.
func IsAuto(v float64) bool { return math.IsNaN(v) }

// ParseLength resolves px and em lengths against the given font size.
// "auto" and unparseable values yield Auto.
func ParseLength(v string, fontSize float64) float64 {
	v = strings.TrimSpace(strings.ToLower(v))
	switch {
	case v == "" || v == "auto":
		return Auto
	case strings.HasSuffix(v, "px"):
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64); err == nil {
			return f
		}
	case strings.HasSuffix(v, "em"):
		if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "em"), 64); err == nil {
			return f * fontSize
		}
	case v == "0":
		return 0
	default:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return Auto
}

// Edges holds top/right/bottom/left thicknesses.
type Edges struct {
	Top, Right, Bottom, Left float64
}

// Uniform returns edges with the same value on all sides.
func Uniform(v float64) Edges {
	return Edges{Top: v, Right: v, Bottom: v, Left: v}
}

// ParseEdges resolves 1-4 value shorthand ("8px", "4px 8px", ...).
func ParseEdges(v string, fontSize float64) Edges {
	fields := strings.Fields(v)
	vals := make([]float64, 0, 4)
	for _, f := range fields {
		l := ParseLength(f, fontSize)
		if IsAuto(l) {
			l = 0
		}
		vals = append(vals, l)
	}
	switch len(vals) {
	case 1:
		return Uniform(vals[0])
	case 2:
		return Edges{Top: vals[0], Bottom: vals[0], Right: vals[1], Left: vals[1]}
	case 3:
		return Edges{Top: vals[0], Right: vals[1], Left: vals[1], Bottom: vals[2]}
	case 4:
		return Edges{Top: vals[0], Right: vals[1], Bottom: vals[2], Left: vals[3]}
	default:
		return Edges{}
	}
}
