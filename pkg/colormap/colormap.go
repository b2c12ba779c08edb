// Package colormap provides the discrete colour ramps used to paint
// flood-depth rasters and their legends.
package colormap

import (
	"errors"
	"fmt"
	"image/color"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrInvalidColor is returned for colour strings that are not #RRGGBB.
	ErrInvalidColor = errors.New("colormap: invalid colour")
	// ErrEmptyRamp is returned when a ramp is built from no colours.
	ErrEmptyRamp = errors.New("colormap: ramp has no colours")
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// Ramp is an ordered list of colours. A normalized value selects one bucket;
// colours are never blended.
type Ramp struct {
	colors []color.RGBA
}

var _ Colormap = Ramp{}

// NewRamp builds a ramp from opaque colours.
func NewRamp(colors ...color.RGBA) (Ramp, error) {
	if len(colors) == 0 {
		return Ramp{}, ErrEmptyRamp
	}
	out := make([]color.RGBA, len(colors))
	for i, c := range colors {
		c.A = 255
		out[i] = c
	}
	return Ramp{colors: out}, nil
}

// ParseRamp parses a list of "#RRGGBB" strings.
func ParseRamp(hex []string) (Ramp, error) {
	if len(hex) == 0 {
		return Ramp{}, ErrEmptyRamp
	}
	colors := make([]color.RGBA, len(hex))
	for i, s := range hex {
		c, err := ParseHex(s)
		if err != nil {
			return Ramp{}, fmt.Errorf("colour %d: %w", i, err)
		}
		colors[i] = c
	}
	return Ramp{colors: colors}, nil
}

// ParseHex parses "#RRGGBB" (either case) into an opaque colour.
func ParseHex(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Len returns the number of buckets.
func (r Ramp) Len() int {
	return len(r.colors)
}

// Index returns the bucket for a normalized value: floor(t*n) clamped to
// [0, n-1]. NaN maps to the first bucket.
func (r Ramp) Index(t float64) int {
	n := len(r.colors)
	if n == 0 || !(t > 0) {
		return 0
	}
	if t >= 1 {
		return n - 1
	}
	return min(int(t*float64(n)), n-1)
}

// RGBA returns the colour of bucket i, clamped to the ramp.
func (r Ramp) RGBA(i int) color.RGBA {
	if len(r.colors) == 0 {
		return color.RGBA{}
	}
	return r.colors[max(0, min(i, len(r.colors)-1))]
}

// At returns the bucket colour for normalized value t.
func (r Ramp) At(t float64) color.Color {
	return r.RGBA(r.Index(t))
}

// AtIndex returns the colour of bucket i.
func (r Ramp) AtIndex(i int) color.Color {
	return r.RGBA(i)
}

// Colors returns a copy of the ramp colours.
func (r Ramp) Colors() []color.RGBA {
	return append([]color.RGBA(nil), r.colors...)
}

// Hex returns the colours as upper-case "#RRGGBB" strings.
func (r Ramp) Hex() []string {
	out := make([]string, len(r.colors))
	for i, c := range r.colors {
		out[i] = fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
	}
	return out
}

// String joins the hex colours with commas. Equal ramps give equal strings.
func (r Ramp) String() string {
	return strings.Join(r.Hex(), ",")
}

// presets are ramps callers may request by name.
var presets = map[string][]string{
	// Light to dark blue, the usual water-depth scale.
	"flood": {"#DEEBF7", "#9ECAE1", "#6BAED6", "#3182BD", "#08519C", "#08306B"},
	// Hazard classes, low to extreme.
	"hazard":  {"#FFFFB2", "#FECC5C", "#FD8D3C", "#F03B20", "#BD0026"},
	"viridis": {"#440154", "#482374", "#404387", "#345E8D", "#29788E", "#20908C", "#22A784", "#44BE70", "#79D151", "#BDDE26", "#FDE725"},
	"plasma":  {"#0D0887", "#4B03A1", "#7D03A8", "#A82296", "#CB4679", "#E56B5D", "#F89441", "#FDC328", "#F0F921"},
	"inferno": {"#000004", "#280B54", "#65156E", "#9F2A63", "#D44842", "#F57D15", "#FAC127", "#FCFFA4"},
	"magma":   {"#000004", "#1C1044", "#4F127B", "#812581", "#B5367A", "#E55064", "#FB8761", "#FEC287", "#FCFDBF"},
}

// DefaultName is the preset used when a caller supplies no colours.
const DefaultName = "flood"

// Named returns the preset ramp called name.
func Named(name string) (Ramp, bool) {
	hex, ok := presets[strings.ToLower(name)]
	if !ok {
		return Ramp{}, false
	}
	r, err := ParseRamp(hex)
	if err != nil {
		panic("colormap: bad preset " + name)
	}
	return r, true
}

// Names lists the presets in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
