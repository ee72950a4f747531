package overlay

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps a value in [0, 1] to a color by interpolating evenly spaced stops in RGB.
type Colormap []colorful.Color

// Gray runs from black to white.
var Gray = Colormap{
	colorful.Color{R: 0, G: 0, B: 0},
	colorful.Color{R: 1, G: 1, B: 1},
}

// Reds is the ColorBrewer sequential red scale, near white at 0 and dark red at 1.
var Reds = mustColormap("#fff5f0", "#fee0d2", "#fcbba1", "#fc9272", "#fb6a4a",
	"#ef3b2c", "#cb181d", "#a50f15", "#67000d")

func mustColormap(stops ...string) Colormap {
	cm := make(Colormap, len(stops))
	for i, hex := range stops {
		c, err := colorful.Hex(hex)
		if err != nil {
			panic(err)
		}
		cm[i] = c
	}
	return cm
}

// At returns the color for t, clamped to [0, 1].  NaN maps to the first stop.
func (cm Colormap) At(t float64) color.RGBA {
	if math.IsNaN(t) || t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	pos := t * float64(len(cm)-1)
	lo := int(math.Floor(pos))
	if lo >= len(cm)-1 {
		lo = len(cm) - 2
	}
	c := cm[lo].BlendRgb(cm[lo+1], pos-float64(lo)).Clamped()
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// normalizer scales values linearly so min maps to 0 and max to 1.  A constant input
// maps everything to 0.
type normalizer struct {
	min, max float64
}

func newNormalizer(values []float64) normalizer {
	n := normalizer{min: math.Inf(1), max: math.Inf(-1)}
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		n.min = math.Min(n.min, v)
		n.max = math.Max(n.max, v)
	}
	return n
}

func (n normalizer) scale(v float64) float64 {
	if n.max <= n.min || math.IsNaN(v) {
		return 0
	}
	return (v - n.min) / (n.max - n.min)
}
