// Package enhance implements the fixed still-image enhancement pipeline.
package enhance

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// ErrDecode is returned when the input bytes are not a supported image.
var ErrDecode = errors.New("cannot decode image")

// Params tunes the pipeline stages.
type Params struct {
	Alpha float64 // contrast gain
	Beta  float64 // brightness offset

	Sharpen [9]float64

	Diameter   int
	SigmaColor float64
	SigmaSpace float64
}

// DefaultParams are the values the service ships with.
var DefaultParams = Params{
	Alpha:      1.2,
	Beta:       10,
	Sharpen:    [9]float64{-1, -1, -1, -1, 9, -1, -1, -1, -1},
	Diameter:   9,
	SigmaColor: 75,
	SigmaSpace: 75,
}

// Enhancer applies contrast, sharpening and edge-preserving smoothing, in that
// order. It holds no state between calls and is safe for concurrent use.
type Enhancer struct {
	params Params
	levels [256]uint8
}

func NewEnhancer(p Params) *Enhancer {
	e := &Enhancer{params: p}
	for i := range e.levels {
		e.levels[i] = saturate(math.Abs(p.Alpha*float64(i) + p.Beta))
	}
	return e
}

// Enhance decodes data and runs the pipeline over it.
func (e *Enhancer) Enhance(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrDecode
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return e.Apply(img), nil
}

// Apply runs the pipeline over an already decoded image.
func (e *Enhancer) Apply(img image.Image) *image.NRGBA {
	contrasted := imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: e.levels[c.R], G: e.levels[c.G], B: e.levels[c.B], A: c.A}
	})
	sharpened := imaging.Convolve3x3(contrasted, e.params.Sharpen, nil)
	return Bilateral(sharpened, e.params.Diameter, e.params.SigmaColor, e.params.SigmaSpace)
}

func saturate(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
