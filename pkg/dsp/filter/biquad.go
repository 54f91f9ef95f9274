// Package filter provides the biquad cascade used by the K-weighting stage
// and the coefficient bilinear-transform helpers that build it.
package filter

import "errors"

// ErrInvalidArgument is returned for nonpositive channel counts.
var ErrInvalidArgument = errors.New("filter: invalid argument")

// denormalFloor is the magnitude below which an output sample is flushed to
// exactly zero. Denormal (subnormal) floats can be one to two orders of
// magnitude slower to operate on than normal floats on some CPUs; flushing
// protects the realtime audio thread from that stall.
const denormalFloor = 1e-20

// Coeffs holds one biquad's feed-forward and feedback rows using the
// convention the K-weighting formulas are derived in: b0,b1,b2 feed-forward,
// a1,a2 already negated so that
//
//	y[n] = b0*x[n] + b1*x[n-1] + b2*x[n-2] + a1*y[n-1] + a2*y[n-2]
type Coeffs struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Biquad is a second-order IIR section with independent Direct-Form-I state
// per channel, addressed by channel index rather than allocating one struct
// per channel.
type Biquad struct {
	coeffs Coeffs

	x1, x2 []float32 // per-channel input history
	y1, y2 []float32 // per-channel output history
}

// NewBiquad creates a biquad with cleared state for the given channel count.
func NewBiquad(channels int) (*Biquad, error) {
	if channels < 1 {
		return nil, ErrInvalidArgument
	}
	return &Biquad{
		x1: make([]float32, channels),
		x2: make([]float32, channels),
		y1: make([]float32, channels),
		y2: make([]float32, channels),
	}, nil
}

// SetCoeffs installs new filter coefficients. It does not touch the
// per-channel history; callers that need a glitch-free rebuild should also
// call Reset.
func (b *Biquad) SetCoeffs(c Coeffs) {
	b.coeffs = c
}

// Reset clears all per-channel history to zero.
func (b *Biquad) Reset() {
	for i := range b.x1 {
		b.x1[i] = 0
		b.x2[i] = 0
		b.y1[i] = 0
		b.y2[i] = 0
	}
}

// Process filters one channel's block in place, applying the denormal flush
// spec.md §4.2 requires on every output sample.
func (b *Biquad) Process(buffer []float32, channel int) {
	c := &b.coeffs
	x1, x2 := b.x1[channel], b.x2[channel]
	y1, y2 := b.y1[channel], b.y2[channel]

	b0, b1, b2 := float32(c.B0), float32(c.B1), float32(c.B2)
	a1, a2 := float32(c.A1), float32(c.A2)

	for i := range buffer {
		x0 := buffer[i]
		y0 := b0*x0 + b1*x1 + b2*x2 + a1*y1 + a2*y2

		if y0 < denormalFloor && y0 > -denormalFloor {
			y0 = 0
		}

		x2, x1 = x1, x0
		y2, y1 = y1, y0
		buffer[i] = y0
	}

	b.x1[channel], b.x2[channel] = x1, x2
	b.y1[channel], b.y2[channel] = y1, y2
}
