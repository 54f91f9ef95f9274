package filter

import "math"

// KWeighting is the two-stage ITU-R BS.1770 cascade: a high-shelf-like
// "pre-filter" followed by a high-pass-like "RLB" filter, each a Biquad with
// its own per-channel history. Coefficients are rebuilt whenever the sample
// rate changes; Process always runs PreFilter before RlbFilter and commits
// both stages' history before returning, matching spec.md §4.5's processing
// order.
//
// The coefficient math below mirrors the teacher's own
// analysis.LUFSMeter.createKWeightingPreFilter/createKWeightingHighShelf
// (pkg/dsp/analysis, since deleted from this module), which already
// implements the same ITU bilinear-transform formulas this package is
// specified against.
type KWeighting struct {
	channels  int
	PreFilter *Biquad
	RlbFilter *Biquad
}

// Pre-filter (high-shelf-like) constants, ITU-R BS.1770-4.
const (
	preFilterVh = 1.584864701130855
	preFilterVl = 1.0
	preFilterQ  = 0.7071752369554196
	preFilterFc = 1681.974450955533
)

// RLB filter (high-pass-like) constants, ITU-R BS.1770-4.
const (
	rlbVh = 1.0
	rlbVb = 0.0
	rlbVl = 0.0
	rlbQ  = 0.5003270373238773
	rlbFc = 38.13547087602444
)

// NewKWeighting allocates a cascade for the given channel count with cleared
// state; call Build to install coefficients for a sample rate before use.
func NewKWeighting(channels int) (*KWeighting, error) {
	pre, err := NewBiquad(channels)
	if err != nil {
		return nil, err
	}
	rlb, err := NewBiquad(channels)
	if err != nil {
		return nil, err
	}
	return &KWeighting{channels: channels, PreFilter: pre, RlbFilter: rlb}, nil
}

// Build recomputes both stages' coefficients for sampleRate and clears all
// per-channel history, per spec.md §4.6's "rebuild resets state" rule.
func (k *KWeighting) Build(sampleRate int) {
	k.PreFilter.SetCoeffs(preFilterCoeffs(float64(sampleRate)))
	k.RlbFilter.SetCoeffs(rlbCoeffs(float64(sampleRate)))
	k.PreFilter.Reset()
	k.RlbFilter.Reset()
}

// Process runs the pre-filter then the RLB filter over one channel's block,
// in place, committing each stage's history before the next stage runs.
func (k *KWeighting) Process(buffer []float32, channel int) {
	k.PreFilter.Process(buffer, channel)
	k.RlbFilter.Process(buffer, channel)
}

// preFilterCoeffs implements spec.md §4.5's bilinear transform for the
// pre-filter, whose feed-forward row is normalized by
// D = ω² + ωQ + 1 (the same divisor as its feedback row).
func preFilterCoeffs(sampleRate float64) Coeffs {
	vb := math.Sqrt(preFilterVh)
	omega := math.Tan(math.Pi * preFilterFc / sampleRate)
	omega2 := omega * omega
	omegaQ := omega / preFilterQ
	d := omega2 + omegaQ + 1

	return Coeffs{
		B0: (preFilterVl*omega2 + vb*omegaQ + preFilterVh) / d,
		B1: 2 * (preFilterVl*omega2 - preFilterVh) / d,
		B2: (preFilterVl*omega2 - vb*omegaQ + preFilterVh) / d,
		A1: -2 * (omega2 - 1) / d,
		A2: -(omega2 - omegaQ + 1) / d,
	}
}

// rlbCoeffs implements spec.md §4.5's bilinear transform for the RLB stage.
// Its feed-forward row is normalized by a *different* divisor,
// D1 = Vl·ω² + Vb·ωQ + Vh, than its feedback row's D = ω² + ωQ + 1 — this is
// the "different divisor" spec.md §4.5 and §9 call out explicitly. The
// magic row1[0] = -1 sentinel mentioned in spec.md §9 is a harmless artifact
// of the source's layout and is not reproduced: only the resulting transfer
// function matters, and it is verified against the ITU reference rather than
// byte-for-byte against the source.
func rlbCoeffs(sampleRate float64) Coeffs {
	omega := math.Tan(math.Pi * rlbFc / sampleRate)
	omega2 := omega * omega
	omegaQ := omega / rlbQ
	d := omega2 + omegaQ + 1
	d1 := rlbVl*omega2 + rlbVb*omegaQ + rlbVh

	return Coeffs{
		B0: (rlbVl*omega2 + rlbVb*omegaQ + rlbVh) / d1,
		B1: 2 * (rlbVl*omega2 - rlbVh) / d1,
		B2: (rlbVl*omega2 - rlbVb*omegaQ + rlbVh) / d1,
		A1: -2 * (omega2 - 1) / d,
		A2: -(omega2 - omegaQ + 1) / d,
	}
}
