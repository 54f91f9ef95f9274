// Package conv provides the windowed-sinc anti-alias kernel and the
// FFT-based overlap-add convolver that applies it block by block, grounded
// on the real-to-complex FFT plans other projects in this ecosystem build
// their partitioned and streaming convolution engines on top of.
package conv

import (
	"errors"
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// ErrInvalidArgument is returned for nonpositive buffer sizes or sample
// rates that would leave the kernel undefined.
var ErrInvalidArgument = errors.New("conv: invalid argument")

// cutoffHz is the anti-alias low-pass corner the FirKernel is designed
// around; the normalized cutoff cutoffHz/sampleRate is clamped to 0.5
// whenever the sample rate falls below twice this value, so it never
// exceeds Nyquist.
const cutoffHz = 21000.0

// Kernel is a windowed-sinc low-pass FIR, built time-domain then carried
// frequency-domain as the half-spectrum a real FFT produces, ready to be
// multiplied pointwise against a block's spectrum by an OverlapAddConvolver.
type Kernel struct {
	bufferSize  int
	fftSize     int
	halfFftSize int
	timeDomain  []float64 // length bufferSize+1, retained for Sum/tests
	freqDomain  []complex128
}

// Build designs a new kernel for the given block size and sample rate. The
// taps are a symmetric windowed sinc at cutoffHz (clamped to Nyquist),
// DC-normalized to unity gain, zero-padded to fftSize = 2*bufferSize, and
// transformed once via a real-to-complex FFT into the half-spectrum form
// the convolver expects.
func Build(bufferSize int, sampleRate int) (*Kernel, error) {
	if bufferSize < 1 {
		return nil, ErrInvalidArgument
	}
	if sampleRate < 1 {
		return nil, ErrInvalidArgument
	}

	n := bufferSize + 1
	halfN := n / 2
	fc := cutoffHz / float64(sampleRate)
	if fc > 0.5 {
		fc = 0.5
	}

	taps := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		var h float64
		if i == halfN {
			h = 2 * math.Pi * fc
		} else {
			d := float64(i - halfN)
			w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n)) + 0.08*math.Cos(4*math.Pi*float64(i)/float64(n))
			h = math.Sin(2*math.Pi*fc*d) / d * w
		}
		taps[i] = h
		sum += h
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}

	fftSize := 2 * bufferSize
	halfFftSize := fftSize/2 + 1

	padded := make([]float64, fftSize)
	copy(padded, taps)

	plan, err := algofft.NewPlanReal64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("conv: failed to create kernel FFT plan: %w", err)
	}
	freq := make([]complex128, halfFftSize)
	if err := plan.Forward(freq, padded); err != nil {
		return nil, fmt.Errorf("conv: kernel forward FFT: %w", err)
	}

	return &Kernel{
		bufferSize:  bufferSize,
		fftSize:     fftSize,
		halfFftSize: halfFftSize,
		timeDomain:  taps,
		freqDomain:  freq,
	}, nil
}

// Sum returns the sum of the (post-normalization) time-domain taps; callers
// use this to assert the unity-gain invariant after a rebuild.
func (k *Kernel) Sum() float64 {
	var s float64
	for _, v := range k.timeDomain {
		s += v
	}
	return s
}

// FFTSize returns the zero-padded FFT size the kernel was built for.
func (k *Kernel) FFTSize() int { return k.fftSize }

// HalfFFTSize returns the length of the kernel's half-spectrum.
func (k *Kernel) HalfFFTSize() int { return k.halfFftSize }
