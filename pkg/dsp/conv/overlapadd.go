package conv

import (
	"fmt"

	algofft "github.com/MeKo-Christian/algo-fft"
)

// OverlapAdd filters successive fixed-size blocks for one channel's path
// through a Kernel's frequency response, stitching the trailing half of
// each linear-convolution result into the next call — standard overlap-add
// over a real-to-complex FFT plan sized to the kernel it was built from.
type OverlapAdd struct {
	bufferSize int
	fftSize    int

	plan *algofft.PlanRealT[float64, complex128]
	tail []float64

	timeTD []float64
	specFD []complex128
}

// NewOverlapAdd creates a convolver scratch state with an FFT size of
// 2*bufferSize, matching a Kernel built for the same bufferSize. The tail
// starts zeroed, as it is whenever a kernel is rebuilt.
func NewOverlapAdd(bufferSize int) (*OverlapAdd, error) {
	if bufferSize < 1 {
		return nil, ErrInvalidArgument
	}
	fftSize := 2 * bufferSize
	plan, err := algofft.NewPlanReal64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("conv: failed to create convolver FFT plan: %w", err)
	}
	return &OverlapAdd{
		bufferSize: bufferSize,
		fftSize:    fftSize,
		plan:       plan,
		tail:       make([]float64, bufferSize),
		timeTD:     make([]float64, fftSize),
		specFD:     make([]complex128, fftSize/2+1),
	}, nil
}

// ResetTail zeros the carry-over tail. Called whenever the kernel backing
// this convolver is rebuilt so stale energy from the previous kernel never
// bleeds into output filtered with the new one.
func (o *OverlapAdd) ResetTail() {
	for i := range o.tail {
		o.tail[i] = 0
	}
}

// FilterRMS filters one channel's block in place against kernel: forward
// FFT, pointwise multiply by the kernel's half-spectrum, inverse FFT, add
// the previous call's tail into the first half, and carry the second half
// forward as the new tail.
func (o *OverlapAdd) FilterRMS(block []float64, kernel *Kernel) error {
	if len(block) != o.bufferSize {
		return fmt.Errorf("%w: block length %d, want %d", ErrInvalidArgument, len(block), o.bufferSize)
	}
	if kernel.fftSize != o.fftSize {
		return fmt.Errorf("%w: kernel FFT size %d, convolver FFT size %d", ErrInvalidArgument, kernel.fftSize, o.fftSize)
	}

	copy(o.timeTD[:o.bufferSize], block)
	for i := o.bufferSize; i < o.fftSize; i++ {
		o.timeTD[i] = 0
	}

	if err := o.plan.Forward(o.specFD, o.timeTD); err != nil {
		return fmt.Errorf("conv: forward FFT: %w", err)
	}
	for i := range o.specFD {
		o.specFD[i] *= kernel.freqDomain[i]
	}
	if err := o.plan.Inverse(o.timeTD, o.specFD); err != nil {
		return fmt.Errorf("conv: inverse FFT: %w", err)
	}
	// Inverse already divides by fftSize; no separate 1/nFftSize scale needed.

	for i := 0; i < o.bufferSize; i++ {
		block[i] = o.timeTD[i] + o.tail[i]
	}
	copy(o.tail, o.timeTD[o.bufferSize:o.fftSize])

	return nil
}
