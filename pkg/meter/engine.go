// Package meter implements the average-level metering engine: algorithm
// selection between band-limited RMS and ITU-R BS.1770 loudness, coefficient
// and kernel rebuilds, and per-block level computation.
package meter

import (
	"fmt"
	"math"

	"github.com/kmeter/loudness-engine/pkg/ballistics"
	"github.com/kmeter/loudness-engine/pkg/dsp/conv"
	"github.com/kmeter/loudness-engine/pkg/dsp/debug"
	"github.com/kmeter/loudness-engine/pkg/dsp/filter"
	"github.com/kmeter/loudness-engine/pkg/dsp/stage"
)

// peakToAverageRmsOffset is the empirical +2.9881dB calibration applied in
// RMS mode so a steady-state full-scale sine reads the same in RMS mode as
// it would on an independent peak meter. BS.1770 carries no such offset.
const peakToAverageRmsOffset = 2.9881

// bs1770ReferenceOffset is the ITU-R BS.1770 constant term in the
// LKFS = -0.691 + 10*log10(sum) conversion.
const bs1770ReferenceOffset = -0.691

// AverageLevelEngine orchestrates kernel/coefficient rebuilds and computes
// the per-block average level for whichever algorithm is currently
// selected. It owns all of its scratch state; construction preallocates
// everything the audio-thread methods touch so compute/level/publish never
// allocate, and neither does PullFrom at an unchanged sample rate. A rebuild
// (on a sample-rate change seen by PullFrom, or on SetAlgorithm) allocates a
// new FIR kernel and its FFT plan rather than refilling the existing one.
type AverageLevelEngine struct {
	channels   int
	bufferSize int
	sampleRate int
	algorithm  AlgorithmID

	peakToAverageCorrection float64

	kernel     *conv.Kernel
	convolvers []*conv.OverlapAdd
	kWeighting *filter.KWeighting

	sampleBlock Block       // current block, engine-owned scratch
	scratch64   [][]float64 // float64 working copy for the FFT path

	rmsChains    []*stage.Chain // per-channel: convert, anti-alias filter, convert back
	bs1770Chains []*stage.Chain // per-channel: K-weight, convert, anti-alias filter, convert back

	blockComputed  bool // memoized-per-block guard (BS.1770 ordering rule)
	integratedLKFS float64
	rmsLevels      []float64

	log *debug.Logger
}

// NewAverageLevelEngine allocates kernels, coefficient tables, overlap
// tails, and biquad state for cfg. It fails with ErrInvalidArgument if
// Channels, BufferSize, or SampleRate is nonpositive.
func NewAverageLevelEngine(cfg Config) (*AverageLevelEngine, error) {
	if cfg.Channels < 1 || cfg.BufferSize < 1 || cfg.SampleRate < 1 {
		return nil, ErrInvalidArgument
	}

	e := &AverageLevelEngine{
		channels:   cfg.Channels,
		bufferSize: cfg.BufferSize,
		sampleRate: cfg.SampleRate,
		algorithm:  cfg.Algorithm.Normalize(),
		log:        debug.Default(),
	}

	e.sampleBlock = make(Block, cfg.Channels)
	e.scratch64 = make([][]float64, cfg.Channels)
	e.rmsLevels = make([]float64, cfg.Channels)
	e.convolvers = make([]*conv.OverlapAdd, cfg.Channels)
	for ch := 0; ch < cfg.Channels; ch++ {
		e.sampleBlock[ch] = make([]float32, cfg.BufferSize)
		e.scratch64[ch] = make([]float64, cfg.BufferSize)
		oa, err := conv.NewOverlapAdd(cfg.BufferSize)
		if err != nil {
			return nil, fmt.Errorf("meter: building convolver: %w", err)
		}
		e.convolvers[ch] = oa
	}

	kw, err := filter.NewKWeighting(cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("meter: building k-weighting: %w", err)
	}
	e.kWeighting = kw

	e.buildChains()

	if err := e.rebuild(); err != nil {
		return nil, err
	}
	e.applyCalibration()

	e.log.Info("engine constructed: channels=%d bufferSize=%d sampleRate=%d algorithm=%s",
		cfg.Channels, cfg.BufferSize, cfg.SampleRate, e.algorithm)

	return e, nil
}

// Algorithm returns the currently selected algorithm.
func (e *AverageLevelEngine) Algorithm() AlgorithmID {
	return e.algorithm
}

// SetAlgorithm switches algorithms. It is a no-op if id normalizes to the
// algorithm already selected; otherwise it rebuilds the FIR kernel and IIR
// coefficients, resets all per-channel state (tails, biquad histories), and
// installs the new peak-to-average calibration offset.
func (e *AverageLevelEngine) SetAlgorithm(id AlgorithmID) error {
	id = id.Normalize()
	if id == e.algorithm {
		return nil
	}
	e.algorithm = id
	e.applyCalibration()
	if err := e.rebuild(); err != nil {
		return err
	}
	e.log.Info("algorithm switched to %s", e.algorithm)
	return nil
}

// applyCalibration sets the peak-to-average correction for the currently
// selected algorithm: 0.0 for BS.1770, +2.9881dB for band-limited RMS.
func (e *AverageLevelEngine) applyCalibration() {
	if e.algorithm == RmsBandLimited {
		e.peakToAverageCorrection = peakToAverageRmsOffset
	} else {
		e.peakToAverageCorrection = 0.0
	}
}

// PeakToAverageCorrection returns the calibration offset currently in
// effect, queryable by collaborators per the external-interfaces contract.
func (e *AverageLevelEngine) PeakToAverageCorrection() float64 {
	return e.peakToAverageCorrection
}

// rebuild recomputes the FIR kernel and K-weighting coefficients for the
// engine's current sample rate and clears all per-channel state. Called at
// construction, on algorithm change, and whenever PullFrom observes a
// sample-rate change.
func (e *AverageLevelEngine) rebuild() error {
	kernel, err := conv.Build(e.bufferSize, e.sampleRate)
	if err != nil {
		return fmt.Errorf("meter: building kernel: %w", err)
	}
	e.kernel = kernel
	for _, oa := range e.convolvers {
		oa.ResetTail()
	}
	e.kWeighting.Build(e.sampleRate)
	e.blockComputed = false
	return nil
}

// Source is the subset of buffer.Ring the engine pulls blocks from. Defined
// as an interface so the engine can be exercised against a fake ring in
// tests without depending on pkg/dsp/buffer for anything but that.
type Source interface {
	ReadInto(dest [][]float32, preDelay int) error
}

// PullFrom reads one block from ring with the given pre-delay into the
// engine's internal sample block. If sampleRate differs from the engine's
// current rate, all coefficients and kernels are rebuilt before any samples
// are consumed.
func (e *AverageLevelEngine) PullFrom(ring Source, preDelay int, sampleRate int) error {
	if sampleRate != e.sampleRate {
		e.sampleRate = sampleRate
		if err := e.rebuild(); err != nil {
			return err
		}
		e.log.Info("sample rate changed to %d, kernel and coefficients rebuilt", sampleRate)
	}

	if err := ring.ReadInto(e.sampleBlock, preDelay); err != nil {
		return fmt.Errorf("meter: pulling block: %w", err)
	}
	e.blockComputed = false
	return nil
}

// ComputeBlock runs the selected algorithm over the current sample block
// exactly once, memoizing the result so repeated Level calls within the
// same block never re-run the filter chain. It replaces the "only channel 0
// triggers filtering" coupling the engine's BS.1770 path would otherwise
// have, making the compute step an explicit, idempotent operation.
func (e *AverageLevelEngine) ComputeBlock() error {
	if e.blockComputed {
		return nil
	}

	switch e.algorithm {
	case ItuBs1770:
		if err := e.computeBs1770(); err != nil {
			return err
		}
	default:
		if err := e.computeRMS(); err != nil {
			return err
		}
	}

	e.blockComputed = true
	return nil
}

// buildChains wires each channel's two possible processing sequences as
// stage.Chain instances: plain anti-alias RMS filtering, and K-weighted
// BS.1770 filtering. The closures read e.kernel and e.convolvers through the
// engine pointer, so a later rebuild() (new kernel, reset tails) is picked up
// without rebuilding the chains themselves.
func (e *AverageLevelEngine) buildChains() {
	e.rmsChains = make([]*stage.Chain, e.channels)
	e.bs1770Chains = make([]*stage.Chain, e.channels)

	for ch := 0; ch < e.channels; ch++ {
		ch := ch

		e.rmsChains[ch] = stage.NewChain(
			stage.StageFunc(func() error {
				toFloat64(e.scratch64[ch], e.sampleBlock[ch])
				return nil
			}),
			stage.StageFunc(func() error {
				return e.convolvers[ch].FilterRMS(e.scratch64[ch], e.kernel)
			}),
			stage.StageFunc(func() error {
				rms := rms64(e.scratch64[ch])
				e.rmsLevels[ch] = ballistics.Level2Decibel(rms) + e.peakToAverageCorrection
				toFloat32(e.sampleBlock[ch], e.scratch64[ch])
				return nil
			}),
		)

		e.bs1770Chains[ch] = stage.NewChain(
			stage.StageFunc(func() error {
				e.kWeighting.Process(e.sampleBlock[ch], ch)
				toFloat64(e.scratch64[ch], e.sampleBlock[ch])
				return nil
			}),
			stage.StageFunc(func() error {
				return e.convolvers[ch].FilterRMS(e.scratch64[ch], e.kernel)
			}),
			stage.StageFunc(func() error {
				toFloat32(e.sampleBlock[ch], e.scratch64[ch])
				return nil
			}),
		)
	}
}

func (e *AverageLevelEngine) computeRMS() error {
	for ch := 0; ch < e.channels; ch++ {
		if err := e.rmsChains[ch].Run(); err != nil {
			return fmt.Errorf("meter: filtering channel %d: %w", ch, err)
		}
	}
	return nil
}

func (e *AverageLevelEngine) computeBs1770() error {
	var sum float64
	for ch := 0; ch < e.channels; ch++ {
		weight := RoleForChannel(ch).Weight()

		if err := e.bs1770Chains[ch].Run(); err != nil {
			return fmt.Errorf("meter: filtering channel %d: %w", ch, err)
		}

		if weight == 0 {
			continue
		}
		sum += weight * meanSquare64(e.scratch64[ch])
	}

	lkfs := bs1770ReferenceOffset + 10*math.Log10(sum)
	e.integratedLKFS = ballistics.ClampDecibel(lkfs)
	return nil
}

// Level returns the average level for channel, in dBFS for band-limited RMS
// or LKFS for BS.1770. It triggers ComputeBlock if the current block has not
// yet been computed. For BS.1770, every channel index returns the single
// integrated value; callers should read channel 0 and treat the rest as the
// same measurement repeated, not per-channel loudness.
func (e *AverageLevelEngine) Level(channel int) (float64, error) {
	if channel < 0 || channel >= e.channels {
		return 0, ErrInvalidArgument
	}
	if err := e.ComputeBlock(); err != nil {
		return 0, err
	}

	if e.algorithm == ItuBs1770 {
		return e.integratedLKFS, nil
	}
	return e.rmsLevels[channel], nil
}

// PublishTo copies the engine's current (post-filter) sample block into
// dest, for visualization or oscilloscope use. dest must have the same
// channel count and block length as the engine.
func (e *AverageLevelEngine) PublishTo(dest Block) error {
	if len(dest) != e.channels {
		return ErrInvalidArgument
	}
	for ch := range dest {
		if len(dest[ch]) != e.bufferSize {
			return ErrInvalidArgument
		}
		copy(dest[ch], e.sampleBlock[ch])
	}
	return nil
}

func toFloat64(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}

func toFloat32(dst []float32, src []float64) {
	for i, v := range src {
		dst[i] = float32(v)
	}
}

func rms64(buf []float64) float64 {
	return math.Sqrt(meanSquare64(buf))
}

func meanSquare64(buf []float64) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, v := range buf {
		sum += v * v
	}
	return sum / float64(len(buf))
}

