package meter

import (
	"math"
	"testing"

	"github.com/kmeter/loudness-engine/pkg/ballistics"
)

const testSampleRate = 48000
const testBufferSize = 1024

// fakeRing feeds fixed blocks to the engine without depending on
// pkg/dsp/buffer, exercising PullFrom against the Source interface alone.
type fakeRing struct {
	blocks [][][]float32 // one entry per Write-equivalent block
	pos    int
}

func (f *fakeRing) ReadInto(dest [][]float32, preDelay int) error {
	var src [][]float32
	if f.pos < len(f.blocks) {
		src = f.blocks[f.pos]
	}
	for ch := range dest {
		for i := range dest[ch] {
			if src != nil && i < len(src[ch]) {
				dest[ch][i] = src[ch][i]
			} else {
				dest[ch][i] = 0
			}
		}
	}
	f.pos++
	return nil
}

func sineBlocks(channels, numBlocks, bufferSize int, freq, amplitude float64, onChannel int) [][][]float32 {
	blocks := make([][][]float32, numBlocks)
	n := 0
	for b := 0; b < numBlocks; b++ {
		block := make([][]float32, channels)
		for ch := 0; ch < channels; ch++ {
			block[ch] = make([]float32, bufferSize)
		}
		for i := 0; i < bufferSize; i++ {
			v := float32(amplitude * math.Sin(2*math.Pi*freq*float64(n)/testSampleRate))
			block[onChannel][i] = v
			n++
		}
		blocks[b] = block
	}
	return blocks
}

func silentBlocks(channels, numBlocks, bufferSize int) [][][]float32 {
	blocks := make([][][]float32, numBlocks)
	for b := range blocks {
		block := make([][]float32, channels)
		for ch := range block {
			block[ch] = make([]float32, bufferSize)
		}
		blocks[b] = block
	}
	return blocks
}

func newTestEngine(t *testing.T, channels int, algo AlgorithmID) *AverageLevelEngine {
	t.Helper()
	e, err := NewAverageLevelEngine(Config{
		Channels:   channels,
		BufferSize: testBufferSize,
		SampleRate: testSampleRate,
		Algorithm:  algo,
	})
	if err != nil {
		t.Fatalf("NewAverageLevelEngine: %v", err)
	}
	return e
}

func runBlocks(t *testing.T, e *AverageLevelEngine, ring *fakeRing, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		if err := e.PullFrom(ring, 0, testSampleRate); err != nil {
			t.Fatalf("PullFrom block %d: %v", i, err)
		}
		if err := e.ComputeBlock(); err != nil {
			t.Fatalf("ComputeBlock block %d: %v", i, err)
		}
	}
}

func TestNewAverageLevelEngineRejectsInvalidArguments(t *testing.T) {
	cases := []Config{
		{Channels: 0, BufferSize: 1024, SampleRate: 48000},
		{Channels: 2, BufferSize: 0, SampleRate: 48000},
		{Channels: 2, BufferSize: 1024, SampleRate: 0},
	}
	for _, c := range cases {
		if _, err := NewAverageLevelEngine(c); err != ErrInvalidArgument {
			t.Errorf("config %+v: got %v, want ErrInvalidArgument", c, err)
		}
	}
}

func TestS1StereoSilence(t *testing.T) {
	for _, algo := range []AlgorithmID{RmsBandLimited, ItuBs1770} {
		e := newTestEngine(t, 2, algo)
		ring := &fakeRing{blocks: silentBlocks(2, 3, testBufferSize)}
		runBlocks(t, e, ring, 3)

		l0, err := e.Level(0)
		if err != nil {
			t.Fatalf("Level(0): %v", err)
		}
		l1, err := e.Level(1)
		if err != nil {
			t.Fatalf("Level(1): %v", err)
		}
		if l0 != ballistics.MeterMinimumDecibel || l1 != ballistics.MeterMinimumDecibel {
			t.Errorf("algo=%s: level(0)=%v level(1)=%v, want both %v", algo, l0, l1, ballistics.MeterMinimumDecibel)
		}
	}
}

func TestS2RmsModeOneKilohertzSine(t *testing.T) {
	e := newTestEngine(t, 2, RmsBandLimited)
	blocks := sineBlocks(2, 6, testBufferSize, 1000, 1.0, 0)
	ring := &fakeRing{blocks: blocks}
	runBlocks(t, e, ring, 6)

	l0, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0): %v", err)
	}
	// 0 dB peak sine, -3.01 dB RMS, +2.9881 dB calibration offset: net ~-0.02dB.
	if diff := l0 - (-0.02); diff > 0.1 || diff < -0.1 {
		t.Errorf("level(0) = %v, want approx -0.02 dB within 0.1", l0)
	}

	l1, err := e.Level(1)
	if err != nil {
		t.Fatalf("Level(1): %v", err)
	}
	if l1 != ballistics.MeterMinimumDecibel {
		t.Errorf("level(1) = %v, want meter minimum %v (silent channel)", l1, ballistics.MeterMinimumDecibel)
	}
}

func TestS3Bs1770ModeOneKilohertzSine(t *testing.T) {
	e := newTestEngine(t, 2, ItuBs1770)
	blocks := sineBlocks(2, 6, testBufferSize, 1000, 1.0, 0)
	ring := &fakeRing{blocks: blocks}
	runBlocks(t, e, ring, 6)

	l0, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0): %v", err)
	}
	// Mono full-scale 1kHz sine (channel 1 silent): the K-weighting cascade
	// has about +0.69dB of gain at 1kHz, so msq[0] ~= 0.5*1.17 ~= 0.587 and
	// LKFS = -0.691 + 10*log10(0.587) ~= -3.01.
	if diff := l0 - (-3.01); diff > 0.3 || diff < -0.3 {
		t.Errorf("level(0) = %v, want approx -3.01 LKFS within 0.3", l0)
	}
}

func TestS4Bs1770FullScaleStereoSine(t *testing.T) {
	e := newTestEngine(t, 2, ItuBs1770)
	left := sineBlocks(2, 6, testBufferSize, 1000, 1.0, 0)
	// Correlated: copy channel 0 into channel 1 for every block.
	for _, b := range left {
		copy(b[1], b[0])
	}
	ring := &fakeRing{blocks: left}
	runBlocks(t, e, ring, 6)

	l0, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0): %v", err)
	}
	// Correlated full-scale L/R 1kHz sine: after K-weighting (about +0.69dB
	// at 1kHz) msq[0]=msq[1]~=0.587, sum~=1.17, LKFS = -0.691 + 10*log10(1.17)
	// ~= 0.0.
	if diff := l0 - 0.0; diff > 0.3 || diff < -0.3 {
		t.Errorf("level(0) = %v, want approx 0.0 LKFS within 0.3", l0)
	}
}

func TestS6AlgorithmToggleMidStream(t *testing.T) {
	blocks := sineBlocks(2, 7, testBufferSize, 1000, 1.0, 0)

	e := newTestEngine(t, 2, RmsBandLimited)
	ring := &fakeRing{blocks: blocks}
	runBlocks(t, e, ring, 5)

	if err := e.SetAlgorithm(ItuBs1770); err != nil {
		t.Fatalf("SetAlgorithm: %v", err)
	}
	if err := e.PullFrom(ring, 0, testSampleRate); err != nil {
		t.Fatalf("PullFrom block 6: %v", err)
	}
	if err := e.ComputeBlock(); err != nil {
		t.Fatalf("ComputeBlock block 6: %v", err)
	}
	got, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0): %v", err)
	}

	fresh := newTestEngine(t, 2, ItuBs1770)
	freshRing := &fakeRing{blocks: blocks}
	runBlocks(t, fresh, freshRing, 6)
	want, err := fresh.Level(0)
	if err != nil {
		t.Fatalf("fresh Level(0): %v", err)
	}

	if diff := got - want; diff > 0.5 || diff < -0.5 {
		t.Errorf("post-toggle level(0) = %v, want approx %v (fresh engine) within 0.5", got, want)
	}
}

func TestLfeIgnoredInBs1770(t *testing.T) {
	e := newTestEngine(t, 6, ItuBs1770)
	blocks := sineBlocks(6, 4, testBufferSize, 1000, 1.0, 3) // LFE only
	ring := &fakeRing{blocks: blocks}
	runBlocks(t, e, ring, 4)

	l0, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0): %v", err)
	}
	if l0 != ballistics.MeterMinimumDecibel {
		t.Errorf("level(0) = %v, want meter minimum %v (LFE-only input must be ignored)", l0, ballistics.MeterMinimumDecibel)
	}
}

func TestLevelNeverBelowMinimum(t *testing.T) {
	for _, algo := range []AlgorithmID{RmsBandLimited, ItuBs1770} {
		e := newTestEngine(t, 2, algo)
		ring := &fakeRing{blocks: silentBlocks(2, 2, testBufferSize)}
		runBlocks(t, e, ring, 2)
		l, err := e.Level(0)
		if err != nil {
			t.Fatalf("Level(0): %v", err)
		}
		if l < ballistics.MeterMinimumDecibel {
			t.Errorf("algo=%s: level(0) = %v, below floor %v", algo, l, ballistics.MeterMinimumDecibel)
		}
	}
}

func TestLevelRejectsOutOfRangeChannel(t *testing.T) {
	e := newTestEngine(t, 2, RmsBandLimited)
	ring := &fakeRing{blocks: silentBlocks(2, 1, testBufferSize)}
	runBlocks(t, e, ring, 1)
	if _, err := e.Level(2); err != ErrInvalidArgument {
		t.Errorf("Level(2): got %v, want ErrInvalidArgument", err)
	}
	if _, err := e.Level(-1); err != ErrInvalidArgument {
		t.Errorf("Level(-1): got %v, want ErrInvalidArgument", err)
	}
}

func TestSampleRateChangeRebuildsDeterministically(t *testing.T) {
	blocks := sineBlocks(1, 4, testBufferSize, 1000, 1.0, 0)

	e1 := newTestEngine(t, 1, RmsBandLimited)
	ring1 := &fakeRing{blocks: blocks}
	runBlocks(t, e1, ring1, 4)
	l1, _ := e1.Level(0)

	e2, err := NewAverageLevelEngine(Config{Channels: 1, BufferSize: testBufferSize, SampleRate: 44100, Algorithm: RmsBandLimited})
	if err != nil {
		t.Fatalf("NewAverageLevelEngine: %v", err)
	}
	ring2 := &fakeRing{blocks: blocks}
	for i := 0; i < 4; i++ {
		if err := e2.PullFrom(ring2, 0, testSampleRate); err != nil {
			t.Fatalf("PullFrom: %v", err)
		}
		if err := e2.ComputeBlock(); err != nil {
			t.Fatalf("ComputeBlock: %v", err)
		}
	}
	l2, _ := e2.Level(0)

	if diff := l1 - l2; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("level after implicit rebuild = %v, want %v within 1e-6", l2, l1)
	}
}

func TestPublishToCopiesCurrentBlock(t *testing.T) {
	e := newTestEngine(t, 1, RmsBandLimited)
	blocks := sineBlocks(1, 1, testBufferSize, 1000, 1.0, 0)
	ring := &fakeRing{blocks: blocks}
	if err := e.PullFrom(ring, 0, testSampleRate); err != nil {
		t.Fatalf("PullFrom: %v", err)
	}
	if err := e.ComputeBlock(); err != nil {
		t.Fatalf("ComputeBlock: %v", err)
	}

	dest := [][]float32{make([]float32, testBufferSize)}
	if err := e.PublishTo(dest); err != nil {
		t.Fatalf("PublishTo: %v", err)
	}

	var nonzero bool
	for _, v := range dest[0] {
		if v != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Error("published block is all zero, expected filtered sine content")
	}
}

func TestComputeBlockIsMemoizedPerBlock(t *testing.T) {
	e := newTestEngine(t, 1, ItuBs1770)
	ring := &fakeRing{blocks: sineBlocks(1, 1, testBufferSize, 1000, 1.0, 0)}
	if err := e.PullFrom(ring, 0, testSampleRate); err != nil {
		t.Fatalf("PullFrom: %v", err)
	}

	l1, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0) first call: %v", err)
	}
	// Calling Level again (or ComputeBlock directly) without a new PullFrom
	// must return the same memoized value, not re-run the filter chain.
	if err := e.ComputeBlock(); err != nil {
		t.Fatalf("ComputeBlock: %v", err)
	}
	l2, err := e.Level(0)
	if err != nil {
		t.Fatalf("Level(0) second call: %v", err)
	}
	if l1 != l2 {
		t.Errorf("memoized level changed across calls: %v vs %v", l1, l2)
	}
}

func TestSetAlgorithmNoopWhenUnchanged(t *testing.T) {
	e := newTestEngine(t, 1, RmsBandLimited)
	before := e.PeakToAverageCorrection()
	if err := e.SetAlgorithm(RmsBandLimited); err != nil {
		t.Fatalf("SetAlgorithm: %v", err)
	}
	if e.PeakToAverageCorrection() != before {
		t.Errorf("calibration changed on no-op SetAlgorithm: %v vs %v", e.PeakToAverageCorrection(), before)
	}
}
