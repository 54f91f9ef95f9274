package meter

import "errors"

// Block is one audio block: one []float32 per channel, all the same length.
// It is the unit the ring buffer, the engine, and the host's oscilloscope
// tap all exchange.
type Block = [][]float32

// ErrInvalidArgument is returned for nonpositive channel/buffer-size
// construction arguments or an out-of-range channel index passed to Level.
var ErrInvalidArgument = errors.New("meter: invalid argument")

// Config is the immutable set of parameters an AverageLevelEngine is built
// from. It replaces the global plugin-parameter singleton its teacher
// carried: every engine is constructed with its own Config value and never
// reaches for shared mutable configuration.
type Config struct {
	Channels   int
	BufferSize int
	SampleRate int
	Algorithm  AlgorithmID
}
