// Package wavio reads multichannel WAV files into the engine's block shape,
// the same way the decoder this module's CLI is patterned on reads its
// stereo/quad input files.
package wavio

import (
	"fmt"
	"io"
	"os"

	"github.com/youpy/go-wav"
)

// AudioData holds the full decoded contents of a WAV file, one []float32
// per channel.
type AudioData struct {
	SampleRate int
	Channels   int
	Samples    [][]float32
	NumFrames  int
}

// Read decodes filename with whatever channel count the file declares.
func Read(filename string) (*AudioData, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("wavio: opening %s: %w", filename, err)
	}
	defer file.Close()

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		return nil, fmt.Errorf("wavio: reading format of %s: %w", filename, err)
	}

	channels := int(format.NumChannels)
	perChannel := make([][]float32, channels)

	for {
		samples, err := reader.ReadSamples()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wavio: reading samples of %s: %w", filename, err)
		}
		for _, s := range samples {
			for ch := 0; ch < channels; ch++ {
				perChannel[ch] = append(perChannel[ch], float32(reader.FloatValue(s, ch)))
			}
		}
	}

	numFrames := 0
	if channels > 0 {
		numFrames = len(perChannel[0])
	}

	return &AudioData{
		SampleRate: int(format.SampleRate),
		Channels:   channels,
		Samples:    perChannel,
		NumFrames:  numFrames,
	}, nil
}

// Block extracts frames [start, start+length) from every channel into dest,
// padding the tail with silence when the source runs out. dest must already
// be shaped [channels][length].
func (a *AudioData) Block(dest [][]float32, start int) {
	for ch := range dest {
		for i := range dest[ch] {
			pos := start + i
			if ch < len(a.Samples) && pos < len(a.Samples[ch]) {
				dest[ch][i] = a.Samples[ch][pos]
			} else {
				dest[ch][i] = 0
			}
		}
	}
}
