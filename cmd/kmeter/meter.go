package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kmeter/loudness-engine/internal/wavio"
	"github.com/kmeter/loudness-engine/pkg/dsp/buffer"
	"github.com/kmeter/loudness-engine/pkg/meter"
)

func parseAlgorithm(name string) meter.AlgorithmID {
	if name == "rms" {
		return meter.RmsBandLimited
	}
	return meter.ItuBs1770
}

func runMeter(cmd *cobra.Command, args []string) error {
	inputFile := args[0]

	if verbose {
		fmt.Printf("Reading input file: %s\n", inputFile)
	}

	audio, err := wavio.Read(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read input WAV: %w", err)
	}

	if verbose {
		fmt.Printf("  Sample rate: %d Hz\n", audio.SampleRate)
		fmt.Printf("  Channels: %d\n", audio.Channels)
		fmt.Printf("  Frames: %d\n\n", audio.NumFrames)
	}

	algo := parseAlgorithm(algorithm)
	ring, err := buffer.NewRing(audio.Channels, bufferSize+preDelay+1)
	if err != nil {
		return fmt.Errorf("failed to build ring buffer: %w", err)
	}

	engine, err := meter.NewAverageLevelEngine(meter.Config{
		Channels:   audio.Channels,
		BufferSize: bufferSize,
		SampleRate: audio.SampleRate,
		Algorithm:  algo,
	})
	if err != nil {
		return fmt.Errorf("failed to build metering engine: %w", err)
	}

	if verbose {
		fmt.Printf("Algorithm: %s\n", engine.Algorithm())
		fmt.Printf("Processing...\n\n")
	}

	block := make([][]float32, audio.Channels)
	for ch := range block {
		block[ch] = make([]float32, bufferSize)
	}

	blockIndex := 0
	for start := 0; start < audio.NumFrames; start += bufferSize {
		audio.Block(block, start)
		if err := ring.Write(block); err != nil {
			return fmt.Errorf("failed to write ring buffer at frame %d: %w", start, err)
		}
		if err := engine.PullFrom(ring, preDelay, audio.SampleRate); err != nil {
			return fmt.Errorf("failed to pull block %d: %w", blockIndex, err)
		}
		if err := engine.ComputeBlock(); err != nil {
			return fmt.Errorf("failed to compute block %d: %w", blockIndex, err)
		}

		if algo == meter.ItuBs1770 {
			lkfs, err := engine.Level(0)
			if err != nil {
				return fmt.Errorf("failed to read level at block %d: %w", blockIndex, err)
			}
			fmt.Printf("block %4d: %7.2f LKFS\n", blockIndex, lkfs)
		} else {
			fmt.Printf("block %4d:", blockIndex)
			for ch := 0; ch < audio.Channels; ch++ {
				level, err := engine.Level(ch)
				if err != nil {
					return fmt.Errorf("failed to read level for channel %d at block %d: %w", ch, blockIndex, err)
				}
				fmt.Printf(" ch%d=%7.2fdB", ch, level)
			}
			fmt.Println()
		}
		blockIndex++
	}

	return nil
}
