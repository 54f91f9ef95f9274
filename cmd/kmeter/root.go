package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	bufferSize int
	preDelay   int
	algorithm  string
)

var rootCmd = &cobra.Command{
	Use:   "kmeter",
	Short: "K-System average-level meter - band-limited RMS and ITU-R BS.1770 loudness",
	Long: `kmeter measures the average level of a WAV file block by block, using
either a band-limited RMS meter (anti-alias low-pass FIR, +2.9881dB
peak-to-average calibration) or full ITU-R BS.1770 loudness (K-weighting
cascade, channel-weighted mean-square summation, LKFS).`,
	RunE: runRoot,
}

var meterCmd = &cobra.Command{
	Use:   "meter [input.wav]",
	Short: "Print per-block level readings for a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMeter,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().IntVarP(&bufferSize, "buffer-size", "b", 1024, "block size in samples")
	rootCmd.PersistentFlags().IntVarP(&preDelay, "pre-delay", "p", 0, "pre-delay in samples")
	rootCmd.PersistentFlags().StringVarP(&algorithm, "algorithm", "a", "bs1770", "averaging algorithm: rms or bs1770")
	rootCmd.AddCommand(meterCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	return runMeter(cmd, args)
}
