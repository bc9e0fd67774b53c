// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"apm/internal/analysis"
	"apm/internal/audio"
	"apm/internal/config"
	"apm/internal/frame"
	"apm/internal/log"
	"apm/internal/pipeline"
	"apm/internal/transport"
)

// processSummary is printed when offline processing finishes.
type processSummary struct {
	Blocks   int
	Speech   int
	Ambient  *float64
	Output   string
	Duration time.Duration
}

func newProcessCommand(opts *options) *cobra.Command {
	var (
		output  string
		azimuth float64
	)
	cmd := &cobra.Command{
		Use:   "process <input.wav>",
		Short: "Run a recorded array capture through the pipeline",
		Long: "Reads a multichannel WAV file (one channel per microphone, plus the far-end " +
			"reference when array.reference_channel is set) and writes the projected speaker feeds.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("azimuth") {
				azimuth = opts.cfg.Pipeline.Azimuth
			}
			if output == "" {
				output = defaultProcessOutput(args[0])
			}
			summary, err := processFile(cmd.Context(), opts.cfg, args[0], output, azimuth, transport.NewLoggingTransport(nil))
			if err != nil {
				return err
			}
			printSummary(cmd, summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output WAV for the speaker feeds (default <input>_projected.wav)")
	cmd.Flags().Float64VarP(&azimuth, "azimuth", "a", 0, "Steering direction in radians (default pipeline.azimuth)")
	return cmd
}

func defaultProcessOutput(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_projected.wav"
}

// processFile feeds input through a fresh orchestrator block by block and
// records every projected block to output. Silent blocks are recorded as
// silence so the output stays aligned with the input.
func processFile(ctx context.Context, cfg *config.Config, input, output string, azimuth float64, reporter pipeline.Reporter) (*processSummary, error) {
	logger := log.Named("process")
	start := time.Now()

	clip, err := audio.ReadWAV(input)
	if err != nil {
		return nil, err
	}
	want := cfg.Array.NumMicrophones
	if cfg.Array.ReferenceChannel {
		want++
	}
	if clip.Channels < want {
		return nil, fmt.Errorf("%s has %d channels, need %d", input, clip.Channels, want)
	}

	pcfg := cfg.OrchestratorConfig()
	pcfg.SampleRate = clip.SampleRate

	translator, closer, err := newTranslator(cfg.Translation, logger)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	window, _ := analysis.ParseWindowFunc(cfg.Audio.FFTWindow)
	monitor, err := analysis.NewMonitor(analysis.MonitorConfig{
		SampleRate:        clip.SampleRate,
		FrameSize:         cfg.Array.FramesPerBuffer,
		Window:            window,
		Bands:             cfg.Audio.SpectrumBands,
		CalibrationFrames: cfg.Pipeline.CalibrationFrames,
	}, nil)
	if err != nil {
		return nil, err
	}
	defer monitor.Close()

	orch, err := pipeline.New(pcfg, translator,
		pipeline.WithLogger(logger),
		pipeline.WithReporter(reporter),
		pipeline.WithMonitor(monitor))
	if err != nil {
		return nil, err
	}
	defer orch.Close()

	rec, err := audio.NewRecorder(output, audio.RecorderConfig{
		SampleRate:  clip.SampleRate,
		Channels:    cfg.Array.NumSpeakers,
		BitDepth:    cfg.Recording.BitDepth,
		MaxDuration: cfg.Recording.MaxDuration,
	})
	if err != nil {
		return nil, err
	}

	summary := &processSummary{Output: output}
	silence := make([]*frame.Frame, cfg.Array.NumSpeakers)
	for _, block := range clip.Blocks(cfg.Array.FramesPerBuffer) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(err, rec.Close())
		}
		mics := block[:cfg.Array.NumMicrophones]
		var ref *frame.Frame
		if cfg.Array.ReferenceChannel {
			ref = block[cfg.Array.NumMicrophones]
		}

		feeds, err := orch.Process(ctx, mics, ref, azimuth)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("block %d: %w", summary.Blocks, err), rec.Close())
		}
		summary.Blocks++
		if len(feeds) > 0 {
			summary.Speech++
		} else {
			for i := range silence {
				silence[i] = frame.New(cfg.Array.FramesPerBuffer, clip.SampleRate, 1)
			}
			feeds = silence
		}
		if err := rec.Write(feeds); err != nil {
			return nil, errors.Join(err, rec.Close())
		}

		if cal := monitor.Calibrator(); cal != nil && summary.Ambient == nil {
			select {
			case level := <-cal.Result():
				if err := orch.AdaptThreshold(level); err != nil {
					return nil, errors.Join(err, rec.Close())
				}
				summary.Ambient = &level
			default:
			}
		}
	}

	if err := rec.Close(); err != nil {
		return nil, err
	}
	summary.Duration = time.Since(start)
	logger.Info("file processed",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int("blocks", summary.Blocks),
		zap.Int("speech", summary.Speech),
		zap.Duration("elapsed", summary.Duration))
	return summary, nil
}

func printSummary(cmd *cobra.Command, s *processSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Processed %d blocks (%d with speech) in %s\n", s.Blocks, s.Speech, s.Duration.Round(time.Millisecond))
	if s.Ambient != nil {
		fmt.Fprintf(out, "Ambient level: %.1f dB\n", *s.Ambient)
	}
	fmt.Fprintf(out, "Speaker feeds written to %s\n", s.Output)
}
