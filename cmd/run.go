// SPDX-License-Identifier: MIT
package cmd

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"apm/internal/analysis"
	"apm/internal/audio"
	"apm/internal/config"
	"apm/internal/log"
	"apm/internal/observe"
	"apm/internal/pipeline"
	"apm/internal/ptt"
	"apm/internal/transport"
	"apm/internal/transport/udp"
	"apm/pkg/build"
)

const shutdownTimeout = 5 * time.Second

func newRunCommand(opts *options) *cobra.Command {
	var (
		device     int
		record     bool
		azimuth    float64
		lowLatency bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture from the microphone array and project translated speech",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *opts.cfg
			flags := cmd.Flags()
			if flags.Changed("device") {
				cfg.Audio.InputDevice = device
			}
			if flags.Changed("record") {
				cfg.Recording.Enabled = record
			}
			if flags.Changed("azimuth") {
				cfg.Pipeline.Azimuth = azimuth
			}
			if flags.Changed("low-latency") {
				cfg.Audio.LowLatency = lowLatency
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), &cfg)
		},
	}
	cmd.Flags().IntVarP(&device, "device", "d", config.MinDeviceID,
		"Input device ID. Use 'list' to see available devices.")
	cmd.Flags().BoolVarP(&record, "record", "r", false, "Record the speaker feeds to recording.output_dir")
	cmd.Flags().Float64VarP(&azimuth, "azimuth", "a", 0, "Steering direction in radians")
	cmd.Flags().BoolVarP(&lowLatency, "low-latency", "l", false, "Request low latency from the input device")
	return cmd
}

// run wires the live pipeline and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) (err error) {
	logger := log.Named("run")

	if err := audio.Initialize(); err != nil {
		return err
	}
	defer audio.Terminate()

	info := build.GetBuildFlags()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    info.Name,
		ServiceVersion: info.Version,
	})
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = errors.Join(err, closers[i].Close())
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, shutdownTelemetry(sctx))
	}()

	ws := transport.NewWebSocketTransport(
		transport.WithRateLimit(cfg.Transport.WebSocketRate, max(int(cfg.Transport.WebSocketRate), 1)))
	closers = append(closers, ws)
	reporter := transport.Multi{ws, transport.NewLoggingTransport(nil)}

	translator, backend, err := newTranslator(cfg.Translation, logger)
	if err != nil {
		return err
	}
	closers = append(closers, backend)

	window, _ := analysis.ParseWindowFunc(cfg.Audio.FFTWindow)
	monitor, err := analysis.NewMonitor(analysis.MonitorConfig{
		SampleRate:        cfg.Array.SampleRate,
		FrameSize:         cfg.Array.FramesPerBuffer,
		Window:            window,
		Bands:             cfg.Audio.SpectrumBands,
		CalibrationFrames: cfg.Pipeline.CalibrationFrames,
	}, ws)
	if err != nil {
		return err
	}
	closers = append(closers, monitor)

	if cfg.Transport.UDPEnabled {
		sender, err := udp.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			return err
		}
		closers = append(closers, sender)
		publisher, err := udp.NewUDPPublisher(cfg.Transport.UDPSendInterval, sender, monitor.Spectrum())
		if err != nil {
			return err
		}
		publisher.Start()
		closers = append(closers, publisher)
	}

	health := newHealth(cfg)
	orch, err := pipeline.New(cfg.OrchestratorConfig(), translator,
		pipeline.WithLogger(log.Named("pipeline")),
		pipeline.WithHealth(health),
		pipeline.WithReporter(reporter),
		pipeline.WithMonitor(monitor))
	if err != nil {
		return err
	}
	closers = append(closers, orch)

	var ctrl *ptt.Controller
	engineOpts := []audio.EngineOption{}
	if cfg.PTT.Enabled {
		ctrl = ptt.New(ptt.Config{MinHold: cfg.PTT.MinHold, Cooldown: cfg.PTT.Cooldown},
			ptt.OnStateChange(func(s ptt.State) {
				logger.Info("push-to-talk", zap.Stringer("state", s))
			}))
		closers = append(closers, ctrl)
		engineOpts = append(engineOpts, audio.WithPTT(ctrl))
	}

	var rec *audio.Recorder
	if cfg.Recording.Enabled {
		rec, err = audio.NewRecorder(audio.RecordingPath(cfg.Recording.OutputDir, time.Now()), audio.RecorderConfig{
			SampleRate:  cfg.Array.SampleRate,
			Channels:    cfg.Array.NumSpeakers,
			BitDepth:    cfg.Recording.BitDepth,
			MaxDuration: cfg.Recording.MaxDuration,
		})
		if err != nil {
			return err
		}
		closers = append(closers, rec)
	}

	engine, err := audio.NewEngine(audio.EngineConfig{
		InputDevice:      cfg.Audio.InputDevice,
		SampleRate:       cfg.Array.SampleRate,
		FramesPerBuffer:  cfg.Array.FramesPerBuffer,
		NumMicrophones:   cfg.Array.NumMicrophones,
		ReferenceChannel: cfg.Array.ReferenceChannel,
		LowLatency:       cfg.Audio.LowLatency,
		Azimuth:          cfg.Pipeline.Azimuth,
	}, orch, engineOpts...)
	if err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Transport.HTTPAddress,
		Handler:           newMux(ws, health, ctrl, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Drains until engine.Close closes the channel.
		for task := range engine.Tasks() {
			feeds, err := task.Wait(context.Background())
			if err != nil {
				logger.Debug("task failed", zap.Error(err))
				continue
			}
			if rec != nil && len(feeds) > 0 {
				if err := rec.Write(feeds); errors.Is(err, audio.ErrRecorderFailed) {
					return err
				}
			}
		}
		return nil
	})

	if cal := monitor.Calibrator(); cal != nil {
		g.Go(func() error {
			select {
			case level := <-cal.Result():
				if err := orch.AdaptThreshold(level); err != nil && !errors.Is(err, pipeline.ErrClosed) {
					return err
				}
			case <-gctx.Done():
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(engine.Close(), server.Shutdown(sctx))
	})

	return g.Wait()
}
