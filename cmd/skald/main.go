/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/friendsincode/skald/internal/archive"
	"github.com/friendsincode/skald/internal/cache"
	"github.com/friendsincode/skald/internal/config"
	"github.com/friendsincode/skald/internal/db"
	"github.com/friendsincode/skald/internal/decode"
	"github.com/friendsincode/skald/internal/eventbus"
	"github.com/friendsincode/skald/internal/events"
	"github.com/friendsincode/skald/internal/logbuffer"
	"github.com/friendsincode/skald/internal/logging"
	"github.com/friendsincode/skald/internal/mixer"
	"github.com/friendsincode/skald/internal/playout"
	"github.com/friendsincode/skald/internal/server"
	"github.com/friendsincode/skald/internal/sink"
	"github.com/friendsincode/skald/internal/telemetry"
	"github.com/friendsincode/skald/internal/version"
	"github.com/friendsincode/skald/internal/webrtc"
)

// persistInterval is how often the DJ state is snapshotted between segments.
const persistInterval = 5 * time.Minute

var (
	logger zerolog.Logger
	logBuf *logbuffer.Buffer
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "skald",
	Short: "Skald - unattended broadcast automation",
	Long:  "Skald runs a radio station on its own: it picks music, generates talk breaks, and plays out a gapless program to the sound card and the stream.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the station",
	Long:  "Start the playout engine, the DJ, and the HTTP control surface.",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(2000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("skald starting")

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	tracerProvider, err := telemetry.InitTracer(runCtx, telemetry.TracerConfig{
		ServiceName:    "skald",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown failed")
		}
	}()

	prof, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	stationName := prof.Station.Name
	if cfg.ProfilePath == "" {
		stationName = cfg.StationName
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error().Err(err).Msg("database close failed")
		}
	}()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	bus := events.NewBus()

	mix := mixer.New(mixer.Config{
		FrameBytes:      cfg.FrameBytes,
		CrossfadeFrames: cfg.CrossfadeFrames,
		DuckLevel:       prof.Levels.DuckLevel,
	}, logger)

	primary := sink.NewALSA(cfg.ALSADevice, cfg.AplayBin, logger)
	if err := mix.Register(primary, mixer.RolePrimary); err != nil {
		return err
	}
	sinks := []sink.Sink{primary}

	if cfg.IcecastEnabled {
		ice := sink.NewIcecast(sink.IcecastConfig{
			URL:            cfg.IcecastURL,
			Mount:          cfg.IcecastMount,
			SourcePassword: cfg.IcecastSourcePassword,
			FFmpegBin:      cfg.FFmpegBin,
			BitrateKbps:    cfg.StreamBitrateKbps,
			FrameBytes:     cfg.FrameBytes,
		}, logger, bus)
		if err := mix.Register(ice, mixer.RoleSecondary); err != nil {
			return err
		}
		sinks = append(sinks, ice)
	}

	if cfg.ArchiveEnabled {
		var store archive.Store
		if cfg.S3Bucket != "" {
			store, err = archive.NewS3Store(runCtx, archive.S3Config{
				AccessKeyID:     cfg.S3AccessKeyID,
				SecretAccessKey: cfg.S3SecretAccessKey,
				Region:          cfg.S3Region,
				Bucket:          cfg.S3Bucket,
				Endpoint:        cfg.S3Endpoint,
				UsePathStyle:    cfg.S3UsePathStyle,
			}, logger)
			if err != nil {
				return fmt.Errorf("archive s3 store: %w", err)
			}
		} else {
			store = archive.NewFSStore(cfg.ArchiveDir, logger)
		}
		rec := archive.NewRecorder(archive.RecorderConfig{
			SpoolDir:   cfg.ArchiveDir,
			Rotate:     cfg.ArchiveRotate,
			FrameBytes: cfg.FrameBytes,
		}, store, logger, bus)
		if err := mix.Register(rec, mixer.RoleSecondary); err != nil {
			return err
		}
		sinks = append(sinks, rec)
	}

	var broadcaster *webrtc.Broadcaster
	if cfg.MonitorEnabled {
		broadcaster, err = webrtc.NewBroadcaster(webrtc.Config{
			RTPPort:      cfg.MonitorRTPPort,
			STUNServer:   cfg.WebRTCSTUNURL,
			TURNServer:   cfg.WebRTCTURNURL,
			TURNUsername: cfg.WebRTCTURNUsername,
			TURNPassword: cfg.WebRTCTURNPassword,
		}, logger)
		if err != nil {
			return fmt.Errorf("webrtc broadcaster: %w", err)
		}
		mon := sink.NewMonitor(sink.MonitorConfig{
			GStreamerBin: cfg.GStreamerBin,
			RTPPort:      cfg.MonitorRTPPort,
			FrameBytes:   cfg.FrameBytes,
		}, logger, bus)
		if err := mix.Register(mon, mixer.RoleSecondary); err != nil {
			return err
		}
		sinks = append(sinks, mon)
	}

	engine := playout.New(playout.Config{
		FrameBytes:      cfg.FrameBytes,
		CrossfadeFrames: cfg.CrossfadeFrames,
	}, mix, func(ctx context.Context, ev playout.AudioEvent) (mixer.FrameSource, error) {
		ctx, span := telemetry.StartSpan(ctx, "playout", "segment."+string(ev.Kind))
		span.SetAttributes(attribute.String("path", ev.Path))
		src, err := decode.Open(ctx, ev.Path, decode.Options{GStreamerBin: cfg.GStreamerBin, Logger: logger})
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return nil, err
		}
		return &tracedSource{FrameSource: src, span: span}, nil
	}, logger, bus)

	brain, err := buildBrain(runCtx, prof, database, engine, bus)
	if err != nil {
		return err
	}
	engine.SetListener(brain)

	srv, err := server.New(server.Options{
		Config:      cfg,
		Logger:      logger,
		DB:          database,
		Bus:         bus,
		LogBuffer:   logBuf,
		StationName: stationName,
		Engine:      engine,
		Brain:       brain,
		Mixer:       mix,
		Sinks:       sinks,
		Broadcaster: broadcaster,
	})
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	// Bring up outputs before the first frame is mixed.
	for _, s := range sinks {
		if err := s.Start(runCtx); err != nil {
			return fmt.Errorf("start sink %s: %w", s.Name(), err)
		}
	}
	if broadcaster != nil {
		if err := broadcaster.Start(runCtx); err != nil {
			return fmt.Errorf("start broadcaster: %w", err)
		}
	}

	var bg sync.WaitGroup
	startBackground := func(fn func()) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn()
		}()
	}

	startBackground(func() { telemetry.ObserveBus(runCtx, bus, engine.QueueLen) })

	if cfg.RedisEnabled {
		stateCache, err := cache.New(cache.Config{
			RedisAddr:      cfg.RedisAddr,
			RedisPassword:  cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			NowPlayingTTL:  cache.DefaultNowPlayingTTL,
			QueueTTL:       cache.DefaultQueueTTL,
			HistoryTTL:     cache.DefaultHistoryTTL,
			DisableOnError: true,
		}, logger)
		if err != nil {
			return fmt.Errorf("state cache: %w", err)
		}
		defer stateCache.Close()
		pub := cache.NewPublisher(stateCache, engine, brain, bus, logger)
		startBackground(func() { pub.Run(runCtx) })

		redisBusCfg := eventbus.DefaultRedisConfig()
		redisBusCfg.Addr = cfg.RedisAddr
		redisBusCfg.Password = cfg.RedisPassword
		redisBusCfg.DB = cfg.RedisDB
		redisBus, err := eventbus.NewRedisBus(redisBusCfg, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis event relay unavailable")
		} else {
			defer redisBus.Close()
		}
	}

	if cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.SubjectPrefix = cfg.NATSSubject
		natsBus, err := eventbus.NewNATSBus(natsCfg, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats event relay unavailable")
		} else {
			defer natsBus.Close()
		}
	}

	startBackground(func() {
		ticker := time.NewTicker(persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				brain.Persist(runCtx)
			}
		}
	})

	if cfg.MetricsBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsBind, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		startBackground(func() {
			logger.Info().Str("addr", cfg.MetricsBind).Msg("metrics listener started")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics listener error")
			}
		})
		defer metricsSrv.Close()
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	brain.StationStart(runCtx)

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(runCtx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("shutdown requested, draining outros")
		engine.BeginDrain()
		select {
		case err := <-engineDone:
			if err != nil {
				logger.Error().Err(err).Msg("playout ended with error")
			}
		case <-quit:
			logger.Warn().Msg("second signal, stopping immediately")
		case <-time.After(2 * time.Minute):
			logger.Warn().Msg("drain timed out, stopping")
		}
	case err := <-engineDone:
		if err != nil {
			logger.Error().Err(err).Msg("playout failed")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	brain.StationStop(shutdownCtx)
	cancelRun()

	for _, s := range sinks {
		if err := s.Stop(); err != nil {
			logger.Error().Err(err).Str("sink", s.Name()).Msg("sink stop failed")
		}
	}
	if broadcaster != nil {
		if err := broadcaster.Stop(); err != nil {
			logger.Error().Err(err).Msg("broadcaster stop failed")
		}
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	bg.Wait()
	logger.Info().Msg("skald stopped")
	return nil
}

// tracedSource ends a segment's decode span when the engine closes the
// source, so the span covers the whole playback.
type tracedSource struct {
	mixer.FrameSource
	span trace.Span
}

func (t *tracedSource) Close() error {
	err := t.FrameSource.Close()
	t.span.End()
	return err
}
