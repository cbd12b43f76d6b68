package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/zde37/koorde/internal/api"
	"github.com/zde37/koorde/internal/chord"
	"github.com/zde37/koorde/internal/config"
	"github.com/zde37/koorde/internal/simulation"
	"github.com/zde37/koorde/pkg"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "YAML config file, flags override it")
	overlay := flag.String("overlay", config.OverlayChord, "Overlay (chord, koorde)")
	bits := flag.Int("bits", 32, "Key length in bits")
	nodes := flag.Int("nodes", 32, "Number of nodes to start")
	duration := flag.Duration("duration", 10*time.Minute, "How long to run after the ring converged")
	churn := flag.Duration("churn", 0, "Interval between churn events, 0 disables churn")
	leaveRatio := flag.Float64("leave-ratio", 0.5, "Share of churn removals that leave gracefully")
	lookups := flag.Int("lookups", 1000, "Lookups to run at the end")
	seed := flag.Int64("seed", 1, "Random seed")
	drop := flag.Float64("drop", 0, "Message loss probability")
	realTime := flag.Bool("realtime", false, "Run on the wall clock instead of simulated time")
	httpPort := flag.Int("http-port", 0, "Port for the HTTP/WebSocket ring view, implies -realtime")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotated file")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "overlay":
			cfg.Overlay = *overlay
		case "bits":
			cfg.M = *bits
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})
	if *configPath == "" {
		cfg.Overlay, cfg.M = *overlay, *bits
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
		loggerConfig.AsyncWrite = true
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger, options{
		nodes:      *nodes,
		duration:   *duration,
		churn:      *churn,
		leaveRatio: *leaveRatio,
		lookups:    *lookups,
		seed:       *seed,
		drop:       *drop,
		realTime:   *realTime || cfg.HTTPPort > 0,
	}); err != nil {
		logger.Error().Err(err).Msg("Run failed")
		logger.Close()
		os.Exit(1)
	}
}

type options struct {
	nodes      int
	duration   time.Duration
	churn      time.Duration
	leaveRatio float64
	lookups    int
	seed       int64
	drop       float64
	realTime   bool
}

func run(cfg *config.Config, logger *pkg.Logger, opts options) error {
	if opts.nodes <= 0 {
		return fmt.Errorf("need at least one node, got %d", opts.nodes)
	}

	// the hub is attached once the server exists
	events := chord.NewBroadcastListener(nil, nil)

	cluster, err := simulation.New(simulation.Options{
		Config:   cfg,
		Seed:     opts.seed,
		DropRate: opts.drop,
		RealTime: opts.realTime,
		Logger:   logger,
		Listener: events,
	})
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	defer cluster.Close()
	events.Now = cluster.Now

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(cluster, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		events.Broadcaster = httpServer.Hub()
		if err := httpServer.Start(cfg.HTTPPort); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		defer func() {
			if err := httpServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping HTTP server")
			}
		}()
	}

	logger.Info().
		Str("overlay", cfg.Overlay).
		Int("bits", cfg.M).
		Int("nodes", opts.nodes).
		Bool("realtime", opts.realTime).
		Int64("seed", opts.seed).
		Msg("Starting ring")

	started := cluster.Now()
	joinLimit := 10 * cfg.JoinDelay
	if err := cluster.Grow(opts.nodes, joinLimit); err != nil {
		return err
	}
	rep, ok := cluster.RunUntilConverged(time.Duration(opts.nodes) * cfg.FixFingersDelay)
	logger.Info().
		Bool("converged", ok).
		Dur("elapsed", cluster.Now().Sub(started)).
		Str("report", rep.String()).
		Msg("Ring built")

	var ch *simulation.Churn
	if opts.churn > 0 {
		ch, err = cluster.StartChurn(simulation.ChurnConfig{
			Interval:   opts.churn,
			Target:     opts.nodes,
			LeaveRatio: opts.leaveRatio,
		})
		if err != nil {
			return err
		}
	}

	if opts.realTime && cfg.HTTPPort > 0 {
		waitForSignal(logger, opts.duration)
	} else {
		cluster.Run(opts.duration)
	}

	if ch != nil {
		ch.Stop()
		stats := ch.Stats()
		logger.Info().
			Int("joins", stats.Joins).
			Int("leaves", stats.Leaves).
			Int("kills", stats.Kills).
			Int("errors", stats.Errors).
			Msg("Churn stopped")
		rep, ok = cluster.RunUntilConverged(time.Duration(opts.nodes) * cfg.FixFingersDelay)
		logger.Info().Bool("converged", ok).Str("report", rep.String()).Msg("Ring after churn")
	}

	if opts.lookups > 0 {
		lr, err := cluster.RunLookups(opts.lookups)
		if err != nil {
			return err
		}
		logger.Info().
			Int("total", lr.Total).
			Int("correct", lr.Correct).
			Int("failed", lr.Failed).
			Float64("mean_hops", lr.MeanHops).
			Int("max_hops", lr.MaxHops).
			Int("max_debruijn_hops", lr.MaxDeBruijnHops).
			Msg("Lookups finished")
	}

	logMessageStats(logger, cluster)
	return nil
}

// waitForSignal blocks until interrupted or d has passed.
func waitForSignal(logger *pkg.Logger, d time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-time.After(d):
	}
}

func logMessageStats(logger *pkg.Logger, cluster *simulation.Cluster) {
	stats := cluster.MessageStats()
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	ev := logger.Info()
	var total uint64
	for _, k := range kinds {
		ev = ev.Uint64(k, stats[k])
		total += stats[k]
	}
	net := cluster.Network().Stats()
	ev.Uint64("total", total).
		Uint64("delivered", net.Delivered).
		Uint64("dropped", net.Dropped).
		Msg("Messages sent")
}
