package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/scrape_agent/internal/api"
	"github.com/dgnsrekt/scrape_agent/internal/browser"
	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/channel"
	"github.com/dgnsrekt/scrape_agent/internal/config"
	"github.com/dgnsrekt/scrape_agent/internal/controller"
	"github.com/dgnsrekt/scrape_agent/internal/eventstore"
	"github.com/dgnsrekt/scrape_agent/internal/host/cdphost"
	"github.com/dgnsrekt/scrape_agent/internal/live"
	"github.com/dgnsrekt/scrape_agent/internal/netutil"
	"github.com/dgnsrekt/scrape_agent/internal/notify"
	"github.com/dgnsrekt/scrape_agent/internal/queue"
	"github.com/dgnsrekt/scrape_agent/internal/snapshot"
	"github.com/dgnsrekt/scrape_agent/internal/storage"
	"github.com/dgnsrekt/scrape_agent/internal/tabs"
	"github.com/dgnsrekt/scrape_agent/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("scrape_agent config loaded",
		"cdp_url", cfg.GetCDPURL(),
		"auto_launch", cfg.AutoLaunch,
		"bind_addr", cfg.BindAddr,
		"data_dir", cfg.DataDir,
		"db_path", cfg.DBPath,
		"snapshot_dir", cfg.SnapshotDir,
		"channel_url", cfg.ChannelURL,
		"queue_file", cfg.QueueFile,
		"notify_url", cfg.NotifyURL,
		"max_body_bytes", cfg.MaxBodyBytes,
		"pending_ttl", cfg.PendingTTL,
		"cookie_poll", cfg.CookiePoll,
		"scan_delay", cfg.ScanDelay,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	var launcher *browser.Launcher
	if cfg.AutoLaunch {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
			Headless:   cfg.Headless,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	adapter := cdphost.New(cfg.GetCDPURL())
	if err := adapter.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.GetCDPURL(), "error", err)
		slog.Info("Start Chromium with --remote-debugging-port or set CHROMIUM_AUTO_LAUNCH=true")
		os.Exit(1)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			slog.Debug("CDP host close failed", "error", err)
		}
	}()

	store, err := eventstore.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open event store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	archive := storage.NewEventArchive(cfg.DataDir, cfg.BufferSize, cfg.MaxFileSizeMB)
	defer func() {
		if err := archive.Close(); err != nil {
			slog.Warn("archive close failed", "error", err)
		}
	}()

	snaps, err := snapshot.NewStore(cfg.SnapshotDir)
	if err != nil {
		slog.Error("failed to create snapshot store", "dir", cfg.SnapshotDir, "error", err)
		os.Exit(1)
	}

	registry := tabs.NewRegistry(cfg.TabGrace)
	defer registry.Close()
	correlator := capture.NewCorrelator(cfg.PendingTTL)
	defer correlator.Close()
	broker := live.NewBroker()

	var trk *tracker.Tracker
	subscribers := []capture.Subscriber{broker}
	var upstream *channel.Client
	if cfg.ChannelURL != "" {
		upstream = channel.New(cfg.ChannelURL, channel.ExecutorFunc(func(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error) {
			return trk.Execute(ctx, cmd)
		}))
		subscribers = append(subscribers, upstream)
	}

	publisher := capture.NewPublisher(registry, storage.NewMultiSink(archive, store), subscribers...)
	pipeline := capture.NewPipeline(correlator, registry, publisher, capture.Options{
		MaxBodyBytes:  cfg.MaxBodyBytes,
		MaxFrameBytes: cfg.MaxFrameBytes,
	})
	trk = tracker.New(adapter, pipeline, registry, snaps, tracker.Options{
		ScanDelay:  cfg.ScanDelay,
		CookiePoll: cfg.CookiePoll,
	})
	trk.Start(ctx)
	defer trk.Stop()

	if upstream != nil {
		go upstream.Run(ctx)
	}

	nav := queue.New(trk, 0)
	if cfg.QueueFile != "" {
		seed, err := queue.LoadSeed(cfg.QueueFile)
		if err != nil {
			slog.Error("failed to load queue seed", "path", cfg.QueueFile, "error", err)
			os.Exit(1)
		}
		delay, _ := time.ParseDuration(seed.Delay)
		nav = queue.New(trk, delay)
		slog.Info("queue seeded", "urls", nav.Add(seed.URLs...), "delay", delay)
	}
	if cfg.NotifyURL != "" {
		notifier := notify.New(cfg.NotifyURL, &http.Client{Timeout: 10 * time.Second})
		nav.OnDrained(func(ctx context.Context, st queue.Report) {
			done, failed := st.Counts()
			if err := notifier.QueueDrained(ctx, done, failed); err != nil {
				slog.Warn("queue notification failed", "url", cfg.NotifyURL, "error", err)
			}
		})
	}
	go nav.Run(ctx)

	deps := controller.Deps{
		Tracker:  trk,
		Pipeline: pipeline,
		Registry: registry,
		Store:    store,
		Snaps:    snaps,
		Live:     broker,
		Queue:    nav,
	}
	if upstream != nil {
		deps.Channel = upstream
	}
	svc := controller.NewService(deps)
	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(svc, broker)}

	go func() {
		slog.Info("scrape_agent listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("scrape_agent server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("scrape_agent shutdown failed", "error", err)
	}
	cancel()
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
