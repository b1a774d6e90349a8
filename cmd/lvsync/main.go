package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/galedi/lvsync/internal/channel"
	"github.com/galedi/lvsync/internal/config"
	"github.com/galedi/lvsync/internal/httpapi"
	"github.com/galedi/lvsync/internal/logging"
	"github.com/galedi/lvsync/internal/metrics"
	"github.com/galedi/lvsync/internal/schedule"
	"github.com/galedi/lvsync/internal/store"
	"github.com/galedi/lvsync/internal/syncer"
	"github.com/galedi/lvsync/internal/watch"
)

func main() {
	configPath := flag.String("config", envOrDefault("LVSYNC_CONFIG", ""), "configuration file (JSON)")
	statusAddr := flag.String("status-addr", "", "status listen address, overrides statusAddr")
	logLevel := flag.String("log-level", "", "log level, overrides logLevel")
	logFormat := flag.String("log-format", "", "log format (json, console, pretty), overrides logFormat")
	once := flag.Bool("once", false, "run one ingest and one export cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if strings.TrimSpace(*statusAddr) != "" {
		cfg.StatusAddr = strings.TrimSpace(*statusAddr)
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.LogLevel = strings.TrimSpace(*logLevel)
	}
	if strings.TrimSpace(*logFormat) != "" {
		cfg.LogFormat = strings.TrimSpace(*logFormat)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	if _, err := logging.ParseFormat(cfg.LogFormat); err != nil {
		log.Fatalf("invalid log format: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(rootCtx, cfg, *once, logger)
	stop()
	if err != nil {
		logger.Error("lvsync stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the agent and blocks until ctx ends. With once set it performs
// a single ingest cycle followed by a single export cycle instead.
func run(ctx context.Context, cfg config.Config, once bool, logger *glog.BaseLogger) error {
	st, err := store.BuildFromDSN(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	partners, targets, err := buildPartners(cfg, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	engine, err := syncer.NewEngine(syncer.Options{
		Store:    st,
		Partners: partners,
		TempDir:  cfg.TempDir,
		Logger:   logger.GetLogger("syncer"),
		Recorder: m,
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	if once {
		return runOnce(ctx, engine, cfg.CycleTimeout.Std())
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ingestWake, exportWake <-chan struct{}
	if len(targets) > 0 {
		watcher, err := watch.New(targets, logger.GetLogger("watch"))
		if err != nil {
			return err
		}
		ingestWake, exportWake = watcher.Ingest(), watcher.Export()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watcher.Run(ctx)
		}()
	}

	if cfg.StatusAddr != "" {
		server := &http.Server{
			Addr: cfg.StatusAddr,
			Handler: httpapi.NewServer(engine, httpapi.ServerConfig{
				JWTSecret:  cfg.TriggerSecret,
				Metrics:    m.Handler(),
				RunTimeout: cfg.CycleTimeout.Std(),
				Logger:     logger.GetLogger("httpapi"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			logger.Info("status server listening", "addr", cfg.StatusAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	ingestSchedule, err := schedule.Parse(cfg.Ingest.Schedule)
	if err != nil {
		return err
	}
	exportSchedule, err := schedule.Parse(cfg.Export.Schedule)
	if err != nil {
		return err
	}
	loops := []struct {
		loop *schedule.Loop
		fn   func(context.Context)
	}{
		{
			loop: &schedule.Loop{
				Name:         string(syncer.PipelineIngest),
				Schedule:     ingestSchedule,
				InitialDelay: cfg.Ingest.FirstDelay(),
				Jitter:       cfg.Ingest.Jitter,
				Timeout:      cfg.CycleTimeout.Std(),
				Wake:         ingestWake,
				Logger:       logger.GetLogger("schedule"),
			},
			fn: func(ctx context.Context) { engine.IngestAll(ctx) },
		},
		{
			loop: &schedule.Loop{
				Name:         string(syncer.PipelineExport),
				Schedule:     exportSchedule,
				InitialDelay: cfg.Export.FirstDelay(),
				Jitter:       cfg.Export.Jitter,
				Timeout:      cfg.CycleTimeout.Std(),
				Wake:         exportWake,
				Logger:       logger.GetLogger("schedule"),
			},
			fn: func(ctx context.Context) { engine.ExportAll(ctx) },
		},
	}
	logger.Info("lvsync started", "partners", len(partners), "store", storeScheme(cfg.StoreDSN))
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.loop.Run(ctx, l.fn)
		}()
	}

	<-ctx.Done()
	logger.Info("lvsync stopping", "reason", ctx.Err().Error())
	return nil
}

func runOnce(ctx context.Context, engine *syncer.Engine, timeout time.Duration) error {
	failed := 0
	for _, cycle := range []func(context.Context) syncer.CycleReport{engine.IngestAll, engine.ExportAll} {
		cycleCtx, cancel := context.WithTimeout(ctx, timeout)
		report := cycle(cycleCtx)
		cancel()
		failed += report.Failed()
	}
	if failed > 0 {
		return fmt.Errorf("%d partner steps failed", failed)
	}
	return nil
}

// buildPartners opens the channels of every enabled partner and collects the
// directory drop sites that asked to be watched.
func buildPartners(cfg config.Config, logger glog.Logger) ([]syncer.Partner, []watch.Target, error) {
	logger = glog.Ensure(logger)
	var (
		partners []syncer.Partner
		targets  []watch.Target
	)
	for _, p := range cfg.EnabledPartners() {
		dropSite, err := channel.Open(p.Endpoint())
		if err != nil {
			return nil, nil, fmt.Errorf("partner %s: %w", p.ID, err)
		}
		partner := syncer.Partner{
			ID:                      p.ID,
			DropSite:                dropSite,
			RequestFile:             p.RequestFile,
			FeedbackFile:            p.FeedbackFile,
			SourceFile:              p.SourceFile,
			RemoveSourceAfterIngest: p.RemoveSourceAfterIngest,
		}
		if endpoint, ok := p.SourceEndpoint(); ok {
			source, err := channel.Open(endpoint)
			if err != nil {
				return nil, nil, fmt.Errorf("partner %s source: %w", p.ID, err)
			}
			partner.Source = source
		}
		partners = append(partners, partner)

		if !p.Watch {
			continue
		}
		dir, ok := dropSite.(*channel.DirChannel)
		if !ok {
			logger.Warn("watch ignored for remote drop site", "partner", p.ID.String())
			continue
		}
		target := watch.Target{Dir: dir.Root(), RequestFile: p.RequestFile, FeedbackFile: p.FeedbackFile}
		if partner.Source == nil {
			target.SourceFile = p.SourceFile
		} else if sourceDir, ok := partner.Source.(*channel.DirChannel); ok {
			targets = append(targets, watch.Target{Dir: sourceDir.Root(), SourceFile: p.SourceFile})
		}
		targets = append(targets, target)
	}
	return partners, targets, nil
}

func storeScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return "unknown"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
