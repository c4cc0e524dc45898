package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/calibration"
	"github.com/dj-oyu/parking-calibrator/internal/config"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/livefeed"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
	"github.com/dj-oyu/parking-calibrator/internal/occupancy"
	"github.com/dj-oyu/parking-calibrator/internal/realtime"
	"github.com/dj-oyu/parking-calibrator/internal/server"
	"github.com/dj-oyu/parking-calibrator/internal/snapshot"
	"github.com/dj-oyu/parking-calibrator/internal/source"
)

// App is the calibrator process: one camera, one spot, one session.
type App struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics     *metrics.Metrics
	camera      *source.Camera
	session     *calibration.Session
	broadcaster *occupancy.Broadcaster
	archive     *snapshot.Archive
	feed        *livefeed.Server // nil when disabled
	httpServer  *http.Server
}

func main() {
	cfg := config.DefaultConfig()
	if path := config.PathFromArgs(os.Args[1:]); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("Config: %v", err)
		}
		cfg = loaded
	}

	flag.String("config", "", "YAML config file (flags override it)")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger.Init(cfg.LogLevel, os.Stderr, cfg.LogColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Main", "Parking calibrator starting for spot %s", cfg.SpotID)
	logger.Info("Main", "Log level: %s", cfg.LogLevel)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create calibrator: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start calibrator: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Calibrator stopped")
}

// NewApp wires every component from cfg without starting any of them.
func NewApp(cfg config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()

	archive, err := snapshot.New(cfg.SnapshotDir, m)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open snapshot archive: %w", err)
	}

	cam := source.New(source.Config{URL: cfg.CameraURL, PollInterval: cfg.CameraPollInterval}, m)
	gw := gateway.New(gateway.Config{BaseURL: cfg.BackendURL, Token: cfg.Token, Timeout: cfg.RequestTimeout}, m)

	view := occupancy.NewView(cfg.SpotID)
	broadcaster := occupancy.NewBroadcaster(m)
	broadcaster.Attach(view)

	channel := realtime.New(realtime.Config{
		URL:            cfg.RealtimeURL,
		SpotID:         cfg.SpotID,
		Token:          cfg.Token,
		ReconnectDelay: cfg.ReconnectDelay,
	}, view, m)

	session := calibration.New(calibration.Options{
		SpotID:    cfg.SpotID,
		MaxSlots:  cfg.MaxSlots,
		CameraURL: cfg.CameraURL,
		Gateway:   gw,
		Source:    cam,
		View:      view,
		Channel:   channel,
		Archive:   archive,
		Metrics:   m,
	})

	var feed *livefeed.Server
	if cfg.LivePeers > 0 {
		feedCfg := livefeed.DefaultConfig()
		feedCfg.MaxClients = cfg.LivePeers
		if cfg.STUNServer != "" {
			feedCfg.STUNServers = []string{cfg.STUNServer}
		}
		feed = livefeed.NewServer(feedCfg, m)
	}

	web := server.NewServer(server.DefaultConfig(), session, cam, broadcaster, archive, feed)

	return &App{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     m,
		camera:      cam,
		session:     session,
		broadcaster: broadcaster,
		archive:     archive,
		feed:        feed,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           web.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			// Streaming handlers end when the app context does.
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
	}, nil
}

// Start launches the side servers, the camera loop and the session, then
// serves the operator page.
func (a *App) Start() error {
	logger.Info("Main", "  backend:  %s", a.cfg.BackendURL)
	logger.Info("Main", "  realtime: %s", a.cfg.RealtimeURL)
	logger.Info("Main", "  operator: %s", a.cfg.HTTPAddr)

	if a.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.PprofAddr)
			if err := http.ListenAndServe(a.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.camera.Run(a.ctx)
	}()

	if a.feed != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.feed.Run(a.ctx, a.camera)
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	// The page is up while the saved configuration loads.
	a.session.Start(a.ctx)
	return nil
}

// Shutdown ends the streams and stops the HTTP server before the session
// is torn down.
func (a *App) Shutdown() error {
	a.cancel()
	a.broadcaster.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpErr := a.httpServer.Shutdown(ctx)

	a.session.Close()
	if a.feed != nil {
		a.feed.Close()
	}
	a.wg.Wait()

	return errors.Join(httpErr, a.archive.Close())
}
