// Command occupancy-watch follows one spot's realtime channel and logs
// occupancy as it changes. It is the headless counterpart of the operator
// page's occupancy panel.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/parking-calibrator/internal/config"
	"github.com/dj-oyu/parking-calibrator/internal/gateway"
	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
	"github.com/dj-oyu/parking-calibrator/internal/occupancy"
	"github.com/dj-oyu/parking-calibrator/internal/realtime"
)

func main() {
	cfg := config.DefaultConfig()
	if path := config.PathFromArgs(os.Args[1:]); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("Config: %v", err)
		}
		cfg = loaded
	}

	var checkHealth bool
	flag.String("config", "", "YAML config file (flags override it)")
	flag.BoolVar(&checkHealth, "health", true, "query backend health and detection status before watching")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger.Init(cfg.LogLevel, os.Stderr, cfg.LogColor)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if checkHealth {
		gw := gateway.New(gateway.Config{BaseURL: cfg.BackendURL, Token: cfg.Token, Timeout: cfg.RequestTimeout}, m)
		reportBackend(ctx, gw, cfg.SpotID)
	}

	view := occupancy.NewView(cfg.SpotID)
	view.OnMessage(func(msg occupancy.Message) {
		if msg.Error {
			logger.Warn("Watch", "%s", msg.Text)
		} else {
			logger.Info("Watch", "%s", msg.Text)
		}
	})

	var (
		mu            sync.Mutex
		last          occupancy.Counts
		lastConnected bool
	)
	view.OnUpdate(func(snap occupancy.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if snap.Connected != lastConnected {
			lastConnected = snap.Connected
			logger.Info("Watch", "realtime connected=%v", snap.Connected)
		}
		if snap.Counts == last {
			return
		}
		last = snap.Counts
		logger.Info("Watch", "spot %s: %d occupied, %d vacant, %d unknown of %d (%.1f fps)",
			snap.SpotID, snap.Counts.Occupied, snap.Counts.Vacant, snap.Counts.Unknown, snap.NumSlots, snap.FPS)
	})

	channel := realtime.New(realtime.Config{
		URL:            cfg.RealtimeURL,
		SpotID:         cfg.SpotID,
		Token:          cfg.Token,
		ReconnectDelay: cfg.ReconnectDelay,
	}, view, m)
	channel.WatchState(func(st realtime.State) {
		view.SetConnected(st == realtime.StateConnected)
	})

	logger.Info("Main", "Watching spot %s on %s", cfg.SpotID, cfg.RealtimeURL)
	channel.Start()
	<-ctx.Done()

	logger.Info("Main", "Shutting down...")
	channel.Close()
}

func reportBackend(ctx context.Context, gw *gateway.Client, spotID string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if health, err := gw.PythonHealth(ctx); err != nil {
		logger.Warn("Main", "Backend health check failed: %v", err)
	} else {
		logger.Info("Main", "Detector health: %s", health)
	}

	st, err := gw.Status(ctx, spotID)
	if err != nil {
		logger.Warn("Main", "Detection status unavailable: %v", err)
		return
	}
	fps := 0.0
	if st.FPS != nil {
		fps = *st.FPS
	}
	logger.Info("Main", "Detection running=%v mode=%s fps=%.1f", bool(st.IsRunning), st.Mode, fps)
}
