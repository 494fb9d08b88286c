package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/config"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/listener"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/monitor"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/overlay"
	"github.com/danielstarman/slay-the-spire-mcp-sub000/state"
)

// statusHandler reports connectivity and staleness, the signal
// downstream consumers use to warn that state may be out of date.
func statusHandler(manager *state.Manager, staleThreshold time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"bridge_connected": manager.IsConnected(),
			"stale":            manager.IsStale(staleThreshold),
		}
		if age, ok := manager.StateAge(); ok {
			status["state_age_seconds"] = age.Seconds()
		}
		if current, ok := manager.Current(); ok {
			status["floor"] = current.Floor
			status["screen_type"] = current.ScreenType
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
}

func main() {
	// Load configuration first so the logger honors the configured level
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Init()
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.InitWithLevel(cfg.Log.Level)

	manager := state.NewManager()

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.NewMonitor("spire_bridge")
		mon.Handle("/status", statusHandler(manager, cfg.Server.StaleThreshold))
		mon.StartServer(cfg.Monitor.Address)
		logger.Log.Infof("Metrics available on %s/metrics", cfg.Monitor.Address)
	}

	var broadcaster *overlay.Broadcaster
	if cfg.Overlay.Enabled {
		broadcaster = overlay.NewBroadcaster(mon)
		manager.Subscribe("overlay", broadcaster.OnStateChange)
		broadcaster.Start(cfg.Overlay.Address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeListener := listener.NewListener(cfg.Bridge.Host, cfg.Bridge.Port, manager, mon)
	if err := bridgeListener.Start(ctx); err != nil {
		logger.Log.Fatalf("Failed to start bridge listener: %v", err)
	}
	logger.Log.Infof("Bridge server listening on %s:%d", cfg.Bridge.Host, cfg.Bridge.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Log.Info("Shutting down")
	bridgeListener.Stop()
	if broadcaster != nil {
		broadcaster.Stop()
	}
}
