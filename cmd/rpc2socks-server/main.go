// cmd/rpc2socks-server is the entrypoint: load config, bring up the pipe
// listener (and optionally the bridge dialer / Cloudflare tunnel), wire it
// to the worker, serve /health and /metrics, and shut down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rpc2socks-go/internal/bridge"
	"rpc2socks-go/internal/pipe"
	"rpc2socks-go/internal/worker"
	"rpc2socks-go/pkg/config"
	plog "rpc2socks-go/pkg/log"
	"rpc2socks-go/pkg/metrics"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "", "config file path")
	showVersion := flag.Bool("v", false, "print version and exit")
	listenAddr := flag.String("l", "", "pipe listener address (ws backend)")
	wsPath := flag.String("path", "", "websocket path")
	metricsAddr := flag.String("metrics", "", "metrics/health HTTP listen address")

	flag.Parse()

	if *showVersion {
		fmt.Printf("rpc2socks-server v%s\n", Version)
		fmt.Printf("  build: %s\n", BuildTime)
		fmt.Printf("  commit: %s\n", GitCommit)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		plog.Fatalf("load config: %v", err)
	}

	if *listenAddr != "" {
		cfg.PipeName = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsListen = *metricsAddr
	}
	path := "/ws"
	if *wsPath != "" {
		path = *wsPath
	}

	if err := cfg.Validate(); err != nil {
		plog.Fatalf("config validation: %v", err)
	}
	plog.SetLevel(cfg.LogLevel)

	w := worker.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := pipe.NewWSListener(cfg.PipeName, path)
	go func() {
		if err := listener.Serve(w.Accept); err != nil {
			plog.Fatalf("pipe listener: %v", err)
		}
	}()

	if cfg.Bridge.Enable {
		go bridge.Run(ctx, cfg.Bridge, w.Accept)
	}
	if cfg.Bridge.EnableCF {
		port, err := portOf(cfg.PipeName)
		if err != nil {
			plog.Warn("[main] cloudflare tunnel disabled: %v", err)
		} else if _, domain, err := bridge.ExposeViaCloudflare(ctx, cfg.Bridge, port); err != nil {
			plog.Warn("[main] cloudflare tunnel failed to start: %v", err)
		} else {
			plog.Info("[main] reachable via cloudflare tunnel at %s", domain)
		}
	}

	metricsSrv := startMetricsServer(cfg.MetricsListen)

	idleTicker := time.NewTicker(cfg.ChannelIdleTimeout)
	defer idleTicker.Stop()
	go func() {
		for {
			select {
			case <-idleTicker.C:
				w.IdleSweep()
			case <-w.Stopped():
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	printBanner(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-w.Stopped():
	}

	plog.Info("shutting down...")
	cancel()
	_ = listener.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	plog.Info("stopped")
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", handleMetrics)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			plog.Error("metrics server: %v", err)
		}
	}()
	return srv
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	stats := metrics.GetStats()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(startTime).String(),
		"stats":   stats,
	})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(metrics.ExportPrometheus()))
}

// portOf extracts the port from a host:port pipe address; the Cloudflare
// tunnel fronts the same local TCP port the WebSocket listener is bound to.
func portOf(addr string) (int, error) {
	var port int
	_, err := fmt.Sscanf(addr[lastColon(addr)+1:], "%d", &port)
	if err != nil {
		return 0, fmt.Errorf("parse port from %q: %w", addr, err)
	}
	return port, nil
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("rpc2socks-server")
	fmt.Printf("  listen:  %s\n", cfg.PipeName)
	fmt.Printf("  metrics: %s\n", cfg.MetricsListen)
	if cfg.Bridge.Enable {
		fmt.Printf("  bridge:  %s\n", cfg.Bridge.ServerURL)
	}
	fmt.Println("  ctrl+c to stop")
	fmt.Println()
}
