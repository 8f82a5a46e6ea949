// Command pgsession-demo loads a YAML config of named PostgreSQL targets,
// opens a pgsession.Session against each, runs a trivial probe query on
// each one, and serves Prometheus metrics plus a health endpoint until
// signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgsession"
	"github.com/dbbouncer/pgsession/cmd/pgsession-demo/internal/democonfig"
	"github.com/dbbouncer/pgsession/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/pgsession-demo.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("pgsession-demo starting")

	cfg, err := democonfig.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "targets", len(cfg.Targets))

	m := metrics.New()

	mgr := newSessionManager(m)
	mgr.connectAll(cfg)

	httpServer := newHTTPServer(cfg.Listen.APIBind, cfg.Listen.APIPort, m, mgr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "err", err)
		}
	}()

	configWatcher, err := democonfig.NewWatcher(*configPath, func(newCfg *democonfig.Config) {
		slog.Info("reloading configuration")
		mgr.connectAll(newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("pgsession-demo ready", "bind", cfg.Listen.APIBind, "port", cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	mgr.endAll(shutdownCtx)

	slog.Info("pgsession-demo stopped")
}

// sessionManager owns one pgsession.Session per configured target.
type sessionManager struct {
	metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*pgsession.Session
}

func newSessionManager(m *metrics.Collector) *sessionManager {
	return &sessionManager{metrics: m, sessions: make(map[string]*pgsession.Session)}
}

func (mgr *sessionManager) connectAll(cfg *democonfig.Config) {
	for name, t := range cfg.Targets {
		name, t := name, t
		go mgr.connectOne(name, t)
	}
}

func (mgr *sessionManager) connectOne(name string, t democonfig.TargetConfig) {
	opts := pgsession.Options{
		Host:                 t.Host,
		Port:                 t.Port,
		Database:             t.Database,
		User:                 t.Username,
		Password:             pgsession.NewStaticPassword(t.Password),
		ConnectTimeout:       t.ConnectTimeout,
		QueryTimeout:         t.QueryTimeout,
		ApplicationName:      t.ApplicationName,
		EnableChannelBinding: t.EnableChannelBinding,
	}

	sess := pgsession.NewSession(opts)

	mgr.mu.Lock()
	if old, ok := mgr.sessions[name]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		old.End(ctx)
		cancel()
		mgr.metrics.SessionDisconnected()
	}
	mgr.sessions[name] = sess
	mgr.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), max(t.ConnectTimeout, 10*time.Second))
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		slog.Error("connect failed", "target", name, "err", err)
		return
	}
	mgr.metrics.ConnectCompleted(time.Since(start))
	mgr.metrics.SessionConnected()
	slog.Info("connected", "target", name, "host", t.Host, "port", t.Port)

	probeStart := time.Now()
	handle := sess.QueryText("SELECT 1", t.QueryTimeout)
	if _, err := handle.Wait(ctx); err != nil {
		mgr.metrics.QueryCompleted("error", time.Since(probeStart))
		slog.Warn("probe query failed", "target", name, "err", err)
		return
	}
	mgr.metrics.QueryCompleted("ok", time.Since(probeStart))
}

func (mgr *sessionManager) endAll(ctx context.Context) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for name, sess := range mgr.sessions {
		if err := sess.End(ctx); err != nil {
			slog.Warn("error ending session", "target", name, "err", err)
		}
	}
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func newHTTPServer(bind string, port int, m *metrics.Collector, mgr *sessionManager) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods("GET")

	addr := fmt.Sprintf("%s:%d", bind, port)
	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
