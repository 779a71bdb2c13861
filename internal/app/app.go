// Package app wires configuration, logging, persistence and the session
// engine into a runnable host process. One process hosts one session; the
// process exits when the game ends.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"skirmish/netplay"
	"skirmish/netplay/internal/config"
	"skirmish/netplay/internal/save"
	"skirmish/netplay/internal/tactics"
	"skirmish/netplay/internal/telemetry"
	"skirmish/netplay/internal/ws"
	"skirmish/netplay/logging"
	loggingsinks "skirmish/netplay/logging/sinks"
)

type Options struct {
	Logger telemetry.Logger
	// Config overrides the environment when non-zero.
	Config config.Config
}

// Run hosts a single session until the game ends or the context is
// cancelled. The session state is persisted on the way out so an aborted
// match can resume offline.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := logger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	cfg := opts.Config
	if cfg == (config.Config{}) {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	router, err := newRouter(cfg)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := logging.NewMetrics()

	store, err := save.Open(cfg.SavePath)
	if err != nil {
		return fmt.Errorf("open save store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Printf("failed to close save store: %v", cerr)
		}
	}()

	session, err := buildSession(ctx, cfg, store, router, metrics)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	if session.Mode() == netplay.ModeHost {
		handler := ws.NewHandler(session, ws.HandlerConfig{Logger: fallbackLogger})
		mux.HandleFunc("/ws", handler.Handle)
	}
	mux.HandleFunc("/diagnostics", diagnosticsHandler(session, router, metrics))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	sessionDone := make(chan error, 1)
	go func() { sessionDone <- session.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.ListenAndServe() }()

	logger.Printf("session %s (%s) on %s (save: %s)", session.ID(), session.Mode(), cfg.ListenAddr, cfg.SavePath)

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	case err := <-sessionDone:
		runErr = err
		if result, over := session.Result(); over {
			logger.Printf("%s", result)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}

	persistSession(shutdownCtx, store, session, logger)
	return runErr
}

// buildSession starts a fresh hosted match, or resumes a saved one offline
// when SKIRMISH_RESUME names a save record.
func buildSession(ctx context.Context, cfg config.Config, store *save.Store, router *logging.Router, metrics *logging.Metrics) (*netplay.Session, error) {
	base := netplay.SessionConfig{
		Domain:    tactics.New(),
		Config:    cfg,
		Publisher: router,
		Metrics:   telemetry.WrapMetrics(metrics),
	}

	if cfg.ResumeID != "" {
		rec, err := store.GetGame(ctx, cfg.ResumeID)
		if err != nil {
			return nil, fmt.Errorf("load save %s: %w", cfg.ResumeID, err)
		}
		session, err := netplay.Resume(rec, base)
		if err != nil {
			return nil, fmt.Errorf("resume save %s: %w", cfg.ResumeID, err)
		}
		return session, nil
	}

	doc, err := tactics.NewGame()
	if err != nil {
		return nil, fmt.Errorf("build starting position: %w", err)
	}
	base.Mode = netplay.ModeHost
	base.Doc = doc
	session, err := netplay.NewSession(base)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// newRouter builds the event router from the host configuration. LogJSON
// swaps the human console sink for machine-readable JSON lines on stdout.
func newRouter(cfg config.Config) (*logging.Router, error) {
	logCfg := logging.DefaultConfig()
	logCfg.BufferSize = cfg.LogBufferSize
	logCfg.MinimumSeverity = severityFromName(cfg.LogSeverity)

	var sinks []logging.NamedSink
	if cfg.LogJSON {
		logCfg.EnabledSinks = []string{"json"}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingsinks.NewJSON(os.Stdout, logCfg.JSON.FlushInterval)})
	} else {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingsinks.NewConsole(os.Stdout)})
	}

	return logging.NewRouter(logging.SystemClock{}, logCfg, sinks)
}

func severityFromName(name string) logging.Severity {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logging.SeverityDebug
	case "warn", "warning":
		return logging.SeverityWarn
	case "error":
		return logging.SeverityError
	default:
		return logging.SeverityInfo
	}
}

type diagnosticsResponse struct {
	netplay.Diagnostics
	Logging logging.RouterStats `json:"logging"`
	Metrics map[string]uint64   `json:"metrics,omitempty"`
}

func diagnosticsHandler(session *netplay.Session, router *logging.Router, metrics *logging.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := diagnosticsResponse{
			Diagnostics: session.Diagnostics(),
			Logging:     router.Stats(),
			Metrics:     metrics.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// persistSession writes the terminal (or interrupted) session state. A save
// captured here resumes offline; finished games also persist their replay.
func persistSession(ctx context.Context, store *save.Store, session *netplay.Session, logger telemetry.Logger) {
	state, err := session.Doc().Snapshot()
	if err != nil {
		logger.Printf("snapshot for save failed: %v", err)
		return
	}

	game := save.Game{
		ID:            session.ID(),
		Mode:          string(session.Mode()),
		SessionSeed:   session.Seed(),
		ActionCounter: session.Counter(),
		Turn:          session.Turn(),
		Checksum:      session.Checksum(),
		State:         state,
		CreatedAt:     time.Now(),
	}
	result, over := session.Result()
	if over {
		game.Name = result.String()
	}
	if err := store.PutGame(ctx, game); err != nil {
		logger.Printf("persist save: %v", err)
		return
	}

	if !over {
		return
	}
	if rec, ok := session.Recording(); ok {
		if err := store.PutReplay(ctx, rec); err != nil {
			logger.Printf("persist replay: %v", err)
		}
	}
}
