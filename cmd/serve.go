package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/model"
	"github.com/jconover/medrobotics-etl/internal/monitoring"
	"github.com/jconover/medrobotics-etl/internal/runlog"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger for ETL runs",
	Long:  "Serves POST /runs to start a run, GET /runs for recent history, GET /health and GET /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(config.ModeServe); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdown, err := initTracing(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()

		env, err := initETL(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		s := newServer(ctx, env.Orchestrator)
		if env.RunLog != nil {
			s.runs = env.RunLog
		}
		if env.Metrics != nil {
			s.metrics = env.Metrics.Handler()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           s.routes(cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		s.wg.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// server triggers runs over HTTP. One run executes at a time; a second
// POST while one is in flight gets 409.
type server struct {
	ctx     context.Context
	runner  runner
	runs    monitoring.RunLister
	metrics http.Handler
	recent  *recentRuns
	busy    atomic.Bool
	wg      sync.WaitGroup
}

func newServer(ctx context.Context, r runner) *server {
	recent := &recentRuns{max: 50}
	return &server{ctx: ctx, runner: r, runs: recent, recent: recent}
}

func (s *server) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/runs", s.startRun)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/summary", s.summary)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// startRun validates the request and runs it in the background, or inline
// when ?wait=true.
func (s *server) startRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if _, err := req.Params(time.Now(), ""); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already in progress"})
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		res := s.execute(r.Context(), req)
		status := http.StatusOK
		if res.Status != model.RunStatusSuccess {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, res)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, req)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "etl_type": req.ETLType})
}

func (s *server) execute(ctx context.Context, req model.RunRequest) *model.RunResult {
	defer s.busy.Store(false)
	res, err := s.runner.Run(ctx, req)
	if err != nil {
		zap.L().Error("triggered run failed", zap.Error(err))
	}
	s.recent.add(res)
	return res
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.runs.List(r.Context(), limit)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not list runs"})
		return
	}
	if entries == nil {
		entries = []runlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) summary(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}
	snap, err := monitoring.NewCollector(s.runs).Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("collect run summary", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not summarize runs"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recentRuns keeps the last results in memory for deployments without a
// run log.
type recentRuns struct {
	mu      sync.Mutex
	max     int
	entries []runlog.Entry
}

func (r *recentRuns) add(res *model.RunResult) {
	if res == nil {
		return
	}
	e := runlog.Entry{
		RunID:         res.RunID,
		ETLType:       string(res.ETLType),
		Status:        string(res.Status),
		RecordsLoaded: res.RecordsLoaded,
		Error:         res.Error,
	}
	e.StartedAt, _ = time.Parse(time.RFC3339, res.Timestamp)
	if t, err := time.Parse(time.RFC3339, res.FinishedAt); err == nil {
		e.FinishedAt = &t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]runlog.Entry{e}, r.entries...)
	if len(r.entries) > r.max {
		r.entries = r.entries[:r.max]
	}
}

// List returns up to limit entries, newest first.
func (r *recentRuns) List(_ context.Context, limit int) ([]runlog.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(limit, len(r.entries))
	out := make([]runlog.Entry, n)
	copy(out, r.entries[:n])
	return out, nil
}
