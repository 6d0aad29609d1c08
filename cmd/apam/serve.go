package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/maloquacious/apam/internal/config"
	"github.com/maloquacious/apam/internal/logger"
	"github.com/maloquacious/apam/internal/manager"
	"github.com/maloquacious/apam/internal/metrics"
	"github.com/maloquacious/apam/internal/store"
	"github.com/maloquacious/apam/internal/store/sqlite"
	"github.com/maloquacious/apam/internal/table"
)

var (
	port      int
	adminPort int
	exitAfter time.Duration
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the store server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "public HTTP port (overrides config)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 0, "admin HTTP port, JSON, loopback only (overrides config)")
	serveCmd.Flags().DurationVar(&exitAfter, "exit-after", 0, "optional runtime; if set, server exits after this duration (testing)")
	return serveCmd
}

// server holds what the HTTP handlers share.
type server struct {
	cfg     config.Config
	log     logger.Logger
	reg     *sqlite.Registry
	mgr     *manager.Manager
	rec     *metrics.Recorder
	started time.Time

	// stop asks runServe to shut down.
	stop context.CancelFunc

	mu     sync.Mutex
	tables map[string]*table.Database
}

func newServer(cfg config.Config, log logger.Logger, reg *sqlite.Registry, stop context.CancelFunc) (*server, error) {
	rec := metrics.New()
	mgr, err := manager.New(cfg.Database, reg, manager.WithLogger(log), manager.WithMetrics(rec))
	if err != nil {
		return nil, err
	}
	if stop == nil {
		stop = func() {}
	}
	return &server{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		mgr:     mgr,
		rec:     rec,
		started: time.Now().UTC(),
		stop:    stop,
		tables:  make(map[string]*table.Database),
	}, nil
}

// runServe starts both the public and admin (JSON) servers with graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("admin-port") {
		cfg.Server.AdminPort = adminPort
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	reg, err := sqlite.NewRegistry(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := newServer(cfg, log, reg, stop)
	if err != nil {
		return err
	}
	if err := s.mgr.EnsureExists(ctx); err != nil {
		return fmt.Errorf("open store %q: %w", cfg.Database, err)
	}

	publicSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.publicMux(),
	}

	// Bind admin to 127.0.0.1 only (loopback enforcement)
	adminListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Server.AdminPort))
	if err != nil {
		return fmt.Errorf("admin listener bind failed (loopback only): %w", err)
	}
	adminSrv := &http.Server{
		Handler: s.adminMux(),
	}

	errCh := make(chan error, 2)

	go func() {
		log.Info("public server listening on :%d", cfg.Server.Port)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()

	go func() {
		log.Info("admin server listening on %s (JSON-only)", adminListener.Addr())
		if err := adminSrv.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	// Optional run timer
	if exitAfter > 0 {
		log.Info("exit-after timer set: %s", exitAfter)
		time.AfterFunc(exitAfter, stop)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case serveErr = <-errCh:
		log.Error("%v", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = publicSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	if err := s.mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("manager shutdown: %v", err)
	}
	log.Info("shutdown complete")
	return serveErr
}

func (s *server) publicMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case s.mgr.IsShutdown():
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("SHUTTING DOWN"))
		case s.mgr.Exists() != store.ExistencePresent:
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("READY"))
		}
	})

	return mux
}

func (s *server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /admin/status", jsonOnly(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /admin/stores", jsonOnly(http.HandlerFunc(s.handleStores)))
	mux.Handle("GET /admin/stores/{name}", jsonOnly(http.HandlerFunc(s.handleStore)))
	mux.Handle("POST /admin/shutdown", jsonOnly(http.HandlerFunc(s.handleShutdown)))
	mux.Handle("GET /metrics", s.rec.Handler())

	mux.Handle("POST /api/tables", jsonOnly(http.HandlerFunc(s.handleInitTable)))
	mux.Handle("POST /api/tables/{name}/records", jsonOnly(http.HandlerFunc(s.handleCreateRecords)))
	mux.Handle("GET /api/tables/{name}/records", jsonOnly(http.HandlerFunc(s.handleGetRecords)))
	mux.Handle("DELETE /api/tables/{name}/records", jsonOnly(http.HandlerFunc(s.handleClearRecords)))
	mux.Handle("GET /api/tables/{name}/count", jsonOnly(http.HandlerFunc(s.handleCount)))

	return mux
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mode := "running"
	if s.mgr.IsShutdown() {
		mode = "shutting down"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   version.String(),
		"buildDate": buildDate,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"started":   s.started.Format(time.RFC3339),
		"mode":      mode,
		"store":     s.mgr.Name(),
		"exists":    s.mgr.Exists().String(),
		"manager":   s.mgr.ID(),
	})
}

func (s *server) handleStores(w http.ResponseWriter, r *http.Request) {
	names, err := s.reg.DatabaseNames()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"stores": names})
}

func (s *server) handleStore(w http.ResponseWriter, r *http.Request) {
	info, err := s.reg.Info(r.Context(), r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if info.State == store.StateMissing {
		writeStoreError(w, store.NotFound("store info", info.Name, "database does not exist"))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	// give the response a moment to flush
	time.AfterFunc(200*time.Millisecond, s.stop)
}

// table returns the table registered under name.
func (s *server) table(name string) (*table.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[store.NormalizeName(name)]
	if !ok {
		return nil, store.NotFound("table", name, "table is not initialized")
	}
	return t, nil
}

func (s *server) handleInitTable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		Headers []string `json:"headers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	name := store.NormalizeName(req.Name)

	s.mu.Lock()
	t, ok := s.tables[name]
	if !ok {
		t = table.New(s.mgr)
	}
	s.mu.Unlock()

	if err := t.Init(r.Context(), req.Name, req.Headers); err != nil {
		writeStoreError(w, err)
		return
	}

	s.mu.Lock()
	s.tables[name] = t
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, t.State())
}

func (s *server) handleCreateRecords(w http.ResponseWriter, r *http.Request) {
	t, err := s.table(r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var rows []table.Row
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON array of objects")
		return
	}
	created, err := t.Create(r.Context(), rows...)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"records": created})
}

func (s *server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	t, err := s.table(r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	perPage, err := queryInt(r, "per_page", table.DefaultResultsPerPage)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	total, err := t.Count(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	p := table.NewPager()
	if err := p.Config(table.Settings{TotalResults: total, Headers: t.State().Headers}); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := p.SetResultsPerPage(perPage); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := p.ToPage(page); err != nil {
		writeStoreError(w, err)
		return
	}

	rows, err := t.Page(r.Context(), page, perPage)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": p.State(), "records": rows})
}

func (s *server) handleClearRecords(w http.ResponseWriter, r *http.Request) {
	t, err := s.table(r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	n, err := t.Clear(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	t, err := s.table(r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	n, err := t.Count(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, store.InvalidArgument("parse query", key, fmt.Sprintf("%q is not a number", v))
	}
	return n, nil
}

// jsonOnly enforces JSON-only contract for admin routes.
func jsonOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require Accept: application/json (at least for admin)
		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") && accept != "" {
			writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "Accept must include application/json")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodDelete && r.ContentLength != 0 &&
			!strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": msg,
	})
}

// writeStoreError maps an error kind to its HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch store.KindOf(err) {
	case store.ErrInvalidArgument:
		status, code = http.StatusBadRequest, "invalid_argument"
	case store.ErrNotFound:
		status, code = http.StatusNotFound, "not_found"
	case store.ErrConflict:
		status, code = http.StatusConflict, "conflict"
	case store.ErrLifecycle:
		status, code = http.StatusConflict, "lifecycle"
		if errors.Is(err, manager.ErrShutdown) {
			status = http.StatusServiceUnavailable
		}
	}
	writeJSONError(w, status, code, err.Error())
}
