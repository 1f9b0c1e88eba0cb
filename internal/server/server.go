package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Drustburn/bystronic-opc/internal/model"
)

const (
	// sseWriteTimeout is the maximum time allowed for a single SSE write operation.
	// This prevents goroutine leaks when clients are slow or disconnected.
	// Must be <= shutdown timeout to ensure clean shutdown.
	sseWriteTimeout = 5 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "Bystronic Fleet"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"

	defaultPageSize    = 50
	maxPageSize        = 500
	defaultHistorySpan = 24 * time.Hour
)

// Fleet is the view of the fleet monitor the server exposes.
type Fleet interface {
	StatusAll() []model.Snapshot
	Status(name string) (model.Snapshot, error)
	ConnectedMachines() []string
	QueryHistory(ctx context.Context, name string, from, to time.Time, page, pageSize int) (model.HistoryPage, error)
	JobInfo(ctx context.Context, name string, job uuid.UUID) (map[string]any, error)
	PlanInfo(ctx context.Context, name string, job uuid.UUID) (map[string]any, error)
	PartInfo(ctx context.Context, name string, job uuid.UUID) (map[string]any, error)
	ScreenImage(ctx context.Context, name string) ([]byte, error)
	Transitions(ctx context.Context, name string, limit int) ([]model.Transition, error)
	Restart(name string) (bool, error)
	Subscribe() <-chan model.Snapshot
	Unsubscribe(ch <-chan model.Snapshot)
}

// Server handles HTTP requests for the fleet dashboard and API.
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	fleet      Fleet
	port       int
	httpServer *http.Server
	assets     fs.FS
	title      string
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - fleet: the fleet monitor to expose
//   - port: TCP port to listen on
//   - assets: Embedded filesystem containing dashboard assets (may be nil)
//   - title: Dashboard title (defaults to "Bystronic Fleet" if empty)
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(fleet Fleet, port int, assets fs.FS, title string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		fleet:  fleet,
		port:   port,
		assets: assets,
		title:  title,
		logger: logger,
		now:    time.Now,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/machines", s.handleMachines)
	mux.HandleFunc("GET /api/machines/{name}", s.handleMachine)
	mux.HandleFunc("GET /api/machines/{name}/history", s.handleHistory)
	mux.HandleFunc("GET /api/machines/{name}/transitions", s.handleTransitions)
	mux.HandleFunc("GET /api/machines/{name}/jobs/{guid}/{kind}", s.handleJobQuery)
	mux.HandleFunc("GET /api/machines/{name}/screen", s.handleScreen)
	mux.HandleFunc("POST /api/machines/{name}/restart", s.handleRestart)
	mux.HandleFunc("GET /api/connected", s.handleConnected)
	mux.HandleFunc("GET /api/sse", s.handleSSE)

	if s.assets != nil {
		mux.HandleFunc("GET /", s.handleDashboard)
	}
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout. The returned channel is closed once shutdown completes.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) (<-chan struct{}, error) {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return done, nil
}

// handleDashboard serves the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.assets == nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.title
	if title == "" {
		title = defaultTitle
	}
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, html.EscapeString(title))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write dashboard response", "error", err)
	}
}

func (s *Server) handleMachines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fleet.StatusAll())
}

func (s *Server) handleMachine(w http.ResponseWriter, r *http.Request) {
	snap, err := s.fleet.Status(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConnected(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fleet.ConnectedMachines())
}

// handleHistory serves one page of run history. Query parameters: from and
// to (RFC 3339, default the last 24 hours), page (default 1) and page_size
// (default 50, at most 500).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := s.now()
	from := to.Add(-defaultHistorySpan)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeBadRequest(w, "invalid from: %v", err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeBadRequest(w, "invalid to: %v", err)
			return
		}
	}
	if to.Before(from) {
		s.writeBadRequest(w, "to is before from")
		return
	}

	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		s.writeBadRequest(w, "page must be a positive integer")
		return
	}
	pageSize, err := intParam(q.Get("page_size"), defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		s.writeBadRequest(w, "page_size must be between 1 and %d", maxPageSize)
		return
	}

	result, err := s.fleet.QueryHistory(r.Context(), r.PathValue("name"), from, to, page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		s.writeBadRequest(w, "limit must be an integer")
		return
	}
	result, err := s.fleet.Transitions(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleJobQuery serves job, plan and part lookups by job GUID.
func (s *Server) handleJobQuery(w http.ResponseWriter, r *http.Request) {
	job, err := uuid.Parse(r.PathValue("guid"))
	if err != nil {
		s.writeBadRequest(w, "invalid job guid: %v", err)
		return
	}

	var lookup func(context.Context, string, uuid.UUID) (map[string]any, error)
	switch r.PathValue("kind") {
	case "job":
		lookup = s.fleet.JobInfo
	case "plan":
		lookup = s.fleet.PlanInfo
	case "part":
		lookup = s.fleet.PartInfo
	default:
		http.NotFound(w, r)
		return
	}

	result, err := lookup(r.Context(), r.PathValue("name"), job)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleScreen serves the machine's screen capture as raw image bytes.
func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	img, err := s.fleet.ScreenImage(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(img))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		s.logger.Debug("failed to write screen image", "error", err)
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	restarted, err := s.fleet.Restart(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if restarted {
		s.logger.Info("monitor loop restarted via api", "machine", name)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"restarted": restarted})
}

// handleSSE streams snapshot updates via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := s.fleet.Subscribe()
	defer s.fleet.Unsubscribe(ch)

	// initial view, including machines that have not reported yet
	for _, snap := range s.fleet.StatusAll() {
		data, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
	}

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

// writeError maps an error kind to a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", "status", status, "error", err.Error())
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnknownMachine):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrJournalDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, model.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrRequestFailure), errors.Is(err, model.ErrConnectionFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
