package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/abramin/annoscan/internal/index"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
	"github.com/abramin/annoscan/internal/telemetry"
)

// Server is the annoscan query server.
type Server struct {
	idx        atomic.Pointer[index.Targets]
	logger     *slog.Logger
	httpServer *http.Server
	port       int
}

// Config holds server configuration.
type Config struct {
	Port int
}

// New creates a server answering queries against idx.
func New(cfg Config, idx *index.Targets, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger: logger,
		port:   cfg.Port,
	}
	s.idx.Store(idx)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.corsMiddleware(s.handleHealth))
	mux.HandleFunc("/api/stats", s.corsMiddleware(s.handleStats))
	mux.HandleFunc("/api/report", s.corsMiddleware(s.handleReport))
	mux.HandleFunc("/api/sources", s.corsMiddleware(s.handleSources))
	mux.HandleFunc("/api/sources/", s.corsMiddleware(s.handleSourceClasses))
	mux.HandleFunc("/api/classes", s.corsMiddleware(s.handleClasses))
	mux.HandleFunc("/api/annotated", s.corsMiddleware(s.handleAnnotated))
	mux.HandleFunc("/api/annotations", s.corsMiddleware(s.handleAnnotations))
	mux.HandleFunc("/api/class/", s.corsMiddleware(s.handleClass))
	mux.HandleFunc("/api/implementors/", s.corsMiddleware(s.handleImplementors))
	mux.HandleFunc("/api/instanceof", s.corsMiddleware(s.handleInstanceOf))
	mux.HandleFunc("/api/references", s.corsMiddleware(s.handleReferences))

	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/", s.handleStatic)
	return mux
}

// SetIndex replaces the index queries are answered from.
func (s *Server) SetIndex(idx *index.Targets) {
	s.idx.Store(idx)
}

func (s *Server) current() *index.Targets {
	return s.idx.Load()
}

// Start starts the server and blocks until ctx is done or the process is
// interrupted.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("url", fmt.Sprintf("http://localhost:%d", s.port)))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// corsMiddleware adds CORS headers for local development.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		next(w, r)
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", slog.Any("error", err))
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// maskParam parses the policies query parameter, falling back to def.
func maskParam(r *http.Request, def source.Policy) (source.Policy, error) {
	v := r.URL.Query().Get("policies")
	if v == "" {
		return def, nil
	}
	return source.ParseMask(v)
}

func categoryParam(r *http.Request) (targets.Category, error) {
	v := r.URL.Query().Get("category")
	if v == "" {
		return targets.Class, nil
	}
	return targets.ParseCategory(v)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	idx := s.current()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"module": idx.Name(),
		"state":  idx.State().String(),
	})
}

// handleStats returns scan statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rep := s.current().Report()
	resp := struct {
		Module string        `json:"module"`
		State  string        `json:"state"`
		Stats  targets.Stats `json:"stats"`
		Error  string        `json:"error,omitempty"`
	}{rep.Module, rep.State, rep.Stats, rep.Error}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReport returns the full exported index.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.current().Report())
}

// handleSources handles GET /api/sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.current().ClassSourceNames())
}

// handleSourceClasses handles GET /api/sources/:name/classes and
// GET /api/sources/:name/annotated?annotation=X
func (s *Server) handleSourceClasses(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		writeError(w, http.StatusBadRequest, "invalid source endpoint")
		return
	}
	name, action := path[:i], path[i+1:]

	idx := s.current()
	switch action {
	case "classes":
		s.writeJSON(w, http.StatusOK, idx.ClassSourceClassNames(name))
	case "annotated":
		anno := r.URL.Query().Get("annotation")
		if anno == "" {
			writeError(w, http.StatusBadRequest, "annotation parameter required")
			return
		}
		s.writeJSON(w, http.StatusOK, idx.AnnotatedClassesIn(name, anno))
	default:
		writeError(w, http.StatusBadRequest, "invalid source action")
	}
}

// handleClasses handles GET /api/classes?policies=seed,partial
func (s *Server) handleClasses(w http.ResponseWriter, r *http.Request) {
	mask, err := maskParam(r, source.All)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.current().ClassNames(mask))
}

// handleAnnotated handles GET /api/annotated?annotation=X&category=class
// Without an annotation it lists every annotated target of the category.
// With inherit=true it adds subclasses of annotated classes.
func (s *Server) handleAnnotated(w http.ResponseWriter, r *http.Request) {
	cat, err := categoryParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mask, err := maskParam(r, source.Seed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	idx := s.current()
	anno := r.URL.Query().Get("annotation")

	switch {
	case anno == "":
		s.writeJSON(w, http.StatusOK, idx.AllAnnotatedTargets(cat, mask))
	case r.URL.Query().Get("inherit") == "true":
		if cat != targets.Class {
			writeError(w, http.StatusBadRequest, "inherit applies to class annotations only")
			return
		}
		s.writeJSON(w, http.StatusOK, idx.AllInheritedAnnotatedClasses(anno, mask, mask))
	default:
		s.writeJSON(w, http.StatusOK, idx.AnnotatedTargets(cat, anno, mask))
	}
}

// handleAnnotations handles GET /api/annotations?target=X&category=class
// Without a target it lists every annotation used on the category.
func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	cat, err := categoryParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mask, err := maskParam(r, source.Seed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	idx := s.current()
	if target := r.URL.Query().Get("target"); target != "" {
		s.writeJSON(w, http.StatusOK, idx.Annotations(cat, target, mask))
		return
	}
	s.writeJSON(w, http.StatusOK, idx.AllAnnotations(cat, mask))
}

// ClassInfo is everything the index knows about one class.
type ClassInfo struct {
	Name             string   `json:"name"`
	Source           string   `json:"source"`
	Superclass       string   `json:"superclass,omitempty"`
	Interfaces       []string `json:"interfaces"`
	Subclasses       []string `json:"subclasses"`
	Modifiers        uint16   `json:"modifiers"`
	Abstract         bool     `json:"abstract"`
	Interface        bool     `json:"interface"`
	Annotations      []string `json:"annotations"`
	AnnotatedFields  []string `json:"annotated_fields"`
	AnnotatedMethods []string `json:"annotated_methods"`
}

// handleClass handles GET /api/class/:name
func (s *Server) handleClass(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/class/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "class name required")
		return
	}
	idx := s.current()
	mods, ok := idx.Modifiers(name)
	if !ok {
		writeError(w, http.StatusNotFound, "class not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ClassInfo{
		Name:             name,
		Source:           idx.ClassSourceName(name),
		Superclass:       idx.SuperclassName(name),
		Interfaces:       idx.InterfaceNames(name),
		Subclasses:       idx.SubclassNames(name),
		Modifiers:        mods,
		Abstract:         idx.IsAbstract(name),
		Interface:        idx.IsInterface(name),
		Annotations:      idx.Annotations(targets.Class, name, source.All),
		AnnotatedFields:  idx.AnnotatedFields(name),
		AnnotatedMethods: idx.AnnotatedMethods(name),
	})
}

// handleImplementors handles GET /api/implementors/:interface
func (s *Server) handleImplementors(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/implementors/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "interface name required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.current().AllImplementorsOf(name))
}

// handleInstanceOf handles GET /api/instanceof?candidate=X&target=Y&interface=true
func (s *Server) handleInstanceOf(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	candidate, target := q.Get("candidate"), q.Get("target")
	if candidate == "" || target == "" {
		writeError(w, http.StatusBadRequest, "candidate and target parameters required")
		return
	}
	isInterface := false
	if v := q.Get("interface"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid interface parameter")
			return
		}
		isInterface = b
	}

	ok, err := s.current().IsInstanceOf(candidate, target, isInterface)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"instance": ok})
}

// handleReferences returns the resolved and unresolved referenced classes.
func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	idx := s.current()
	s.writeJSON(w, http.StatusOK, map[string][]string{
		"resolved":   idx.ResolvedClassNames(),
		"unresolved": idx.UnresolvedClassNames(),
	})
}

// handleStatic lists the endpoints.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	base := "http://localhost:" + strconv.Itoa(s.port)
	html := `<!DOCTYPE html>
<html>
<head>
    <title>annoscan</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
               max-width: 800px; margin: 50px auto; padding: 20px; }
        h1 { color: #333; }
        .api-list { background: #f5f5f5; padding: 20px; border-radius: 8px; }
        .api-list a { display: block; margin: 10px 0; color: #0066cc; }
        pre { background: #f0f0f0; padding: 10px; border-radius: 4px; overflow-x: auto; }
    </style>
</head>
<body>
    <h1>annoscan: ` + s.current().Name() + `</h1>
    <div class="api-list">
        <h3>Available Endpoints:</h3>
        <a href="/api/stats">GET /api/stats</a> - Scan statistics
        <a href="/api/report">GET /api/report</a> - Full index report
        <a href="/api/sources">GET /api/sources</a> - Class sources in classpath order
        <a href="/api/classes?policies=seed">GET /api/classes?policies=seed</a> - Seed classes
        <a href="/api/annotations">GET /api/annotations</a> - Class annotations in use
        <a href="/api/references">GET /api/references</a> - Resolved and unresolved references
        <a href="/metrics">GET /metrics</a> - Prometheus metrics
        <a href="/api/health">GET /api/health</a> - Health check
    </div>
    <h3>Example Usage:</h3>
    <pre>
# Classes carrying an annotation, seed and partial sources
curl '` + base + `/api/annotated?annotation=javax.persistence.Entity&policies=seed,partial'

# Methods carrying an annotation
curl '` + base + `/api/annotated?category=method&annotation=org.junit.Test'

# Everything about one class
curl ` + base + `/api/class/com.example.Cart

# Instance check against an interface
curl '` + base + `/api/instanceof?candidate=com.example.Cart&target=java.io.Serializable&interface=true'
    </pre>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
