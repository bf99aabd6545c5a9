// internal/viewer/server.go

// Package viewer serves recorded runs for inspection: a run listing, the
// visualization trace of a single run, and a small page to browse them.
package viewer

import (
	"context"
	_ "embed"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
	"github.com/xkilldash9x/marionette/internal/results"
)

//go:embed index.html
var indexPage []byte

// Server exposes recorded runs over HTTP. It reads result files directly so
// runs written while it is up appear without a restart.
type Server struct {
	cfg        config.ViewerConfig
	resultsDir string
	log        *zap.Logger
}

// NewServer builds a viewer over the given results directory.
func NewServer(cfg config.ViewerConfig, resultsDir string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		resultsDir: resultsDir,
		log:        logger.Named("viewer"),
	}
}

// runData is the per-run payload: the visualization trace plus enough of the
// record to label it, with the evaluation verdict attached when present.
type runData struct {
	TaskName          string               `json:"task_name,omitempty"`
	Model             string               `json:"model,omitempty"`
	Status            schemas.RunStatus    `json:"status"`
	Iterations        int                  `json:"iterations"`
	ExecutionTime     float64              `json:"execution_time"`
	TaskResult        string               `json:"task_result,omitempty"`
	VisualizationData []schemas.TraceFrame `json:"visualization_data"`
	Eval              *schemas.EvalRecord  `json:"eval,omitempty"`
}

// Routes builds the router. It is separate from Start so tests can exercise
// the handlers without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/api/list", s.handleList)
	r.Get("/api/data", s.handleData)
	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	return r
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Routes(),
		ReadTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("Viewer listening.",
		zap.String("addr", s.cfg.Addr),
		zap.String("results_dir", s.resultsDir))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		s.log.Info("Viewer stopped.")
		return nil
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	runs, err := results.List(s.resultsDir)
	if err != nil {
		s.log.Error("Failed to list results", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if runs == nil {
		runs = []results.RunInfo{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"files": runs})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "missing file parameter")
		return
	}
	// Only bare file names from the listing are served; anything that walks
	// the tree is rejected.
	if name != filepath.Base(name) || name == "." || name == ".." {
		s.respondError(w, http.StatusBadRequest, "invalid file name")
		return
	}

	rec, err := results.Load(filepath.Join(s.resultsDir, name))
	if err != nil {
		s.log.Debug("Result file not served", zap.String("file", name), zap.Error(err))
		s.respondError(w, http.StatusNotFound, "result file not found: "+name)
		return
	}

	data := runData{
		TaskName:          rec.TaskName,
		Model:             rec.Model,
		Status:            rec.Status,
		Iterations:        rec.Iterations,
		ExecutionTime:     rec.ExecutionTime,
		TaskResult:        rec.TaskResult,
		VisualizationData: rec.VisualizationData,
		Eval:              rec.Eval,
	}
	if data.VisualizationData == nil {
		data.VisualizationData = []schemas.TraceFrame{}
	}
	s.respondJSON(w, http.StatusOK, data)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(indexPage); err != nil {
		s.log.Error("Failed to write index page", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}

// corsMiddleware mirrors the permissive headers the browser-facing data API
// always carried. The viewer binds to localhost; the headers exist so a
// frontend served from elsewhere during development can still read it.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
