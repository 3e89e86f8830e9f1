package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
)

// Server exposes a memory.Session over HTTP
type Server struct {
	session *memory.Session
	metrics *metrics.Metrics
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(session *memory.Session, opts ...Option) *Server {
	s := &Server{session: session}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Get("/memories", s.handleListMemories)
	r.Post("/memories", s.handleAddMemory)
	r.Get("/memories/{name}", s.handleGetMemory)
	r.Put("/memories/{name}", s.handleUpdateMemory)
	r.Delete("/memories/{name}", s.handleRemoveMemory)

	r.Get("/visible-memories", s.handleVisibleMemories)
	r.Get("/relevance-map", s.handleRelevanceMap)
	r.Get("/memory-context", s.handleMemoryContext)

	r.Post("/full-update", s.handleFullUpdate)
	r.Post("/update-existing-memories", s.handleUpdateExistingMemories)
	r.Post("/extract-new-memories", s.handleExtractNewMemories)
	r.Post("/refresh-visible-memory-list", s.handleRefreshVisible)
	r.Post("/update-relevance-map", s.handleUpdateRelevance)
	r.Post("/update-visible-memory-list", s.handleUpdateVisible)
	r.Post("/force-update-relevance-map", s.handleForceUpdateRelevance)
	r.Post("/generate", s.handleGenerate)

	return r
}

// accessLog attaches a request scoped logger and records the request once served
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		logger := logging.From(r.Context()).With(
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := logging.With(r.Context(), logger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.CountHTTP(r.Method, route, ww.Status())
		logger.Info("request served", "status", ww.Status(), "duration", time.Since(started))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type stateResponse struct {
	VisibleMemories []model.Memory     `json:"visible_memories"`
	RelevanceMap    model.RelevanceMap `json:"relevance_map"`
}

func newStateResponse(m *memory.Manager) stateResponse {
	visible := m.Visible()
	if visible == nil {
		visible = []model.Memory{}
	}
	return stateResponse{VisibleMemories: visible, RelevanceMap: m.Relevance()}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: message})
}

// respondError maps domain errors to status codes
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrDuplicateKey):
		status = http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrOracleProtocol):
		status = http.StatusBadGateway
	}

	logger := logging.From(ctx)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	} else {
		logger.Warn("request failed", "error", err, "status", status)
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// apply runs fn on the session and responds with the resulting state
func (s *Server) apply(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, m *memory.Manager) (*memory.Manager, error)) {
	next, err := s.session.Apply(r.Context(), fn)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(next))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVisibleMemories(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		respondJSON(w, http.StatusOK, newStateResponse(s.session.Current()))
		return
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		respondBadRequest(w, "limit must be an integer")
		return
	}
	// Ranked preview only; the session keeps its snapshot
	preview, err := s.session.Current().RefreshVisible(r.Context(), limit)
	if err != nil {
		respondError(r.Context(), w, err)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(preview))
}

func (s *Server) handleRelevanceMap(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"relevance_map": s.session.Current().Relevance(),
	})
}

func (s *Server) handleMemoryContext(w http.ResponseWriter, _ *http.Request) {
	current := s.session.Current()
	resp := map[string]any{
		"memories": newStateResponse(current).VisibleMemories,
		"context":  "",
	}
	if msg, ok := current.Context(); ok {
		resp["context"] = msg.Text
	}
	respondJSON(w, http.StatusOK, resp)
}
