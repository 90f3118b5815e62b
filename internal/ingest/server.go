// Package ingest - HTTP граница: прием событий, WebSocket наблюдателей, health и метрики.
package ingest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/agentwatch/internal/domain"
	"github.com/xela07ax/agentwatch/internal/metrics"
)

const (
	maxBodyBytes  = 1 << 20
	maxBatchItems = 1000
)

// Observers: WebSocket сторона (реализует *hub.Hub)
type Observers interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ConnectionCount() int
}

type Server struct {
	router    *chi.Mux
	processor *Processor
	observers Observers
	backend   string
	gatherer  prometheus.Gatherer

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewServer: gatherer может быть nil, тогда /metrics не регистрируется
func NewServer(
	processor *Processor,
	observers Observers,
	backend string,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	s := &Server{
		router:    chi.NewRouter(),
		processor: processor,
		observers: observers,
		backend:   backend,
		gatherer:  gatherer,
		logger:    logger.Named("ingest"),
		metrics:   m,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// --- 2. Прием событий от hook-клиентов ---
	r.Post("/api/events", s.handleEvent)
	r.Post("/api/events/batch", s.handleBatch)

	// --- 3. Наблюдатели и эксплуатация ---
	if s.observers != nil {
		r.Get("/ws", s.observers.ServeWS)
	}
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type eventResponse struct {
	OK    bool          `json:"ok"`
	Agent *domain.Agent `json:"agent,omitempty"`
}

type batchItem struct {
	Index   int    `json:"index"`
	OK      bool   `json:"ok"`
	AgentID string `json:"agentId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type batchResponse struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Results  []batchItem `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := decode(w, r, &ev); err != nil {
		s.writeError(w, err)
		return
	}

	agent, err := s.apply(r, ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{OK: true, Agent: agent})
}

// handleBatch: события применяются по порядку, ошибка одного не отменяет остальные
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var batch domain.EventBatch
	if err := decode(w, r, &batch); err != nil {
		s.writeError(w, err)
		return
	}
	if len(batch.Events) > maxBatchItems {
		s.writeError(w, &domain.ValidationError{
			Field: "events", Reason: "batch exceeds " + strconv.Itoa(maxBatchItems) + " events",
		})
		return
	}

	resp := batchResponse{Results: make([]batchItem, 0, len(batch.Events))}
	for i, ev := range batch.Events {
		item := batchItem{Index: i, AgentID: ev.AgentID}
		if _, err := s.apply(r, ev); err != nil {
			item.Error = err.Error()
			resp.Rejected++
		} else {
			item.OK = true
			resp.Accepted++
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "storage": s.backend}
	if s.observers != nil {
		body["connections"] = s.observers.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) apply(r *http.Request, ev domain.Event) (*domain.Agent, error) {
	start := time.Now()
	agent, err := s.processor.Apply(r.Context(), ev)

	status := strconv.Itoa(statusFor(err))
	s.metrics.EventsIngested.WithLabelValues(ev.Type).Inc()
	s.metrics.IngestDuration.WithLabelValues(ev.Type, status).Observe(time.Since(start).Seconds())

	if err != nil && statusFor(err) == http.StatusInternalServerError {
		s.logger.Error("event processing failed",
			zap.String("event_type", ev.Type), zap.String("agent_id", ev.AgentID), zap.Error(err))
	}
	return agent, err
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

// statusFor: Validation -> 400, NotFound -> 404, остальное -> 500
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// requestLogger: access log через zap вместо middleware.Logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
