package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/level"
	"github.com/punchamoorthee/pointsledger/internal/models"
	"github.com/punchamoorthee/pointsledger/internal/rules"
	"github.com/punchamoorthee/pointsledger/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "points_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Engine is the slice of service.PointsEngine the HTTP layer needs.
type Engine interface {
	Award(ctx context.Context, userID int64, action string, metadata map[string]any, rc domain.RequestContext) (domain.AwardResult, error)
	Balance(ctx context.Context, userID int64) (service.BalanceView, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]domain.PointsTransaction, error)
	CheckDrift(ctx context.Context, userID int64) (domain.Drift, error)
	Rules() *rules.Table
	Levels() *level.Evaluator
}

// Pinger reports storage liveness for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	engine Engine
	db     Pinger
	log    *log.Helper
}

func NewHandler(engine Engine, db Pinger, logger log.Logger) *Handler {
	return &Handler{
		engine: engine,
		db:     db,
		log:    log.NewHelper(log.With(logger, "component", "http")),
	}
}

// NewRouter wires every endpoint onto a gorilla/mux router.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/awards", h.CreateAwardHandler).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/balance", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/transactions", h.GetTransactionsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/reconciliation", h.GetReconciliationHandler).Methods(http.MethodGet)
	v1.HandleFunc("/rules", h.GetRulesHandler).Methods(http.MethodGet)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		if endpoint == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func respondWithError(w http.ResponseWriter, code int, message, requestID string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message, RequestID: requestID})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
