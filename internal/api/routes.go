package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// NewRouter wires every endpoint under /api/v1 plus /health and /metrics.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalanceHandler).Methods(http.MethodGet)

	v1.HandleFunc("/operations", h.CreateOperationHandler).Methods(http.MethodPost)
	v1.HandleFunc("/operations/{id}", h.GetOperationHandler).Methods(http.MethodGet)

	v1.HandleFunc("/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/recompute", h.RecomputeStatusHandler).Methods(http.MethodPost)

	v1.HandleFunc("/offers", h.CreateOfferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/offers/{id}", h.GetOfferHandler).Methods(http.MethodGet)
	v1.HandleFunc("/offers/{id}/status", h.TransitionOfferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/offers/{id}/allocations", h.AllocateHandler).Methods(http.MethodPost)
	v1.HandleFunc("/offers/{id}/investments", h.ListInvestmentsHandler).Methods(http.MethodGet)

	v1.HandleFunc("/investments/{id}", h.GetInvestmentHandler).Methods(http.MethodGet)
	v1.HandleFunc("/investments/{id}/cancel", h.CancelInvestmentHandler).Methods(http.MethodPost)
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

// instrument records request counts and latency per route template so path
// ids do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
