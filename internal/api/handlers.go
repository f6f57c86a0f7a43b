package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/teesync/teesync/internal/erragg"
	"github.com/teesync/teesync/internal/provider/resilience"
	"github.com/teesync/teesync/internal/weather/cache"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type providerStatus struct {
	Name          string     `json:"name"`
	Circuit       string     `json:"circuit"`
	Healthy       bool       `json:"healthy"`
	Requests      uint32     `json:"requests"`
	Failures      uint32     `json:"failures"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type cacheStatus struct {
	ResponseEntries int `json:"response_entries"`
	ResponseFresh   int `json:"response_fresh"`
	LocationEntries int `json:"location_entries"`
}

type errorsResponse struct {
	Entries []erragg.Stat `json:"entries"`
}

// OpsHandler serves the operational endpoints.
type OpsHandler struct {
	version   string
	startedAt time.Time
	providers *resilience.Registry
	store     *cache.Store
	errors    *erragg.Aggregator
}

// NewOpsHandler creates an OpsHandler.
func NewOpsHandler(version string, providers *resilience.Registry, store *cache.Store, errors *erragg.Aggregator) *OpsHandler {
	return &OpsHandler{
		version:   version,
		startedAt: time.Now(),
		providers: providers,
		store:     store,
		errors:    errors,
	}
}

// Health handles GET /v1/ops/health, the liveness check.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: h.version,
		UptimeS: int64(time.Since(h.startedAt).Seconds()),
	})
}

// Ready handles GET /v1/ops/ready. Readiness means the cache store answers.
func (h *OpsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if _, err := h.store.CacheStats(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "cache store unavailable")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
}

// Providers handles GET /v1/ops/providers, the upstream health snapshot.
func (h *OpsHandler) Providers(w http.ResponseWriter, r *http.Request) {
	health := h.providers.AllHealth()
	out := make([]providerStatus, 0, len(health))
	for _, p := range health {
		out = append(out, providerStatus{
			Name:          p.Name,
			Circuit:       p.CircuitState.String(),
			Healthy:       p.Healthy(),
			Requests:      p.Counts.Requests,
			Failures:      p.Counts.TotalFailures,
			LastSuccessAt: p.LastSuccessAt,
			LastFailureAt: p.LastFailureAt,
			LastError:     p.LastError,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// Cache handles GET /v1/ops/cache, the forecast cache counters.
func (h *OpsHandler) Cache(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.CacheStats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "cache store unavailable")
		return
	}
	writeJSON(w, r, http.StatusOK, cacheStatus{
		ResponseEntries: stats.ResponseEntries,
		ResponseFresh:   stats.ResponseFresh,
		LocationEntries: stats.LocationEntries,
	})
}

// Errors handles GET /v1/ops/errors, the aggregated error report. Samples are
// redacted before they reach the aggregator, so the report is safe to expose.
func (h *OpsHandler) Errors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, errorsResponse{Entries: h.errors.Snapshot()})
}

type problem struct {
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	if id := GetRequestID(r.Context()); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, r, status, problem{
		Status:    status,
		Detail:    detail,
		RequestID: GetRequestID(r.Context()),
	})
}
