package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MGSousa/pm2-alerter/internal/pipeline"
	"github.com/MGSousa/pm2-alerter/internal/storage"
)

type PendingSource interface {
	Pending() (int64, bool)
}

type AlertQuerier interface {
	QueryAlerts(ctx context.Context, filter storage.QueryFilter) ([]storage.AlertRow, error)
}

type HttpServer struct {
	pending     PendingSource
	diagnostics *pipeline.Diagnostics
	alerts      AlertQuerier
	gatherer    prometheus.Gatherer
}

// NewHttpServer wires the operator endpoints. alerts may be nil when no
// alert history is configured.
func NewHttpServer(
	pending PendingSource,
	diagnostics *pipeline.Diagnostics,
	alerts AlertQuerier,
	gatherer prometheus.Gatherer,
) *HttpServer {
	return &HttpServer{
		pending:     pending,
		diagnostics: diagnostics,
		alerts:      alerts,
		gatherer:    gatherer,
	}
}

func (s *HttpServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *HttpServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *HttpServer) handleState(w http.ResponseWriter, _ *http.Request) {
	id, armed := s.pending.Pending()

	response := struct {
		Pending     bool               `json:"pending"`
		PendingID   *int64             `json:"pending_pm_id"`
		Diagnostics *pipeline.Snapshot `json:"diagnostics,omitempty"`
	}{
		Pending: armed,
	}
	if armed {
		response.PendingID = &id
	}
	if s.diagnostics != nil {
		snap := s.diagnostics.Snapshot()
		response.Diagnostics = &snap
	}

	writeJSON(w, response)
}

func (s *HttpServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		http.Error(w, "alert history disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()

	now := time.Now()
	from := parseTime(query.Get("from"), now.Add(-24*time.Hour))
	to := parseTime(query.Get("to"), now)
	if from.After(to) {
		from, to = to, from
	}

	limit := parseInt(query.Get("limit"), 200)
	if limit > 1000 {
		limit = 1000
	}
	offset := parseInt(query.Get("offset"), 0)

	filter := storage.QueryFilter{
		From:        from,
		To:          to,
		Limit:       limit,
		Offset:      offset,
		ProcessName: query.Get("name"),
	}

	entries, err := s.alerts.QueryAlerts(r.Context(), filter)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	response := struct {
		Entries any `json:"entries"`
	}{
		Entries: entries,
	}

	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseTime(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	if num, err := strconv.ParseInt(value, 10, 64); err == nil {
		if num > 1e12 {
			return time.UnixMilli(num)
		}
		return time.Unix(num, 0)
	}
	return fallback
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}
