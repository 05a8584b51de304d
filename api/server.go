// Package api exposes the aggregator over HTTP: REST snapshots for clients
// that are (re)joining, the websocket feed, health and prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"buyback_feed/aggregator"
	"buyback_feed/models"
	"buyback_feed/monitoring"
	"buyback_feed/utils"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	agg          *aggregator.Aggregator
	ws           http.HandlerFunc
	defaultLimit int
	maxLimit     int
	logger       *zap.SugaredLogger
}

// NewServer wires the handlers. wsHandler serves /ws and may be nil when the
// process does not publish a feed.
func NewServer(agg *aggregator.Aggregator, wsHandler http.HandlerFunc, defaultLimit, maxLimit int, logger *zap.SugaredLogger) *Server {
	if maxLimit <= 0 {
		maxLimit = aggregator.DefaultCapacity
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &Server{
		agg:          agg,
		ws:           wsHandler,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		logger:       logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/buybacks/recent", instrument("/api/buybacks/recent", http.HandlerFunc(s.handleRecent)))
	mux.Handle("/api/buybacks/stats", instrument("/api/buybacks/stats", http.HandlerFunc(s.handleStats)))
	if s.ws != nil {
		mux.HandleFunc("/ws", s.ws)
	}
	mux.HandleFunc("/health", monitoring.HealthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	return utils.RequestLogger(mux)
}

type recentResponse struct {
	Events []models.BurnEvent `json:"events"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := s.defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	s.writeJSON(w, recentResponse{Events: s.agg.Recent(limit)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.agg.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("Failed to write response", "error", err)
	}
}

func instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		monitoring.RequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
