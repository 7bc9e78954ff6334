package server

import (
	stdliberrors "errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errUnauthorized    = stdliberrors.New("unauthorized")
	errForbiddenOrigin = stdliberrors.New("origin not allowed")
)

var (
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "testpilot",
		Name:      "ws_clients_total",
		Help:      "Connected WebSocket event stream clients.",
	})
	metricAPIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testpilot",
		Name:      "api_requests_total",
		Help:      "API requests by route group.",
	}, []string{"group"})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublicMetrics {
		if _, ok := s.authorize(r); !ok {
			respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
	}
	promhttp.Handler().ServeHTTP(w, r)
}
