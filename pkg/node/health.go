package node

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status        string    `json:"status"`
	ContentCount  int       `json:"content_count"`
	StoredBytes   int64     `json:"stored_bytes"`
	Capacity      int64     `json:"capacity"`
	Peers         int       `json:"peers"`
	ActiveStreams int64     `json:"active_streams"`
	SuccessRate   float64   `json:"success_rate"`
	Uptime        string    `json:"uptime"`
	Timestamp     time.Time `json:"timestamp"`
}

// HealthEndpoint serves liveness, readiness, a health report and the node's
// Prometheus registry.
type HealthEndpoint struct {
	node   *Node
	logger *zap.Logger
}

func NewHealthEndpoint(node *Node, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{node: node, logger: logger}
}

func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.node.registry, promhttp.HandlerOpts{}))
}

// Report gathers the current health of the node. A store that cannot be
// queried or is full makes the node unhealthy.
func (he *HealthEndpoint) Report(r *http.Request) (HealthReport, int) {
	report := HealthReport{
		Status:    "healthy",
		Peers:     len(he.node.cfg.Peers),
		Timestamp: time.Now().UTC(),
	}
	he.node.mu.RLock()
	startedAt := he.node.startedAt
	he.node.mu.RUnlock()
	if !startedAt.IsZero() {
		report.Uptime = time.Since(startedAt).Round(time.Second).String()
	}

	count, bytes, capacity, err := he.node.Usage(r.Context())
	if err != nil {
		he.logger.Warn("Health check failed to read store usage", zap.Error(err))
		report.Status = "unhealthy"
		return report, http.StatusServiceUnavailable
	}
	report.ContentCount = count
	report.StoredBytes = bytes
	report.Capacity = capacity

	metrics := he.node.GetMetrics()
	report.ActiveStreams = metrics.ActiveStreams
	report.SuccessRate = metrics.SuccessRate

	if capacity > 0 && bytes >= capacity {
		report.Status = "degraded"
	}
	return report, http.StatusOK
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, statusCode := he.Report(r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		he.logger.Debug("Failed to write health report", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !he.node.Initialized() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// startHealthServer listens on address before returning so a bad address
// fails Init instead of a background goroutine.
func startHealthServer(address string, node *Node, logger *zap.Logger) (*http.Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	NewHealthEndpoint(node, logger).RegisterHandlers(mux)

	server := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", server.Addr))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server, nil
}

// MetricsAddress is the bound metrics address, or empty when not serving.
func (n *Node) MetricsAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.httpServer == nil {
		return ""
	}
	return n.httpServer.Addr
}
