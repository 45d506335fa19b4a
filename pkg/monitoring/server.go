package monitoring

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/events"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ServerConfig controls the monitoring HTTP server.
type ServerConfig struct {
	Port             int
	BroadcastTimeout time.Duration
	// APIKey, when set, is required on every /api/v1 request. Empty
	// disables auth.
	APIKey string
}

// Server is the REST and WebSocket monitoring surface: /api/v1 metrics
// endpoints with per-IP rate limits, three event-driven WS hubs, a
// Prometheus /metrics endpoint, and /health.
type Server struct {
	cfg     ServerConfig
	adapter *Adapter
	metrics *Metrics
	logger  *zap.Logger
	srv     *http.Server

	liveJobs     *Hub
	robotStatus  *Hub
	queueMetrics *Hub

	fleetLimiter     *ipRateLimiter
	robotsLimiter    *ipRateLimiter
	robotLimiter     *ipRateLimiter
	jobsLimiter      *ipRateLimiter
	jobLimiter       *ipRateLimiter
	analyticsLimiter *ipRateLimiter
}

// NewServer wires the REST layer, the WS hubs, and Prometheus onto one
// listener. Events from bus feed the hubs and the Prometheus collectors.
func NewServer(cfg ServerConfig, adapter *Adapter, bus *events.Bus, reg *prometheus.Registry, logger *zap.Logger) *Server {
	log := logger.Named("monitoring_server")
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := NewMetrics(reg)
	metrics.Observe(bus)

	s := &Server{
		cfg:     cfg,
		adapter: adapter,
		metrics: metrics,
		logger:  log,

		liveJobs:     NewHub("live_jobs", cfg.BroadcastTimeout, metrics, log),
		robotStatus:  NewHub("robot_status", cfg.BroadcastTimeout, metrics, log),
		queueMetrics: NewHub("queue_metrics", cfg.BroadcastTimeout, metrics, log),

		fleetLimiter:     newIPRateLimiter(100),
		robotsLimiter:    newIPRateLimiter(100),
		robotLimiter:     newIPRateLimiter(200),
		jobsLimiter:      newIPRateLimiter(50),
		jobLimiter:       newIPRateLimiter(200),
		analyticsLimiter: newIPRateLimiter(20),
	}

	bus.Subscribe(models.EventJobStatusChanged, func(e models.Event) {
		if ev, ok := e.(models.JobStatusChanged); ok {
			s.liveJobs.Broadcast(map[string]any{
				"job_id":    ev.JobID,
				"status":    ev.Status,
				"timestamp": ev.Timestamp,
			})
		}
	})
	bus.Subscribe(models.EventRobotHeartbeat, func(e models.Event) {
		if ev, ok := e.(models.RobotHeartbeat); ok {
			s.robotStatus.Broadcast(map[string]any{
				"robot_id":    ev.RobotID,
				"status":      ev.Status,
				"cpu_percent": ev.CPUPercent,
				"memory_mb":   ev.MemoryMB,
				"timestamp":   ev.Timestamp,
			})
		}
	})
	bus.Subscribe(models.EventQueueDepthChanged, func(e models.Event) {
		if ev, ok := e.(models.QueueDepthChanged); ok {
			s.queueMetrics.Broadcast(map[string]any{
				"depth":     ev.Depth,
				"timestamp": ev.Timestamp,
			})
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/metrics/fleet", s.limited(s.fleetLimiter, s.handleFleet))
	mux.HandleFunc("GET /api/v1/metrics/robots", s.limited(s.robotsLimiter, s.handleRobots))
	mux.HandleFunc("GET /api/v1/metrics/robots/{id}", s.limited(s.robotLimiter, s.handleRobot))
	mux.HandleFunc("GET /api/v1/metrics/jobs", s.limited(s.jobsLimiter, s.handleJobs))
	mux.HandleFunc("GET /api/v1/metrics/jobs/{id}", s.limited(s.jobLimiter, s.handleJob))
	mux.HandleFunc("GET /api/v1/metrics/analytics", s.limited(s.analyticsLimiter, s.handleAnalytics))
	mux.HandleFunc("GET /ws/live-jobs", s.handleLiveJobsWS)
	mux.HandleFunc("GET /ws/robot-status", s.handleRobotStatusWS)
	mux.HandleFunc("GET /ws/queue-metrics", s.handleQueueMetricsWS)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("monitoring server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitoring server failed: %w", err)
	}
	return nil
}

// Shutdown drains HTTP and disconnects all WS clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.liveJobs.CloseAll()
	s.robotStatus.CloseAll()
	s.queueMetrics.CloseAll()
	return s.srv.Shutdown(ctx)
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) limited(limiter *ipRateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !limiter.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	key := r.Header.Get("X-Api-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	summary, err := s.adapter.GetFleetSummary(r.Context())
	if err != nil {
		s.internalError(w, "fleet summary", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	status := models.RobotStatus(r.URL.Query().Get("status"))
	if status != "" && !models.IsValidRobotStatus(status) {
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"robots": s.adapter.GetRobotList(status)})
}

func (s *Server) handleRobot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !idPattern.MatchString(id) {
		http.Error(w, "invalid robot id", http.StatusBadRequest)
		return
	}
	details, err := s.adapter.GetRobotDetails(r.Context(), id)
	if err != nil {
		s.internalError(w, "robot details", err)
		return
	}
	if details == nil {
		http.Error(w, "unknown robot", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := boundedIntParam(q.Get("limit"), 1, 500, 50)
	if !ok {
		http.Error(w, "limit must be in 1..500", http.StatusBadRequest)
		return
	}

	status := models.JobStatus(q.Get("status"))
	if status != "" && !models.IsValidJobStatus(status) {
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	items, err := s.adapter.GetJobHistory(r.Context(), JobHistoryFilters{
		Status:     status,
		WorkflowID: q.Get("workflow_id"),
		RobotID:    q.Get("robot_id"),
		Limit:      limit,
	})
	if err != nil {
		s.internalError(w, "job history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	detail, err := s.adapter.GetJobDetails(r.Context(), jobID)
	if err != nil {
		s.internalError(w, "job details", err)
		return
	}
	if detail == nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days, ok := boundedIntParam(r.URL.Query().Get("days"), 1, 90, 7)
	if !ok {
		http.Error(w, "days must be in 1..90", http.StatusBadRequest)
		return
	}
	analytics, err := s.adapter.GetAnalytics(r.Context(), days)
	if err != nil {
		s.internalError(w, "analytics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"websocket_clients": map[string]int{
			"live_jobs":     s.liveJobs.ClientCount(),
			"robot_status":  s.robotStatus.ClientCount(),
			"queue_metrics": s.queueMetrics.ClientCount(),
		},
	})
}

// ============================================================================
// WebSocket handlers
// ============================================================================

func (s *Server) handleLiveJobsWS(w http.ResponseWriter, r *http.Request) {
	s.liveJobs.ServeWS(w, r, nil)
}

func (s *Server) handleRobotStatusWS(w http.ResponseWriter, r *http.Request) {
	s.robotStatus.ServeWS(w, r, map[string]any{
		"robots":    s.adapter.GetRobotList(""),
		"timestamp": time.Now().UTC(),
	})
}

// handleQueueMetricsWS sends the real current depth as the first frame so
// dashboards do not start from zero.
func (s *Server) handleQueueMetricsWS(w http.ResponseWriter, r *http.Request) {
	var initial any
	if depth, err := s.adapter.producer.GetQueueDepth(r.Context()); err == nil {
		initial = map[string]any{"depth": depth, "timestamp": time.Now().UTC()}
	}
	s.queueMetrics.ServeWS(w, r, initial)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error("request failed", zap.String("handler", what), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func boundedIntParam(raw string, min, max, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return 0, false
	}
	return value, true
}
