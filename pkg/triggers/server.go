package triggers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// maxWebhookBody bounds request bodies read by the ingress.
const maxWebhookBody = 1 << 20

// ServerConfig controls the webhook ingress.
type ServerConfig struct {
	Port            int
	WebhookURL      string
	StripeTolerance time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Server is the single process-wide HTTP ingress for webhook and form
// triggers. It binds all interfaces only when a public webhook URL is
// configured; otherwise loopback.
type Server struct {
	manager *Manager
	cfg     ServerConfig
	logger  *zap.Logger
	srv     *http.Server
}

// NewServer builds the ingress around a trigger manager.
func NewServer(manager *Manager, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.StripeTolerance == 0 {
		cfg.StripeTolerance = DefaultStripeTolerance
	}
	s := &Server{manager: manager, cfg: cfg, logger: logger.Named("trigger_server")}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{trigger_id}", s.handleHook)
	mux.HandleFunc("POST /webhooks/{path...}", s.handleWebhookPath)
	mux.HandleFunc("POST /forms/{trigger_id}", s.handleForm)
	mux.HandleFunc("GET /health", s.handleHealth)

	host := "127.0.0.1"
	if cfg.WebhookURL != "" {
		host = "0.0.0.0"
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Start runs the ingress until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("webhook ingress listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook ingress failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	s.fire(w, r, r.PathValue("trigger_id"))
}

func (s *Server) handleWebhookPath(w http.ResponseWriter, r *http.Request) {
	endpoint := "/" + r.PathValue("path")
	triggerID, ok := s.manager.ResolveEndpoint(endpoint)
	if !ok {
		http.Error(w, "unknown webhook path", http.StatusNotFound)
		return
	}
	s.fire(w, r, triggerID)
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	triggerID := r.PathValue("trigger_id")
	trigger := s.manager.Get(triggerID)
	if trigger == nil {
		http.Error(w, "unknown trigger", http.StatusNotFound)
		return
	}
	if !trigger.Enabled {
		http.Error(w, "trigger disabled", http.StatusForbidden)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	payload := make(map[string]any, len(r.PostForm))
	for key, values := range r.PostForm {
		if len(values) == 1 {
			payload[key] = values[0]
		} else {
			payload[key] = values
		}
	}

	s.emit(w, r, triggerID, payload)
}

// fire is the webhook path: raw body read, auth check, best-effort JSON
// parse, then emit.
func (s *Server) fire(w http.ResponseWriter, r *http.Request, triggerID string) {
	trigger := s.manager.Get(triggerID)
	if trigger == nil {
		http.Error(w, "unknown trigger", http.StatusNotFound)
		return
	}
	if !trigger.Enabled {
		http.Error(w, "trigger disabled", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !s.authenticate(trigger, r, body) {
		s.logger.Warn("webhook authentication failed",
			zap.String("trigger_id", triggerID),
			zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Payload parsing is best-effort: a non-JSON body fires with an empty
	// payload rather than being rejected.
	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = map[string]any{}
		}
	}

	s.emit(w, r, triggerID, payload)
}

func (s *Server) emit(w http.ResponseWriter, r *http.Request, triggerID string, payload map[string]any) {
	source := models.EventSource{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}

	fired, err := s.manager.Emit(triggerID, payload, source)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		http.Error(w, "unknown trigger", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrTriggerDisabled):
		http.Error(w, "trigger disabled", http.StatusForbidden)
	case err != nil:
		s.logger.Error("emit failed", zap.String("trigger_id", triggerID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	case !fired:
		http.Error(w, "trigger declined", http.StatusTooManyRequests)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "trigger_id": triggerID})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active, total := s.manager.Counts()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_triggers": active,
		"total_triggers":  total,
	})
}

// apiKeyHeaders are checked in order for api_key auth.
var apiKeyHeaders = []string{"X-Api-Key", "X-Webhook-Secret", "Api-Key"}

// signatureHeaders are checked in order for HMAC auth.
var signatureHeaders = []string{
	"X-Hub-Signature-256",
	"X-Hub-Signature",
	"Stripe-Signature",
	"X-Signature",
	"X-Webhook-Signature",
}

func (s *Server) authenticate(trigger *models.Trigger, r *http.Request, body []byte) bool {
	authType := models.TriggerAuthType(trigger.Config.String("auth_type"))
	secret := trigger.Config.String("secret")

	switch authType {
	case "", models.TriggerAuthNone:
		return true

	case models.TriggerAuthAPIKey:
		for _, header := range apiKeyHeaders {
			if value := r.Header.Get(header); value != "" {
				return subtle.ConstantTimeCompare([]byte(value), []byte(secret)) == 1
			}
		}
		return false

	case models.TriggerAuthBearer:
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1

	case models.TriggerAuthHMAC1, models.TriggerAuthHMAC256,
		models.TriggerAuthHMAC384, models.TriggerAuthHMAC512:
		for _, header := range signatureHeaders {
			if value := r.Header.Get(header); value != "" {
				return verifyHMACSignature(authType, secret, body, value, s.cfg.StripeTolerance, time.Now())
			}
		}
		return false

	default:
		return false
	}
}
