// Package gateway is the local HTTP bridge: a message endpoint for
// non-Telegram frontends, health and metrics surfaces, and a WebSocket
// mirror of the internal bus. The server binds loopback unless the
// operator configures otherwise.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/almacen/mayordomo/internal/audit"
	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/idempotency"
	"github.com/almacen/mayordomo/internal/obs"
	"github.com/almacen/mayordomo/internal/pipeline"
	"github.com/almacen/mayordomo/internal/store"
)

const (
	defaultBodyKiB = 256
	defaultMsgPath = "/internal/cli/message"
	defaultTimeout = 60 * time.Second
)

type Config struct {
	Pipeline    *pipeline.Pipeline
	Idempotency *idempotency.Manager
	Metrics     *obs.Registry
	Bus         *bus.Bus
	Logger      *slog.Logger

	AuthToken    string
	MessagePath  string // defaults to /internal/cli/message
	Service      string
	Version      string
	Profile      string // active security profile, surfaced in /health
	AllowedUsers map[int64]bool
	DefaultChat  int64
	// AllowOrigins controls cross-origin WebSocket connections to /events.
	// Empty means same-origin only.
	AllowOrigins []string
	// ReplyTimeout bounds how long one bridge request may wait for its
	// replies. Defaults to 60 s.
	ReplyTimeout time.Duration
	// MaxBodyKiB caps the request body on the message endpoint.
	// Defaults to 256.
	MaxBodyKiB int
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.MessagePath == "" {
		cfg.MessagePath = defaultMsgPath
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultTimeout
	}
	if cfg.MaxBodyKiB <= 0 {
		cfg.MaxBodyKiB = defaultBodyKiB
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc(s.cfg.MessagePath, s.handleMessage)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"ok":              true,
		"health":          "ok",
		"service":         s.cfg.Service,
		"version":         s.cfg.Version,
		"messagePath":     s.cfg.MessagePath,
		"securityProfile": s.cfg.Profile,
	}
	if s.cfg.Metrics != nil {
		payload["metrics"] = s.cfg.Metrics.Snapshot().Counters
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Snapshot())
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprint(w, s.cfg.Metrics.Prometheus())
}

// bridgeRequest is the message endpoint's body.
type bridgeRequest struct {
	Text       string `json:"text"`
	ChatID     int64  `json:"chatId"`
	UserID     int64  `json:"userId"`
	SessionKey string `json:"sessionKey"`
	Channel    string `json:"channel"`
	ThreadTS   string `json:"threadTs"`
	Source     string `json:"source"`
	RequestID  string `json:"requestId"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	var req bridgeRequest
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxBodyKiB)<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "malformed JSON body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "text is required"})
		return
	}

	chatID := s.resolveChat(req)
	if len(s.cfg.AllowedUsers) > 0 && !s.cfg.AllowedUsers[req.UserID] {
		audit.Record("bridge.rejected_user", chatID, req.UserID, "", map[string]any{"source": req.Source})
		writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "unknown userId"})
		return
	}

	ctx := r.Context()
	if req.RequestID != "" {
		res, err := s.cfg.Idempotency.Acquire(ctx, chatID, req.RequestID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		switch res.Outcome {
		case store.AcquireReplay:
			s.inc("bridge.idempotent_replays")
			writeReplay(w, res)
			return
		case store.AcquireInFlight:
			writeJSON(w, http.StatusConflict, map[string]any{
				"ok": false, "error": "request is already in flight", "requestId": req.RequestID,
			})
			return
		}
	}

	source := req.Source
	if source == "" {
		source = "bridge"
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	replies, err := s.cfg.Pipeline.SubmitWait(waitCtx, pipeline.Inbound{
		ChatID: chatID,
		UserID: req.UserID,
		Text:   req.Text,
		Source: source,
	})
	if err != nil {
		if req.RequestID != "" {
			if failErr := s.cfg.Idempotency.Fail(ctx, chatID, req.RequestID); failErr != nil {
				s.cfg.Logger.Warn("idempotency release failed", "error", failErr)
			}
		}
		if fault.KindOf(err) == fault.KindOverflow {
			s.inc("bridge.overflows")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "queue is full, retry later"})
			return
		}
		s.cfg.Logger.Error("bridge message failed", "chat", chatID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal error"})
		return
	}

	payload := map[string]any{
		"ok":      true,
		"chatId":  chatID,
		"userId":  req.UserID,
		"replies": replies,
	}
	if req.RequestID != "" {
		payload["requestId"] = req.RequestID
		body, _ := json.Marshal(payload)
		if err := s.cfg.Idempotency.Complete(ctx, chatID, req.RequestID, http.StatusOK, string(body)); err != nil {
			s.cfg.Logger.Warn("idempotency save failed", "error", err)
		}
	}
	s.inc("bridge.messages")
	writeJSON(w, http.StatusOK, payload)
}

// resolveChat maps the request onto a chat id: explicit chatId first, then
// a stable hash of sessionKey, then the configured default.
func (s *Server) resolveChat(req bridgeRequest) int64 {
	if req.ChatID != 0 {
		return req.ChatID
	}
	if req.SessionKey != "" {
		h := fnv.New64a()
		h.Write([]byte(req.SessionKey))
		id := int64(h.Sum64() & 0x7fffffffffffffff)
		if id == 0 {
			id = 1
		}
		return id
	}
	return s.cfg.DefaultChat
}

// writeReplay re-emits a cached response byte for byte, tagging it as
// idempotent when the body is JSON.
func writeReplay(w http.ResponseWriter, res store.IdempotencyResult) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Body), &payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write([]byte(res.Body))
		return
	}
	payload["idempotent"] = true
	writeJSON(w, res.StatusCode, payload)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) inc(name string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Inc(name, 1)
	}
}
