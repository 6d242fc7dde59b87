// Package admin exposes the engine's runtime view and control surface
// over HTTP for operators: endpoint diagnostics, manual cooldown /
// blacklist / clear actions, and liveness/readiness probes. All /admin
// endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/modelgate/healthcore/internal/apierror"
	"github.com/modelgate/healthcore/internal/config"
	"github.com/modelgate/healthcore/internal/quota"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides the admin API endpoints.
type Handler struct {
	store       *quota.Store
	reloader    ConfigProvider
	allowedNets []*net.IPNet
	ready       func() bool
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be
// pre-validated (config validation ensures this). ready reports whether
// the daemon has finished state recovery; nil means always ready.
func New(store *quota.Store, reloader ConfigProvider, allowlist []string, ready func() bool, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{
		store:       store,
		reloader:    reloader,
		allowedNets: nets,
		ready:       ready,
		logger:      logger,
	}
}

// RegisterRoutes adds probe and admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
	mux.HandleFunc("/admin/endpoints", h.guard(http.MethodGet, h.endpointsHandler))
	mux.HandleFunc("/admin/endpoints/", h.guard(http.MethodGet, h.endpointHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
	mux.HandleFunc("/admin/actions/cooldown", h.guard(http.MethodPost, h.actionHandler(quota.ProposeCooldown)))
	mux.HandleFunc("/admin/actions/blacklist", h.guard(http.MethodPost, h.actionHandler(quota.ProposeBlacklist)))
	mux.HandleFunc("/admin/actions/clear", h.guard(http.MethodPost, h.actionHandler(quota.ProposeClear)))
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"endpoints": len(h.store.Snapshots()),
	})
}

// guard wraps a handler with method and IP allowlist checks.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
			return
		}
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client address not in allowlist")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// endpointStatus is the response type for endpoint diagnostics.
type endpointStatus struct {
	Key                string       `json:"key"`
	InPool             bool         `json:"in_pool"`
	Routable           bool         `json:"routable"`
	Reason             quota.Reason `json:"reason"`
	AuthType           string       `json:"auth_type"`
	PriorityTier       int          `json:"priority_tier,omitempty"`
	RequestsThisWindow int64        `json:"requests_this_window"`
	TokensThisWindow   int64        `json:"tokens_this_window"`
	TotalTokensUsed    int64        `json:"total_tokens_used"`
	ConsecutiveErrors  int          `json:"consecutive_errors,omitempty"`
	LastErrorCategory  string       `json:"last_error_category,omitempty"`
	CooldownUntil      *time.Time   `json:"cooldown_until,omitempty"`
	BlacklistUntil     *time.Time   `json:"blacklist_until,omitempty"`
}

func (h *Handler) status(snap quota.Snapshot, now time.Time) endpointStatus {
	return endpointStatus{
		Key:                snap.Key,
		InPool:             snap.InPool,
		Routable:           h.store.Rules().Routable(snap, now),
		Reason:             snap.Reason,
		AuthType:           string(snap.AuthType),
		PriorityTier:       snap.Limits.PriorityTier,
		RequestsThisWindow: snap.RequestsThisWindow,
		TokensThisWindow:   snap.TokensThisWindow,
		TotalTokensUsed:    snap.TotalTokensUsed,
		ConsecutiveErrors:  snap.ConsecutiveErrors,
		LastErrorCategory:  string(snap.LastErrorCategory),
		CooldownUntil:      timePtr(snap.CooldownUntil),
		BlacklistUntil:     timePtr(snap.BlacklistUntil),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *Handler) endpointsHandler(w http.ResponseWriter, r *http.Request) {
	snaps := h.store.Snapshots()
	now := time.Now()

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(snaps)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	statuses := make([]endpointStatus, 0, end-start)
	for _, snap := range snaps[start:end] {
		statuses = append(statuses, h.status(snap, now))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": statuses,
		"total":     total,
		"page":      page,
	})
}

func (h *Handler) endpointHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/admin/endpoints/")
	if key == "" {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "endpoint key required")
		return
	}
	snap, ok := h.store.State(key)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownEndpoint, "no state recorded for endpoint")
		return
	}
	writeJSON(w, http.StatusOK, h.status(snap, time.Now()))
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

// actionRequest is the body of a control action.
type actionRequest struct {
	Key    string `json:"key"`
	TTL    string `json:"ttl,omitempty"` // Go duration string, e.g. "10m"
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) actionHandler(kind quota.ProposalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.MalformedRequest, "invalid JSON body")
			return
		}

		var ttl time.Duration
		if req.TTL != "" {
			d, err := time.ParseDuration(req.TTL)
			if err != nil {
				apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.MalformedRequest, "invalid ttl: "+err.Error())
				return
			}
			ttl = d
		}

		id, snap, err := h.store.Propose(quota.Proposal{
			Kind:   kind,
			Key:    req.Key,
			TTL:    ttl,
			Reason: req.Reason,
		})
		if err != nil {
			if errors.Is(err, quota.ErrUnknownEndpoint) {
				apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownEndpoint, err.Error())
				return
			}
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidAction, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"action_id": id,
			"state":     h.status(snap, time.Now()),
		})
	}
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
