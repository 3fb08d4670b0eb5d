// Package proxy forwards authorized service actions to the upstream
// services.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/bootfleet/gateway/internal/platform/middleware"
	"github.com/bootfleet/gateway/internal/rbac"
)

const (
	HeaderIdentityID    = "X-Identity-ID"
	HeaderIdentityRoles = "X-Identity-Roles"

	defaultMaxBodyBytes = 2 << 20
	maxUpstreamReply    = 16 << 20
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

var errInvalidBody = errors.New("request body must be a JSON object")

// HandlerConfig holds proxy handler configuration.
type HandlerConfig struct {
	UpstreamURL  string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Handler serves /v1/{service}/{action}: it merges the request parameters,
// runs them through the gate and forwards allowed calls upstream.
type Handler struct {
	gate   *rbac.Gate
	client *http.Client
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandler creates a proxy Handler.
func NewHandler(gate *rbac.Gate, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	cfg.UpstreamURL = strings.TrimRight(cfg.UpstreamURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gate:   gate,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// HandleAction authorizes and forwards a service action.
// GET|POST /v1/{service}/{action}
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	op := rbac.Operation{
		Service: r.PathValue("service"),
		Action:  r.PathValue("action"),
	}
	if !segmentPattern.MatchString(op.Service) || !segmentPattern.MatchString(op.Action) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}

	params, err := h.mergeParams(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	actx, err := h.gate.Check(r, &op, params)
	if err != nil {
		h.gate.Reject(w, r, &op, err)
		return
	}

	h.forward(w, r, op, params, actx)
}

// HandleSession reports who the gate thinks the caller is.
// GET /v1/session
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	actx, ok := rbac.FromContext(r.Context())
	if !ok {
		actx = rbac.NewContext()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    actx.IdentityID,
		"roles": actx.Roles(),
	})
}

// mergeParams combines the query string with a JSON object body. Body keys
// override query keys.
func (h *Handler) mergeParams(w http.ResponseWriter, r *http.Request) (rbac.Params, error) {
	params := rbac.Params{}
	for key, values := range r.URL.Query() {
		if len(values) == 1 {
			params[key] = values[0]
		} else {
			params[key] = values
		}
	}

	if r.Body == nil || r.Method == http.MethodGet {
		return params, nil
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return params, nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, errInvalidBody
	}
	for key, value := range body {
		params[key] = value
	}
	return params, nil
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, op rbac.Operation, params rbac.Params, actx *rbac.Context) {
	payload, err := json.Marshal(params)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid parameters"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	target := h.cfg.UpstreamURL + "/" + op.Service + "/" + op.Action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		h.logger.Error("building upstream request", "operation", op.Permission(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdentityID, actx.IdentityID)
	req.Header.Set(HeaderIdentityRoles, strings.Join(actx.Roles(), ","))
	if id := middleware.GetRequestID(r.Context()); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Error("upstream call failed",
			"operation", op.Permission(),
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxUpstreamReply)); err != nil {
		h.logger.Warn("relaying upstream reply", "operation", op.Permission(), "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
