package upload

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bootfleet/gateway/internal/auth"
	"github.com/bootfleet/gateway/internal/rbac"
)

const (
	noAvatarMessage = "No avatar file uploaded"

	// Room for multipart framing and small non-avatar fields on top of the
	// avatar size limit.
	bodyOverhead = 1 << 20
)

// AuditLogger is the audit interface for upload events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// AuditEvent captures a completed upload.
type AuditEvent struct {
	ActorID  string
	Action   string
	Resource string
	Metadata map[string]any
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithTimeout bounds the whole upload, including the profile update.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithBodyLimit caps the request body. Zero means no cap.
func WithBodyLimit(n int64) HandlerOption {
	return func(h *Handler) {
		h.bodyLimit = n
	}
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithAuditLogger(logger AuditLogger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// Handler serves the avatar upload endpoint. It expects the caller's identity
// on the request context.
type Handler struct {
	intake    *Intake
	timeout   time.Duration
	bodyLimit int64
	logger    *slog.Logger
	audit     AuditLogger
}

func NewHandler(intake *Intake, opts ...HandlerOption) *Handler {
	h := &Handler{
		intake:  intake,
		timeout: 2 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// BodyLimitFor returns the request body cap matching an avatar size limit.
func BodyLimitFor(maxBytes int64) int64 {
	if maxBytes <= 0 {
		return 0
	}
	return maxBytes + bodyOverhead
}

// HandleAvatar streams the "avatar" part of a multipart body to storage.
func (h *Handler) HandleAvatar(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	if identity == nil {
		rbac.WriteError(w, rbac.NewAccessError(rbac.PermissionRequest{
			Roles:       []string{rbac.RolePublic},
			Permissions: []string{},
		}))
		return
	}

	h.logger.Info("avatar upload started",
		"remote_addr", r.RemoteAddr,
		"identity_id", identity.ID,
	)

	deadline := time.Now().Add(h.timeout)
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("setting upload read deadline", "error", err)
	}

	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()

	body := r.Body
	if h.bodyLimit > 0 {
		body = http.MaxBytesReader(w, r.Body, h.bodyLimit)
	}

	artifact, err := h.intake.Ingest(ctx, body, r.Header.Get("Content-Type"), identity.ID)

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, ErrNoAvatar):
		http.Error(w, noAvatarMessage, http.StatusBadRequest)
	case errors.Is(err, ErrTooLarge), errors.As(err, &maxBytesErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "avatar too large"})
	case err != nil:
		h.logger.Error("avatar upload failed",
			"error", err,
			"remote_addr", r.RemoteAddr,
			"identity_id", identity.ID,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "upload failed"})
	default:
		if h.audit != nil {
			h.audit.Log(r.Context(), AuditEvent{
				ActorID:  identity.ID,
				Action:   "avatar.uploaded",
				Resource: artifact.GeneratedName,
				Metadata: map[string]any{
					"url":         artifact.URL,
					"size":        artifact.Size,
					"remote_addr": r.RemoteAddr,
				},
			})
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
