package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bootfleet/gateway/internal/audit"
	"github.com/bootfleet/gateway/internal/platform/middleware"
	"github.com/bootfleet/gateway/internal/proxy"
	"github.com/bootfleet/gateway/internal/rbac"
	"github.com/bootfleet/gateway/internal/upload"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditListOperation guards the audit query endpoint.
var AuditListOperation = rbac.Operation{Service: "audit", Action: "events"}

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Pool          *pgxpool.Pool
	Gate          *rbac.Gate
	ProxyHandler  *proxy.Handler
	UploadHandler *upload.Handler
	AvatarFiles   http.Handler
	AuditHandler  *audit.Handler
	APIPrefix     string
	Logger        *slog.Logger
	CORS          middleware.CORSConfig
}

type Server struct {
	httpServer *http.Server
	pool       *pgxpool.Pool
	handler    http.Handler
	logger     *slog.Logger
}

func New(addr string, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			// No ReadTimeout or WriteTimeout: uploads set their own
			// deadlines through http.ResponseController.
			IdleTimeout: 60 * time.Second,
		},
		pool:   deps.Pool,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)

	if deps.AvatarFiles != nil {
		mux.Handle("GET /avatars/", http.StripPrefix("/avatars", deps.AvatarFiles))
	}

	prefix := strings.TrimRight(deps.APIPrefix, "/") + "/v1"

	if deps.Gate != nil {
		authenticated := deps.Gate.Authenticate()

		if deps.ProxyHandler != nil {
			mux.Handle("GET "+prefix+"/session",
				authenticated(http.HandlerFunc(deps.ProxyHandler.HandleSession)),
			)
			// The handler runs the gate itself once it has merged the
			// request parameters.
			mux.HandleFunc("GET "+prefix+"/{service}/{action}", deps.ProxyHandler.HandleAction)
			mux.HandleFunc("POST "+prefix+"/{service}/{action}", deps.ProxyHandler.HandleAction)
		}

		if deps.UploadHandler != nil {
			mux.Handle("POST "+prefix+"/accounts/avatar",
				authenticated(http.HandlerFunc(deps.UploadHandler.HandleAvatar)),
			)
		}

		if deps.AuditHandler != nil {
			mux.Handle("GET "+prefix+"/audit/events",
				deps.Gate.RequireOperation(AuditListOperation)(
					http.HandlerFunc(deps.AuditHandler.HandleListEvents),
				),
			)
		}
	}

	// Wrap mux with observability middleware
	var handler http.Handler = mux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORS.AllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORS)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness reports ready when the database, if one is configured,
// answers a ping.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ready",
			"database": "not configured",
		})
		return
	}

	if err := s.pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
