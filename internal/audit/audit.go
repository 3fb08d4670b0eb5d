package audit

import "context"

// Event represents a single auditable action at the gateway.
type Event struct {
	ActorID  string // empty for anonymous callers
	Action   string // e.g. "access.denied", "avatar.uploaded"
	Resource string // permission or file name the action touched
	Metadata map[string]any
	Source   string // "api", "system"
}

const (
	ActionAccessDenied   = "access.denied"
	ActionAvatarUploaded = "avatar.uploaded"
)

const (
	SourceAPI    = "api"
	SourceSystem = "system"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when no database is
// configured.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }
