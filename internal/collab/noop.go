package collab

import (
	"context"
	"time"
)

// NoopCollaborator is the default collaborator: every call is a
// fire-and-forget success. Used whenever ServerConfig.CollaboratorDSN is
// empty, keeping anonymous-only deployments working without a database
// while still satisfying the interface every caller depends on.
type NoopCollaborator struct{}

// NewNoopCollaborator returns the default no-op collaborator.
func NewNoopCollaborator() *NoopCollaborator {
	return &NoopCollaborator{}
}

func (NoopCollaborator) UserLookup(ctx context.Context, apiKey string) (*User, error) {
	return nil, nil
}

func (NoopCollaborator) UserActiveTunnelCount(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (NoopCollaborator) PersistTunnelOpen(ctx context.Context, subdomain, userID, clientIP string, openedAt time.Time) error {
	return nil
}

func (NoopCollaborator) PersistTunnelClose(ctx context.Context, subdomain string, closedAt time.Time) error {
	return nil
}

func (NoopCollaborator) PersistRequestLog(ctx context.Context, entry RequestLogEntry) error {
	return nil
}

func (NoopCollaborator) Close() error { return nil }
