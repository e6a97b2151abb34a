package storage

import (
	"context"

	"goflare.io/aegis/internal/config"
)

type actorKey struct{}

// WithActor binds the acting user id to the context. The audit stage and
// the consent gate read it; operations without an actor are attributed to
// the system and bypass the consent gate.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom extracts the acting user id, or "" when unbound.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// isSystemActor reports whether the context's actor bypasses consent.
func isSystemActor(ctx context.Context) bool {
	actor := ActorFrom(ctx)
	return actor == "" || actor == config.SystemActor
}

// auditActor returns the actor id to record, substituting the system
// sentinel for unattributed calls.
func auditActor(ctx context.Context) string {
	if actor := ActorFrom(ctx); actor != "" {
		return actor
	}
	return config.SystemActor
}
