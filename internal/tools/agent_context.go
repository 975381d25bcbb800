package tools

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// resolveAgentIDString returns the caller's agent ID from ctx, or "" in
// standalone mode (no multi-tenant agent scoping).
func resolveAgentIDString(ctx context.Context) string {
	id := store.AgentIDFromContext(ctx)
	if id.String() == "00000000-0000-0000-0000-000000000000" {
		return ""
	}
	return id.String()
}
