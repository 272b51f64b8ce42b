package realtime

import (
	"strings"

	"github.com/google/uuid"

	"github.com/tably/tably/config"
)

// IdentityProvider yields the stable per-session identifier combined into the
// connection identity. The default provider generates one UUID per process;
// embedding callers that need reload-survival can inject a persistent one.
type IdentityProvider interface {
	SessionID() string
}

type sessionIdentity struct {
	id string
}

// NewSessionIdentity returns an identity provider with a fresh random session ID.
func NewSessionIdentity() IdentityProvider {
	return sessionIdentity{id: uuid.NewString()}
}

func (s sessionIdentity) SessionID() string { return s.id }

// ConnectionIdentity derives the identity string attached to a live
// connection: venue, role, environment tier, and the session ID. Role or
// venue changes therefore always produce a different identity, forcing the
// live strategy to reopen.
func ConnectionIdentity(cfg config.Settings, session string) string {
	tier := "production"
	if cfg.Sandbox() {
		tier = "sandbox"
	}
	parts := []string{
		orUnknown(cfg.Venue),
		orUnknown(cfg.Role),
		tier,
		orUnknown(session),
	}
	return strings.Join(parts, ":")
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
