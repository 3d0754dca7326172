package server

import (
	"fmt"
	"strings"

	"github.com/helpdeskhq/oauth-provider/security"
	"github.com/helpdeskhq/oauth-provider/storage"
)

// ParseScope splits a space-delimited scope string into scope tokens.
// Leading, trailing, and repeated whitespace are tolerated; an empty or
// all-whitespace string yields nil.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScope renders scope tokens back into the wire format.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether want is present in scopes.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// IntersectScopes returns the scopes present in both requested and allowed,
// preserving the order of requested and dropping duplicates. Requested
// scopes outside allowed are silently discarded; scope narrowing is the
// caller's tool for the refresh flow, where a superset request shrinks to
// what the grant originally carried.
func IntersectScopes(requested, allowed []string) []string {
	if len(requested) == 0 || len(allowed) == 0 {
		return nil
	}

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}

	var out []string
	seen := make(map[string]struct{}, len(requested))
	for _, s := range requested {
		if _, ok := allowedSet[s]; !ok {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ValidateScopes checks a requested scope set against the deployment's scope
// registry and the app's registration. Unknown scopes and scopes outside the
// app's allow-list both fail with invalid_scope; the error description names
// the offending entries so the client can correct its request.
func (s *Server) ValidateScopes(scopes []string, app *storage.App) error {
	if err := s.validateKnownScopes(scopes); err != nil {
		return err
	}
	return s.validateAppScopes(scopes, app)
}

// validateKnownScopes rejects scopes missing from the deployment registry.
func (s *Server) validateKnownScopes(scopes []string) error {
	var unknown []string
	for _, scope := range scopes {
		if !HasScope(s.Config.SupportedScopes, scope) {
			unknown = append(unknown, scope)
		}
	}
	if len(unknown) > 0 {
		return ErrInvalidScope(fmt.Sprintf("unknown scope: %s", strings.Join(unknown, " ")))
	}
	return nil
}

// validateAppScopes rejects scopes the app is not registered for.
func (s *Server) validateAppScopes(scopes []string, app *storage.App) error {
	var disallowed []string
	for _, scope := range scopes {
		if !app.AllowsScope(scope) {
			disallowed = append(disallowed, scope)
		}
	}
	if len(disallowed) > 0 {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			ClientID: app.ClientID,
			Details: map[string]any{
				"disallowed": strings.Join(disallowed, " "),
			},
		})
		return ErrInvalidScope(fmt.Sprintf("scope not allowed for this client: %s", strings.Join(disallowed, " ")))
	}
	return nil
}
