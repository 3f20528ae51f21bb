package conn

import (
	"context"
	"strings"

	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/gateway"
)

// RecoveryStrategy is a named, prioritized remediation tried on connection
// failure before generic reconnection. Conditions must be side-effect free;
// Execute reports whether it resolved the failure.
type RecoveryStrategy struct {
	Name       string
	Priority   int
	Conditions func(err error, m domain.HealthMetrics) bool
	Execute    func(ctx context.Context, err error, m domain.HealthMetrics) (bool, error)
}

// Reconnector retries the connection after a strategy repaired its
// precondition. Satisfied by (*Orchestrator).AttemptReconnection.
type Reconnector func(ctx context.Context, reason string) bool

// errorMatches reports whether the error text contains any of the patterns,
// case-insensitively.
func errorMatches(err error, patterns ...string) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// NewCredentialRefreshStrategy builds a strategy that refreshes the gateway
// credential on auth-flavored failures, installs it via apply, and retries
// the connection.
func NewCredentialRefreshStrategy(
	refresh func(ctx context.Context) (gateway.Credential, error),
	apply func(gateway.Credential),
	reconnect Reconnector,
) RecoveryStrategy {
	return RecoveryStrategy{
		Name:     "credential-refresh",
		Priority: 100,
		Conditions: func(err error, m domain.HealthMetrics) bool {
			return errorMatches(err, "401", "unauthorized", "invalid token", "authentication failed", "token expired")
		},
		Execute: func(ctx context.Context, err error, m domain.HealthMetrics) (bool, error) {
			cred, refreshErr := refresh(ctx)
			if refreshErr != nil {
				return false, refreshErr
			}
			apply(cred)
			return reconnect(ctx, "credential refreshed"), nil
		},
	}
}

// NewSessionResetStrategy builds a strategy that clears resumable session
// state when the gateway rejects the session, then retries with a fresh
// session.
func NewSessionResetStrategy(reset func(ctx context.Context) error, reconnect Reconnector) RecoveryStrategy {
	return RecoveryStrategy{
		Name:     "session-reset",
		Priority: 50,
		Conditions: func(err error, m domain.HealthMetrics) bool {
			return errorMatches(err, "invalid session", "session expired", "resume failed", "unknown session")
		},
		Execute: func(ctx context.Context, err error, m domain.HealthMetrics) (bool, error) {
			if resetErr := reset(ctx); resetErr != nil {
				return false, resetErr
			}
			return reconnect(ctx, "session reset"), nil
		},
	}
}
