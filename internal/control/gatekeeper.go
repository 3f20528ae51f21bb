// Package control assembles the gatekeeper application: the gateway client,
// the connection orchestrator with its built-in recovery strategies, the
// optional Redis event journal, and the HTTP status server.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/vietddude/gatekeeper/internal/conn"
	"github.com/vietddude/gatekeeper/internal/core/config"
	"github.com/vietddude/gatekeeper/internal/core/domain"
	"github.com/vietddude/gatekeeper/internal/gateway"
	redisclient "github.com/vietddude/gatekeeper/internal/infra/redis"
)

// Gatekeeper is the main application struct managing the connection lifecycle.
type Gatekeeper struct {
	cfg     *config.AppConfig
	orch    *conn.Orchestrator
	server  *conn.Server
	journal *redisclient.Journal
	log     *slog.Logger

	disposers []func()
}

// NewGatekeeper creates a Gatekeeper with all dependencies initialized.
func NewGatekeeper(cfg *config.AppConfig) (*Gatekeeper, error) {
	client := gateway.NewWSClient(cfg.Gateway)

	orch := conn.New(client, conn.Options{
		Credential: gateway.Credential{
			Token:     cfg.Auth.Token,
			SessionID: cfg.Auth.SessionID,
		},
		AutoReconnect:     cfg.Connection.AutoReconnect,
		ReconnectDelay:    cfg.Connection.ReconnectDelay,
		MaxReconnectDelay: cfg.Connection.MaxReconnectDelay,
		Health:            cfg.Health,
		Breaker:           cfg.Breaker,
		Degrade:           cfg.Degradation,
	})

	g := &Gatekeeper{
		cfg:    cfg,
		orch:   orch,
		server: conn.NewServer(orch, cfg.Server.Port),
		log:    slog.Default(),
	}

	orch.AddRecoveryStrategy(conn.NewCredentialRefreshStrategy(
		g.refreshCredential,
		orch.SetCredential,
		orch.AttemptReconnection,
	))
	orch.AddRecoveryStrategy(conn.NewSessionResetStrategy(
		g.resetSession,
		orch.AttemptReconnection,
	))

	if cfg.Redis.Enabled {
		journal, err := redisclient.NewJournal(cfg.Redis.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to init event journal: %w", err)
		}
		g.journal = journal
		g.subscribeJournal()
	}

	return g, nil
}

// Start starts the status server and opens the gateway session.
func (g *Gatekeeper) Start(ctx context.Context) error {
	go func() {
		if err := g.server.Start(); err != nil {
			g.log.Error("Status server failed", "error", err)
		}
	}()

	if err := g.orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to open gateway session: %w", err)
	}
	return nil
}

// Stop shuts the application down.
func (g *Gatekeeper) Stop(ctx context.Context) error {
	g.log.Info("Stopping Gatekeeper...")

	if err := g.orch.Stop(ctx); err != nil {
		g.log.Warn("Orchestrator stop failed", "error", err)
	}
	for _, dispose := range g.disposers {
		dispose()
	}
	g.orch.Cleanup()

	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			g.log.Warn("Failed to close event journal", "error", err)
		}
	}

	return g.server.Stop(ctx)
}

// Orchestrator exposes the orchestrator for embedding callers.
func (g *Gatekeeper) Orchestrator() *conn.Orchestrator {
	return g.orch
}

// subscribeJournal mirrors every event type onto the Redis stream.
func (g *Gatekeeper) subscribeJournal() {
	listener := g.journal.Listener()
	for _, t := range domain.EventTypes() {
		g.disposers = append(g.disposers, g.orch.AddEventListener(t, listener))
	}
}

// refreshCredential re-reads the token from the environment, falling back to
// the configured value. Deployments rotate tokens by updating the env var.
func (g *Gatekeeper) refreshCredential(ctx context.Context) (gateway.Credential, error) {
	token := os.Getenv("GATEWAY_TOKEN")
	if token == "" {
		token = g.cfg.Auth.Token
	}
	if token == "" {
		return gateway.Credential{}, fmt.Errorf("no gateway token available")
	}
	return gateway.Credential{Token: token, SessionID: g.cfg.Auth.SessionID}, nil
}

// resetSession drops the resumable session id so the next attempt identifies
// from scratch.
func (g *Gatekeeper) resetSession(ctx context.Context) error {
	g.orch.SetCredential(gateway.Credential{Token: g.cfg.Auth.Token})
	return nil
}
