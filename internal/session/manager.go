// Package session resolves a conversation to a ready, authenticated agent
// execution session inside a sandbox.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/sandbox"
	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
	"github.com/baptistecolle/cmdclaw-sub005/internal/gate"
	"github.com/baptistecolle/cmdclaw-sub005/internal/metrics"
)

// historyPageSize bounds one page of the message history cursor loop.
const historyPageSize = 200

// teardownTimeout bounds killing a sandbox whose provisioning failed.
const teardownTimeout = 30 * time.Second

// DefaultEnvFile is where a sandbox keeps its integration credentials. Every
// shell the agent spawns sources it through BASH_ENV, and the tool gate
// appends tokens granted mid-session to it.
const DefaultEnvFile = "/home/user/.cmdclaw/env"

// Store is the persistence the manager needs.
type Store interface {
	GetSessionByConversation(ctx context.Context, conversationID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, session *domain.Session) error
	TouchSession(ctx context.Context, conversationID string, healthyAt time.Time) error
	DeleteSession(ctx context.Context, conversationID string) error
	ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)
}

// AgentClient is the agent server API the manager needs.
type AgentClient interface {
	Health(ctx context.Context, ep agentclient.Endpoint) error
	CreateSession(ctx context.Context, ep agentclient.Endpoint, title string) (string, error)
	SessionExists(ctx context.Context, ep agentclient.Endpoint, sessionID string) (bool, error)
	SendNoReply(ctx context.Context, ep agentclient.Endpoint, sessionID, text string) error
}

// Credentials carries the per-conversation secrets injected into a new sandbox.
type Credentials struct {
	// Env holds integration tokens and workflow policy variables.
	Env map[string]string
	// Labels are passed to the provider (e.g. the daemon id).
	Labels map[string]string
	// ReplayHistory sends prior messages to a newly created execution session.
	ReplayHistory bool
}

// Options configures a Manager.
type Options struct {
	Template         string
	AgentPort        int
	AgentCommand     string
	HealthTimeout    time.Duration
	ReadyInterval    time.Duration
	ProvisionTimeout time.Duration
	// BaseEnv is injected into every sandbox (callback URLs and secret).
	BaseEnv map[string]string
	// EnvFile is the credential file path inside the sandbox. Empty keeps
	// credentials in the process environment only.
	EnvFile string
}

// Manager hands out sessions, reusing healthy sandboxes.
type Manager struct {
	store    Store
	provider sandbox.Provider
	agent    AgentClient
	opts     Options
	group    singleflight.Group
	log      *zap.Logger
	now      func() time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, provider sandbox.Provider, agent AgentClient, opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 500 * time.Millisecond
	}
	return &Manager{
		store:    store,
		provider: provider,
		agent:    agent,
		opts:     opts,
		log:      log.With(zap.String("component", "session-manager")),
		now:      time.Now,
	}
}

// Endpoint returns the agent server address of a session.
func Endpoint(sess *domain.Session) agentclient.Endpoint {
	return agentclient.Endpoint{BaseURL: sess.PreviewURL, Token: sess.PreviewToken}
}

type acquired struct {
	session *domain.Session
	handle  sandbox.Handle
}

// GetOrCreateSession returns a ready session for the conversation. Concurrent
// calls for one conversation share a single acquisition.
func (m *Manager) GetOrCreateSession(ctx context.Context, conversationID string, creds Credentials) (*domain.Session, sandbox.Handle, error) {
	v, err, _ := m.group.Do(conversationID, func() (interface{}, error) {
		sess, h, err := m.acquire(ctx, conversationID, creds)
		if err != nil {
			return nil, err
		}
		return &acquired{session: sess, handle: h}, nil
	})
	if err != nil {
		metrics.SessionsAcquired.WithLabelValues("error").Inc()
		return nil, nil, err
	}
	res := v.(*acquired)
	cp := *res.session
	return &cp, res.handle, nil
}

func (m *Manager) acquire(ctx context.Context, conversationID string, creds Credentials) (*domain.Session, sandbox.Handle, error) {
	stored, err := m.store.GetSessionByConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	if stored != nil {
		sess, h, ok := m.tryReuse(ctx, stored, creds)
		if ok {
			return sess, h, nil
		}
		m.log.Info("clearing stale session",
			zap.String("conversation_id", conversationID),
			zap.String("sandbox_id", stored.SandboxID))
		if err := m.store.DeleteSession(ctx, conversationID); err != nil {
			return nil, nil, fmt.Errorf("failed to clear stale session: %w", err)
		}
	}

	return m.provision(ctx, conversationID, creds)
}

// tryReuse checks the stored sandbox. ok is false when the sandbox or its
// agent server is gone and a new sandbox must be provisioned.
func (m *Manager) tryReuse(ctx context.Context, stored *domain.Session, creds Credentials) (*domain.Session, sandbox.Handle, bool) {
	logger := m.log.With(zap.String("conversation_id", stored.ConversationID), zap.String("sandbox_id", stored.SandboxID))

	h, err := m.provider.Get(ctx, stored.SandboxID)
	if err != nil {
		logger.Warn("sandbox lookup failed", zap.Error(err))
		return nil, nil, false
	}
	if h == nil {
		return nil, nil, false
	}

	ep := Endpoint(stored)
	healthCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	err = m.agent.Health(healthCtx, ep)
	cancel()
	if err != nil {
		logger.Info("agent server health check failed", zap.Error(err))
		return nil, nil, false
	}
	if err := m.refreshEnvFile(ctx, h, creds); err != nil {
		logger.Warn("failed to refresh credentials", zap.Error(err))
	}

	now := m.now()
	exists := false
	if stored.AgentSessionID != "" {
		exists, err = m.agent.SessionExists(ctx, ep, stored.AgentSessionID)
		if err != nil {
			logger.Warn("remote session lookup failed", zap.Error(err))
			return nil, nil, false
		}
	}

	if exists {
		if err := m.store.TouchSession(ctx, stored.ConversationID, now); err != nil {
			logger.Warn("failed to record session health", zap.Error(err))
		}
		stored.LastHealthyAt = now
		stored.Reused = true
		metrics.SessionsAcquired.WithLabelValues("reused").Inc()
		return stored, h, true
	}

	// The sandbox is alive but the agent server lost the execution session.
	remoteID, err := m.openRemoteSession(ctx, ep, stored.ConversationID, creds)
	if err != nil {
		logger.Warn("failed to recreate remote session", zap.Error(err))
		return nil, nil, false
	}
	stored.AgentSessionID = remoteID
	stored.LastHealthyAt = now
	stored.Reused = false
	if err := m.store.UpsertSession(ctx, stored); err != nil {
		logger.Warn("failed to store session", zap.Error(err))
		return nil, nil, false
	}
	metrics.SessionsAcquired.WithLabelValues("recreated").Inc()
	return stored, h, true
}

func (m *Manager) provision(ctx context.Context, conversationID string, creds Credentials) (_ *domain.Session, _ sandbox.Handle, err error) {
	start := m.now()
	env := m.sandboxEnv(conversationID, creds)
	labels := map[string]string{"conversation_id": conversationID}
	for k, v := range creds.Labels {
		labels[k] = v
	}

	h, err := m.provider.Create(ctx, sandbox.CreateRequest{Template: m.opts.Template, Env: env, Labels: labels})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	logger := m.log.With(zap.String("conversation_id", conversationID), zap.String("sandbox_id", h.ID()))
	logger.Info("sandbox created", zap.String("provider", m.provider.Name()))
	defer func() {
		if err != nil {
			m.teardown(h, logger)
		}
	}()

	if m.opts.EnvFile != "" {
		if err := h.WriteFile(ctx, m.opts.EnvFile, gate.EncodeEnvFile(creds.Env)); err != nil {
			return nil, nil, fmt.Errorf("failed to write credential file: %w", err)
		}
	}

	if _, err := h.RunCommand(ctx, sandbox.CommandRequest{Cmd: m.opts.AgentCommand, Env: env, Background: true}); err != nil {
		return nil, nil, fmt.Errorf("failed to start agent server: %w", err)
	}

	preview, err := h.PreviewURL(ctx, m.opts.AgentPort)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to expose agent server: %w", err)
	}
	ep := agentclient.Endpoint{BaseURL: preview.URL, Token: preview.Token}

	if err := m.waitReady(ctx, ep); err != nil {
		return nil, nil, fmt.Errorf("sandbox %s: %w", h.ID(), err)
	}

	remoteID, err := m.openRemoteSession(ctx, ep, conversationID, creds)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	sess := &domain.Session{
		SessionID:      "sess_" + uuid.New().String()[:8],
		ConversationID: conversationID,
		SandboxID:      h.ID(),
		Provider:       m.provider.Name(),
		AgentSessionID: remoteID,
		PreviewURL:     preview.URL,
		PreviewToken:   preview.Token,
		CreatedAt:      now,
		LastHealthyAt:  now,
	}
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("failed to store session: %w", err)
	}

	metrics.SessionsAcquired.WithLabelValues("provisioned").Inc()
	metrics.ProvisionDuration.WithLabelValues(m.provider.Name()).Observe(now.Sub(start).Seconds())
	logger.Info("session ready", zap.String("session_id", sess.SessionID), zap.Duration("elapsed", now.Sub(start)))
	return sess, h, nil
}

// teardown kills a sandbox that never became a session. The caller's context
// may already be done, so it runs on its own deadline.
func (m *Manager) teardown(h sandbox.Handle, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := h.Kill(ctx); err != nil {
		logger.Warn("failed to kill sandbox after provisioning failed", zap.Error(err))
		return
	}
	logger.Info("sandbox killed after provisioning failed")
}

// waitReady polls the agent server until it answers or the provision timeout
// elapses.
func (m *Manager) waitReady(ctx context.Context, ep agentclient.Endpoint) error {
	deadline := time.NewTimer(m.opts.ProvisionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.opts.ReadyInterval)
	defer ticker.Stop()

	for {
		healthCtx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
		err := m.agent.Health(healthCtx, ep)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return domain.ErrSandboxProvisionTimeout
		case <-ticker.C:
		}
	}
}

func (m *Manager) openRemoteSession(ctx context.Context, ep agentclient.Endpoint, conversationID string, creds Credentials) (string, error) {
	remoteID, err := m.agent.CreateSession(ctx, ep, conversationID)
	if err != nil {
		return "", err
	}
	if !creds.ReplayHistory {
		return remoteID, nil
	}
	if err := m.replayHistory(ctx, ep, remoteID, conversationID); err != nil {
		return "", err
	}
	return remoteID, nil
}

func (m *Manager) replayHistory(ctx context.Context, ep agentclient.Endpoint, remoteID, conversationID string) error {
	var all []domain.Message
	var cursor int64
	for {
		page, err := m.store.ListMessages(ctx, conversationID, cursor, historyPageSize)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		all = append(all, page...)
		if len(page) < historyPageSize {
			break
		}
		cursor = page[len(page)-1].Seq
	}

	history := BuildHistory(all)
	if history == "" {
		return nil
	}
	if err := m.agent.SendNoReply(ctx, ep, remoteID, history); err != nil {
		return fmt.Errorf("failed to replay history: %w", err)
	}
	return nil
}

func (m *Manager) sandboxEnv(conversationID string, creds Credentials) map[string]string {
	env := make(map[string]string, len(m.opts.BaseEnv)+len(creds.Env)+1)
	for k, v := range m.opts.BaseEnv {
		env[k] = v
	}
	for k, v := range creds.Env {
		env[k] = v
	}
	env["CMDCLAW_CONVERSATION_ID"] = conversationID
	if m.opts.EnvFile != "" {
		env["CMDCLAW_ENV_FILE"] = m.opts.EnvFile
		env["BASH_ENV"] = m.opts.EnvFile
	}
	return env
}

// refreshEnvFile merges creds into the credential file of a reused sandbox,
// keeping tokens the gate stored there since provisioning.
func (m *Manager) refreshEnvFile(ctx context.Context, h sandbox.Handle, creds Credentials) error {
	if m.opts.EnvFile == "" || len(creds.Env) == 0 {
		return nil
	}
	current := make(map[string]string)
	if data, err := h.ReadFile(ctx, m.opts.EnvFile); err == nil {
		if current, err = gate.DecodeEnvFile(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to parse credential file: %w", err)
		}
	}
	for k, v := range creds.Env {
		current[k] = v
	}
	if err := h.WriteFile(ctx, m.opts.EnvFile, gate.EncodeEnvFile(current)); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	return nil
}

// IsProvisionTimeout reports whether err came from a readiness timeout.
func IsProvisionTimeout(err error) bool {
	return errors.Is(err, domain.ErrSandboxProvisionTimeout)
}
