package main

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/agentclient"
	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/sandbox"
	"github.com/baptistecolle/cmdclaw-sub005/internal/broker"
	"github.com/baptistecolle/cmdclaw-sub005/internal/config"
	"github.com/baptistecolle/cmdclaw-sub005/internal/kvstore"
	"github.com/baptistecolle/cmdclaw-sub005/internal/logging"
	store "github.com/baptistecolle/cmdclaw-sub005/internal/repository"
	"github.com/baptistecolle/cmdclaw-sub005/internal/service"
	"github.com/baptistecolle/cmdclaw-sub005/internal/session"
	"github.com/baptistecolle/cmdclaw-sub005/internal/stream"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *store.SQLiteStore
	kv      kvstore.Store
	daemons *sandbox.DaemonProvider
	broker  *broker.Broker
	svc     *service.Service
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	kv, err := newKV(cfg, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	var daemons *sandbox.DaemonProvider
	if cfg.SandboxProvider == sandbox.ProviderDaemon {
		daemons = sandbox.NewDaemonProvider(logging.Component(log, "daemon"))
	}
	provider, err := sandbox.New(sandbox.Options{
		Provider:      cfg.SandboxProvider,
		E2BAPIURL:     cfg.E2BAPIURL,
		E2BAPIKey:     cfg.E2BAPIKey,
		DaytonaAPIURL: cfg.DaytonaAPIURL,
		DaytonaAPIKey: cfg.DaytonaAPIKey,
		Daemon:        daemons,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	agent := agentclient.NewClient()
	sessions := session.NewManager(db, provider, agent, session.Options{
		Template:         cfg.SandboxTemplate,
		AgentPort:        cfg.AgentServerPort,
		AgentCommand:     cfg.AgentServerCommand,
		HealthTimeout:    cfg.SessionHealthTimeout,
		ReadyInterval:    cfg.SessionReadyInterval,
		ProvisionTimeout: cfg.SessionProvisionTimeout,
		BaseEnv:          callbackEnv(cfg),
		EnvFile:          cfg.SandboxEnvFile,
	}, log)

	runners := stream.NewRegistry()
	b := broker.New(db, kv, runners, broker.Options{
		ApprovalTimeout: cfg.ApprovalTimeout,
		AuthTimeout:     cfg.AuthTimeout,
		AuthStateTTL:    cfg.AuthStateTTL,
	}, log)

	svc := service.New(db, sessions, agent, b, runners, service.Options{
		OrphanGrace:      cfg.OrphanGrace,
		PreparingTimeout: cfg.PreparingTimeout,
	}, log)

	return &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		kv:      kv,
		daemons: daemons,
		broker:  b,
		svc:     svc,
	}, nil
}

func newKV(cfg *config.Config, db *store.SQLiteStore) (kvstore.Store, error) {
	switch cfg.KVBackend {
	case "memory":
		return kvstore.NewMemory(), nil
	case "sqlite", "":
		kv, err := kvstore.NewSQLite(db.DB())
		if err != nil {
			return nil, fmt.Errorf("failed to open kv store: %w", err)
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.KVBackend)
	}
}

// callbackEnv is what the in-sandbox gate needs to reach the internal server.
func callbackEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"CMDCLAW_PORT": strconv.Itoa(cfg.InternalPort),
	}
	if cfg.CallbackSecret != "" {
		env["CMDCLAW_CALLBACK_SECRET"] = cfg.CallbackSecret
	}
	if cfg.PublicURL != "" {
		env["CMDCLAW_PUBLIC_URL"] = cfg.PublicURL
	}
	if cfg.PlatformURL != "" {
		env["CMDCLAW_PLATFORM_URL"] = cfg.PlatformURL
	}
	return env
}

func (a *app) Close() error {
	return a.db.Close()
}
