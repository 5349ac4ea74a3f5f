// Command toolgate is the pre-tool-execution hook installed in sandboxes. It
// reads one tool call as JSON on stdin and exits 0 to let it run or 2 to
// block it, with the reason on stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/gate"
	"github.com/baptistecolle/cmdclaw-sub005/internal/logging"
	"github.com/baptistecolle/cmdclaw-sub005/policy"
)

// Exit codes understood by the agent runtime.
const (
	exitAllow = 0
	exitError = 1
	exitBlock = 2
)

type exitCode struct{ code int }

func (e *exitCode) Error() string { return fmt.Sprintf("exit %d", e.code) }

func main() {
	cmd := &cobra.Command{
		Use:           "toolgate",
		Short:         "Gate an agent tool call before it executes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if code := run(ctx, cmd.InOrStdin(), cmd.ErrOrStderr()); code != exitAllow {
				return &exitCode{code: code}
			}
			return nil
		},
	}

	if err := cmd.Execute(); err != nil {
		var ee *exitCode
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
}

func run(ctx context.Context, stdin io.Reader, stderr io.Writer) int {
	log, err := logging.New(getEnv("TOOLGATE_LOG_LEVEL", "warn"))
	if err != nil {
		log = zap.NewNop()
	}
	defer log.Sync()

	var call gate.ToolCall
	if err := json.NewDecoder(stdin).Decode(&call); err != nil {
		fmt.Fprintf(stderr, "toolgate: invalid tool call: %v\n", err)
		return exitError
	}

	g, err := newGate(ctx, log)
	if err != nil {
		fmt.Fprintf(stderr, "toolgate: %v\n", err)
		return exitError
	}

	if err := g.BeforeToolExecute(ctx, call); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return exitBlock
	}
	return exitAllow
}

func newGate(ctx context.Context, log *zap.Logger) (*gate.Gate, error) {
	catalog, err := gate.LoadCatalog(os.Getenv("INTEGRATIONS_FILE"))
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return nil, err
	}

	callbacks := gate.NewCallbackClient(
		gate.CandidateURLs(os.Getenv("CMDCLAW_PUBLIC_URL"), os.Getenv("CMDCLAW_PLATFORM_URL"), os.Getenv("CMDCLAW_PORT")),
		os.Getenv("CMDCLAW_CALLBACK_SECRET"),
	)

	var env gate.CredentialEnv = gate.ProcessEnv{}
	if path := os.Getenv("CMDCLAW_ENV_FILE"); path != "" {
		env = gate.NewFileEnv(path)
	}

	return gate.New(catalog, engine, callbacks, env, gate.ScopeFromEnv(), log), nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
