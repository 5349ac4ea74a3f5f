// Package sandbox provides a uniform interface over the sandbox backends the
// agent runs in.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Provider names accepted by SANDBOX_PROVIDER.
const (
	ProviderE2B     = "e2b"
	ProviderDaytona = "daytona"
	ProviderDaemon  = "daemon"
)

// ErrNotConnected is returned by the daemon provider when the user's daemon is
// not currently connected.
var ErrNotConnected = errors.New("sandbox daemon not connected")

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	Template string
	Env      map[string]string
	Labels   map[string]string
}

// CommandRequest describes one command run inside a sandbox.
type CommandRequest struct {
	Cmd            string
	Cwd            string
	Env            map[string]string
	TimeoutSeconds int
	// Background starts the command and returns without waiting for it.
	Background bool
}

// CommandResult is the outcome of a foreground command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Preview is a reverse-proxied URL to a port inside the sandbox.
type Preview struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// Handle is a live sandbox.
type Handle interface {
	ID() string
	RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	PreviewURL(ctx context.Context, port int) (*Preview, error)
	// Kill destroys the sandbox.
	Kill(ctx context.Context) error
}

// Provider creates and resumes sandboxes.
type Provider interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Handle, error)
	// Get returns (nil, nil) when the sandbox no longer exists.
	Get(ctx context.Context, sandboxID string) (Handle, error)
}

// Options configures New.
type Options struct {
	Provider      string
	E2BAPIURL     string
	E2BAPIKey     string
	DaytonaAPIURL string
	DaytonaAPIKey string
	Daemon        *DaemonProvider
}

// New returns the provider selected by name.
func New(opts Options) (Provider, error) {
	switch opts.Provider {
	case ProviderE2B:
		return NewE2B(opts.E2BAPIURL, opts.E2BAPIKey), nil
	case ProviderDaytona:
		return NewDaytona(opts.DaytonaAPIURL, opts.DaytonaAPIKey), nil
	case ProviderDaemon:
		if opts.Daemon == nil {
			return nil, fmt.Errorf("daemon provider requires a daemon registry")
		}
		return opts.Daemon, nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider %q", opts.Provider)
	}
}
