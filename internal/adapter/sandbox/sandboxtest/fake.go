// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/baptistecolle/cmdclaw-sub005/internal/adapter/sandbox"
)

// Provider is a fake sandbox.Provider. Every sandbox it creates previews to
// the URL returned by PreviewFor.
type Provider struct {
	mu        sync.Mutex
	sandboxes map[string]*Handle
	created   int
	killed    []string

	// PreviewFor returns the agent server URL of a new sandbox.
	PreviewFor func(sandboxID string) string
	// CreateErr, when set, fails every Create call.
	CreateErr error
	// LastEnv is the environment passed to the most recent Create.
	LastEnv map[string]string
}

// New creates a fake provider whose sandboxes all point at agentURL.
func New(agentURL string) *Provider {
	return &Provider{
		sandboxes:  make(map[string]*Handle),
		PreviewFor: func(string) string { return agentURL },
	}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Create(_ context.Context, req sandbox.CreateRequest) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.created++
	id := fmt.Sprintf("sb_fake_%d", p.created)
	h := &Handle{
		id:       id,
		provider: p,
		preview:  p.PreviewFor(id),
		files:   make(map[string][]byte),
		Env:     req.Env,
	}
	p.sandboxes[id] = h
	p.LastEnv = req.Env
	return h, nil
}

func (p *Provider) Get(_ context.Context, sandboxID string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.sandboxes[sandboxID]
	if !ok {
		return nil, nil
	}
	return h, nil
}

// Kill removes a sandbox so later Get calls return nil.
func (p *Provider) Kill(sandboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, sandboxID)
}

// Killed returns the ids of sandboxes destroyed through their handle.
func (p *Provider) Killed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.killed...)
}

// Created returns how many sandboxes were created.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Sandbox returns a created sandbox by id.
func (p *Provider) Sandbox(id string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[id]
}

// Handle is a fake sandbox.Handle recording every call.
type Handle struct {
	id       string
	provider *Provider
	preview  string
	Env      map[string]string

	mu       sync.Mutex
	commands []sandbox.CommandRequest
	files    map[string][]byte
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) RunCommand(_ context.Context, req sandbox.CommandRequest) (*sandbox.CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, req)
	return &sandbox.CommandResult{}, nil
}

func (h *Handle) WriteFile(_ context.Context, path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = append([]byte(nil), data...)
	return nil
}

func (h *Handle) ReadFile(_ context.Context, path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

func (h *Handle) PreviewURL(_ context.Context, _ int) (*sandbox.Preview, error) {
	return &sandbox.Preview{URL: h.preview}, nil
}

func (h *Handle) Kill(_ context.Context) error {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, h.id)
	p.killed = append(p.killed, h.id)
	return nil
}

// Commands returns the commands run so far.
func (h *Handle) Commands() []sandbox.CommandRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sandbox.CommandRequest(nil), h.commands...)
}
