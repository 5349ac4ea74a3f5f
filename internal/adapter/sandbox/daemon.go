package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LabelDaemonID selects the user daemon a sandbox is created on.
const LabelDaemonID = "daemon_id"

// daemonFrame is the JSON message exchanged with a user daemon. Requests carry
// Op; responses echo ID and set OK or Error.
type daemonFrame struct {
	ID         string            `json:"id"`
	Op         string            `json:"op,omitempty"`
	Cmd        string            `json:"cmd,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Timeout    int               `json:"timeout,omitempty"`
	Background bool              `json:"background,omitempty"`
	Path       string            `json:"path,omitempty"`
	Data       []byte            `json:"data,omitempty"`
	Port       int               `json:"port,omitempty"`

	OK       bool   `json:"ok,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"`
}

// DaemonProvider exposes user-owned machines that dial in over a websocket.
// The sandbox id of a daemon sandbox is the daemon id.
type DaemonProvider struct {
	mu      sync.RWMutex
	daemons map[string]*daemonConn
	log     *zap.Logger
	// CallTimeout bounds a single request when the caller's context has no deadline.
	CallTimeout time.Duration
}

// NewDaemonProvider creates an empty daemon registry.
func NewDaemonProvider(log *zap.Logger) *DaemonProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &DaemonProvider{
		daemons:     make(map[string]*daemonConn),
		log:         log,
		CallTimeout: 2 * time.Minute,
	}
}

func (p *DaemonProvider) Name() string { return ProviderDaemon }

// Serve registers a connected daemon and blocks reading its responses until
// the connection closes. A newer connection for the same id replaces the old one.
func (p *DaemonProvider) Serve(daemonID string, ws *websocket.Conn) {
	conn := &daemonConn{
		id:      daemonID,
		ws:      ws,
		pending: make(map[string]chan daemonFrame),
		closed:  make(chan struct{}),
	}

	p.mu.Lock()
	if old, ok := p.daemons[daemonID]; ok {
		old.close()
	}
	p.daemons[daemonID] = conn
	p.mu.Unlock()
	p.log.Info("daemon connected", zap.String("daemon_id", daemonID))

	defer func() {
		p.mu.Lock()
		if p.daemons[daemonID] == conn {
			delete(p.daemons, daemonID)
		}
		p.mu.Unlock()
		conn.close()
		p.log.Info("daemon disconnected", zap.String("daemon_id", daemonID))
	}()

	for {
		var frame daemonFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warn("daemon read failed", zap.String("daemon_id", daemonID), zap.Error(err))
			}
			return
		}
		conn.deliver(frame)
	}
}

// Connected reports whether a daemon is currently connected.
func (p *DaemonProvider) Connected(daemonID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.daemons[daemonID]
	return ok
}

func (p *DaemonProvider) lookup(daemonID string) *daemonConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.daemons[daemonID]
}

func (p *DaemonProvider) Create(ctx context.Context, req CreateRequest) (Handle, error) {
	daemonID := req.Labels[LabelDaemonID]
	if daemonID == "" {
		return nil, fmt.Errorf("daemon sandbox requires label %q", LabelDaemonID)
	}
	if p.lookup(daemonID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, daemonID)
	}
	h := &daemonHandle{id: daemonID, provider: p, env: req.Env}
	if len(req.Env) > 0 {
		// Environment for the daemon workspace lives in a file the agent server sources.
		data, _ := json.Marshal(req.Env)
		if err := h.WriteFile(ctx, ".cmdclaw/env.json", data); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (p *DaemonProvider) Get(_ context.Context, sandboxID string) (Handle, error) {
	if p.lookup(sandboxID) == nil {
		return nil, nil
	}
	return &daemonHandle{id: sandboxID, provider: p}, nil
}

type daemonConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan daemonFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *daemonConn) deliver(frame daemonFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *daemonConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *daemonConn) call(ctx context.Context, req daemonFrame) (daemonFrame, error) {
	req.ID = uuid.New().String()
	ch := make(chan daemonFrame, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return daemonFrame{}, fmt.Errorf("failed to send to daemon %s: %w", c.id, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-c.closed:
		return daemonFrame{}, fmt.Errorf("%w: %s", ErrNotConnected, c.id)
	case <-ctx.Done():
		return daemonFrame{}, ctx.Err()
	}
}

type daemonHandle struct {
	id       string
	provider *DaemonProvider
	env      map[string]string
}

func (h *daemonHandle) ID() string { return h.id }

func (h *daemonHandle) call(ctx context.Context, req daemonFrame) (daemonFrame, error) {
	conn := h.provider.lookup(h.id)
	if conn == nil {
		return daemonFrame{}, fmt.Errorf("%w: %s", ErrNotConnected, h.id)
	}
	if _, ok := ctx.Deadline(); !ok && h.provider.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.provider.CallTimeout)
		defer cancel()
	}
	return conn.call(ctx, req)
}

func (h *daemonHandle) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	env := make(map[string]string, len(h.env)+len(req.Env))
	for k, v := range h.env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	resp, err := h.call(ctx, daemonFrame{
		Op:         "run_command",
		Cmd:        req.Cmd,
		Cwd:        req.Cwd,
		Env:        env,
		Timeout:    req.TimeoutSeconds,
		Background: req.Background,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run command on daemon %s: %w", h.id, err)
	}
	return &CommandResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, nil
}

func (h *daemonHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	if _, err := h.call(ctx, daemonFrame{Op: "write_file", Path: path, Data: data}); err != nil {
		return fmt.Errorf("failed to write %s on daemon %s: %w", path, h.id, err)
	}
	return nil
}

func (h *daemonHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := h.call(ctx, daemonFrame{Op: "read_file", Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s on daemon %s: %w", path, h.id, err)
	}
	return resp.Data, nil
}

func (h *daemonHandle) PreviewURL(ctx context.Context, port int) (*Preview, error) {
	resp, err := h.call(ctx, daemonFrame{Op: "preview", Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to expose port %d on daemon %s: %w", port, h.id, err)
	}
	return &Preview{URL: resp.URL, Token: resp.Token}, nil
}

// Kill stops the processes the daemon started for this workspace. The daemon
// itself stays connected.
func (h *daemonHandle) Kill(ctx context.Context) error {
	if _, err := h.call(ctx, daemonFrame{Op: "stop"}); err != nil {
		return fmt.Errorf("failed to stop workspace on daemon %s: %w", h.id, err)
	}
	return nil
}
