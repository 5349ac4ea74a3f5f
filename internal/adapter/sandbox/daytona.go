package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// Daytona talks to the Daytona REST API and its per-sandbox toolbox.
type Daytona struct {
	api *restClient
}

// NewDaytona creates a Daytona provider.
func NewDaytona(apiURL, apiKey string) *Daytona {
	return &Daytona{
		api: newRESTClient(strings.TrimSuffix(apiURL, "/"), func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+apiKey)
		}),
	}
}

func (p *Daytona) Name() string { return ProviderDaytona }

type daytonaSandbox struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (p *Daytona) Create(ctx context.Context, req CreateRequest) (Handle, error) {
	body := map[string]interface{}{
		"snapshot": req.Template,
		"env":      req.Env,
		"labels":   req.Labels,
	}
	var sb daytonaSandbox
	if err := p.api.doJSON(ctx, http.MethodPost, p.api.baseURL+"/sandbox", body, &sb); err != nil {
		return nil, fmt.Errorf("failed to create daytona sandbox: %w", err)
	}
	return &daytonaHandle{id: sb.ID, api: p.api}, nil
}

func (p *Daytona) Get(ctx context.Context, sandboxID string) (Handle, error) {
	var sb daytonaSandbox
	err := p.api.doJSON(ctx, http.MethodGet, p.api.baseURL+"/sandbox/"+url.PathEscape(sandboxID), nil, &sb)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daytona sandbox: %w", err)
	}
	switch sb.State {
	case "destroyed", "destroying", "error", "archived":
		return nil, nil
	case "stopped":
		if err := p.api.doJSON(ctx, http.MethodPost, p.api.baseURL+"/sandbox/"+url.PathEscape(sandboxID)+"/start", nil, nil); err != nil {
			return nil, fmt.Errorf("failed to start daytona sandbox: %w", err)
		}
	}
	return &daytonaHandle{id: sandboxID, api: p.api}, nil
}

type daytonaHandle struct {
	id  string
	api *restClient
}

func (h *daytonaHandle) ID() string { return h.id }

func (h *daytonaHandle) toolbox(path string) string {
	return h.api.baseURL + "/toolbox/" + url.PathEscape(h.id) + "/toolbox" + path
}

func (h *daytonaHandle) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	cmd := req.Cmd
	if len(req.Env) > 0 {
		cmd = envPrefix(req.Env) + cmd
	}
	if req.Background {
		cmd = "nohup sh -c " + shellQuote(cmd) + " >/tmp/cmdclaw-bg.log 2>&1 &"
	}
	body := map[string]interface{}{
		"command": cmd,
		"cwd":     req.Cwd,
		"timeout": req.TimeoutSeconds,
	}
	var res struct {
		ExitCode int    `json:"exitCode"`
		Result   string `json:"result"`
	}
	if err := h.api.doJSON(ctx, http.MethodPost, h.toolbox("/process/execute"), body, &res); err != nil {
		return nil, fmt.Errorf("failed to run command in %s: %w", h.id, err)
	}
	return &CommandResult{ExitCode: res.ExitCode, Stdout: res.Result}, nil
}

func (h *daytonaHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", path)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.toolbox("/files/upload?path="+url.QueryEscape(path)), &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := h.api.do(req, nil); err != nil {
		return fmt.Errorf("failed to write %s in %s: %w", path, h.id, err)
	}
	return nil
}

func (h *daytonaHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.toolbox("/files/download?path="+url.QueryEscape(path)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var data []byte
	if err := h.api.do(req, &data); err != nil {
		return nil, fmt.Errorf("failed to read %s in %s: %w", path, h.id, err)
	}
	return data, nil
}

func (h *daytonaHandle) PreviewURL(ctx context.Context, port int) (*Preview, error) {
	var preview Preview
	u := fmt.Sprintf("%s/sandbox/%s/ports/%d/preview-url", h.api.baseURL, url.PathEscape(h.id), port)
	if err := h.api.doJSON(ctx, http.MethodGet, u, nil, &preview); err != nil {
		return nil, fmt.Errorf("failed to get preview url for %s: %w", h.id, err)
	}
	return &preview, nil
}

func (h *daytonaHandle) Kill(ctx context.Context) error {
	err := h.api.doJSON(ctx, http.MethodDelete, h.api.baseURL+"/sandbox/"+url.PathEscape(h.id), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete daytona sandbox %s: %w", h.id, err)
	}
	return nil
}

func envPrefix(env map[string]string) string {
	var b strings.Builder
	b.WriteString("env ")
	for k, v := range env {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(v))
		b.WriteString(" ")
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
