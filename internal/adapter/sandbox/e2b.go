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

const (
	e2bEnvdPort      = 49983
	e2bDefaultDomain = "e2b.app"
)

// E2B talks to the E2B control API and to envd inside each sandbox.
type E2B struct {
	api *restClient
	// EnvdURL overrides the per-sandbox envd address. Used by tests.
	EnvdURL string
}

// NewE2B creates an E2B provider.
func NewE2B(apiURL, apiKey string) *E2B {
	return &E2B{
		api: newRESTClient(strings.TrimSuffix(apiURL, "/"), func(r *http.Request) {
			r.Header.Set("X-API-Key", apiKey)
		}),
	}
}

func (p *E2B) Name() string { return ProviderE2B }

type e2bSandbox struct {
	SandboxID       string `json:"sandboxID"`
	ClientID        string `json:"clientID,omitempty"`
	EnvdAccessToken string `json:"envdAccessToken,omitempty"`
	Domain          string `json:"domain,omitempty"`
	State           string `json:"state,omitempty"`
}

func (p *E2B) Create(ctx context.Context, req CreateRequest) (Handle, error) {
	body := map[string]interface{}{
		"templateID": req.Template,
		"envVars":    req.Env,
		"metadata":   req.Labels,
	}
	var sb e2bSandbox
	if err := p.api.doJSON(ctx, http.MethodPost, p.api.baseURL+"/sandboxes", body, &sb); err != nil {
		return nil, fmt.Errorf("failed to create e2b sandbox: %w", err)
	}
	return p.handle(sb), nil
}

func (p *E2B) Get(ctx context.Context, sandboxID string) (Handle, error) {
	var sb e2bSandbox
	err := p.api.doJSON(ctx, http.MethodGet, p.api.baseURL+"/sandboxes/"+url.PathEscape(sandboxID), nil, &sb)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get e2b sandbox: %w", err)
	}
	if sb.State == "killed" || sb.State == "paused" {
		return nil, nil
	}
	if sb.SandboxID == "" {
		sb.SandboxID = sandboxID
	}
	return p.handle(sb), nil
}

func (p *E2B) handle(sb e2bSandbox) *e2bHandle {
	domain := sb.Domain
	if domain == "" {
		domain = e2bDefaultDomain
	}
	envd := p.EnvdURL
	if envd == "" {
		envd = fmt.Sprintf("https://%d-%s.%s", e2bEnvdPort, sb.SandboxID, domain)
	}
	token := sb.EnvdAccessToken
	return &e2bHandle{
		id:     sb.SandboxID,
		domain: domain,
		api:    p.api,
		envd: newRESTClient(strings.TrimSuffix(envd, "/"), func(r *http.Request) {
			if token != "" {
				r.Header.Set("X-Access-Token", token)
			}
		}),
	}
}

type e2bHandle struct {
	id     string
	domain string
	api    *restClient
	envd   *restClient
}

func (h *e2bHandle) ID() string { return h.id }

func (h *e2bHandle) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	body := map[string]interface{}{
		"cmd":        req.Cmd,
		"cwd":        req.Cwd,
		"envs":       req.Env,
		"timeout":    req.TimeoutSeconds,
		"background": req.Background,
	}
	var res CommandResult
	if err := h.envd.doJSON(ctx, http.MethodPost, h.envd.baseURL+"/commands", body, &res); err != nil {
		return nil, fmt.Errorf("failed to run command in %s: %w", h.id, err)
	}
	return &res, nil
}

func (h *e2bHandle) WriteFile(ctx context.Context, path string, data []byte) error {
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
		h.envd.baseURL+"/files?path="+url.QueryEscape(path), &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := h.envd.do(req, nil); err != nil {
		return fmt.Errorf("failed to write %s in %s: %w", path, h.id, err)
	}
	return nil
}

func (h *e2bHandle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.envd.baseURL+"/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var data []byte
	if err := h.envd.do(req, &data); err != nil {
		return nil, fmt.Errorf("failed to read %s in %s: %w", path, h.id, err)
	}
	return data, nil
}

func (h *e2bHandle) PreviewURL(_ context.Context, port int) (*Preview, error) {
	return &Preview{URL: fmt.Sprintf("https://%d-%s.%s", port, h.id, h.domain)}, nil
}

func (h *e2bHandle) Kill(ctx context.Context) error {
	err := h.api.doJSON(ctx, http.MethodDelete, h.api.baseURL+"/sandboxes/"+url.PathEscape(h.id), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to kill e2b sandbox %s: %w", h.id, err)
	}
	return nil
}
