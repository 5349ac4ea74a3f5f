package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/multierr"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// Callback paths served by the control plane.
const (
	ApprovalPath = "/internal/approvals/request"
	AuthPath     = "/internal/auth/request"
)

// CallbackClient posts gate requests to the control plane, trying each
// candidate base URL in order.
type CallbackClient struct {
	candidates []string
	secret     string
	httpClient *http.Client
}

// CandidateURLs builds the ordered, deduplicated base URL list: public,
// platform-hosted, then loopback on port.
func CandidateURLs(publicURL, platformURL, port string) []string {
	var raw []string
	raw = append(raw, publicURL, platformURL)
	if port != "" {
		raw = append(raw, "http://127.0.0.1:"+port)
	}

	seen := make(map[string]bool)
	var out []string
	for _, u := range raw {
		u = strings.TrimSuffix(strings.TrimSpace(u), "/")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// NewCallbackClient creates a client for the given candidates. The HTTP
// client has no timeout; requests are bounded by the caller's context.
func NewCallbackClient(candidates []string, secret string) *CallbackClient {
	return &CallbackClient{
		candidates: candidates,
		secret:     secret,
		httpClient: &http.Client{},
	}
}

// Candidates returns the base URLs tried, in order.
func (c *CallbackClient) Candidates() []string {
	return append([]string(nil), c.candidates...)
}

// RequestApproval blocks until a human decides on a write operation.
func (c *CallbackClient) RequestApproval(ctx context.Context, req *domain.ApprovalCallbackRequest) (*domain.ApprovalCallbackResponse, error) {
	var resp domain.ApprovalCallbackResponse
	if err := c.post(ctx, ApprovalPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestAuth blocks until the integration is connected or the flow fails.
func (c *CallbackClient) RequestAuth(ctx context.Context, req *domain.AuthCallbackRequest) (*domain.AuthCallbackResponse, error) {
	var resp domain.AuthCallbackResponse
	if err := c.post(ctx, AuthPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *CallbackClient) post(ctx context.Context, path string, in, out interface{}) error {
	if len(c.candidates) == 0 {
		return fmt.Errorf("no callback url configured")
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var errs error
	for _, base := range c.candidates {
		err := c.postOnce(ctx, base+path, body, out)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", base, err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("all callback urls failed: %w", errs)
}

func (c *CallbackClient) postOnce(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
