// Package agentclient provides an HTTP client for the agent server running
// inside a sandbox, with SSE streaming of model events.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each decoded stream event.
type EventHandler func(event domain.StreamEvent) error

// Endpoint addresses one agent server.
type Endpoint struct {
	BaseURL string
	// Token is the sandbox preview token, sent when the provider requires one.
	Token string
}

// MessageRequest is a user turn sent to a remote session.
type MessageRequest struct {
	Text    string `json:"text"`
	NoReply bool   `json:"noReply,omitempty"`
}

// Client is an HTTP client for agent servers.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new agent client. Streams are bounded by the caller's
// context rather than a client timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{}}
}

// NewClientWith wraps an existing http.Client.
func NewClientWith(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

func (c *Client) newRequest(ctx context.Context, ep Endpoint, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(ep.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ep.Token != "" {
		req.Header.Set("X-Preview-Token", ep.Token)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out interface{}) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("agent server returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Health calls the agent server readiness path.
func (c *Client) Health(ctx context.Context, ep Endpoint) error {
	req, err := c.newRequest(ctx, ep, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if _, err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("agent server not ready: %w", err)
	}
	return nil
}

// CreateSession creates a remote execution session and returns its id.
func (c *Client) CreateSession(ctx context.Context, ep Endpoint, title string) (string, error) {
	req, err := c.newRequest(ctx, ep, http.MethodPost, "/session", map[string]string{"title": title})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if _, err := c.doJSON(req, &out); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("failed to create session: empty id")
	}
	return out.ID, nil
}

// SessionExists reports whether the agent server knows the remote session.
func (c *Client) SessionExists(ctx context.Context, ep Endpoint, sessionID string) (bool, error) {
	req, err := c.newRequest(ctx, ep, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return false, err
	}
	status, err := c.doJSON(req, nil)
	if status == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get session: %w", err)
	}
	return true, nil
}

// SendNoReply delivers a message the agent records without answering.
func (c *Client) SendNoReply(ctx context.Context, ep Endpoint, sessionID, text string) error {
	req, err := c.newRequest(ctx, ep, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message",
		MessageRequest{Text: text, NoReply: true})
	if err != nil {
		return err
	}
	if _, err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Abort stops the remote session's current turn.
func (c *Client) Abort(ctx context.Context, ep Endpoint, sessionID string) error {
	req, err := c.newRequest(ctx, ep, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil)
	if err != nil {
		return err
	}
	if _, err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("failed to abort session: %w", err)
	}
	return nil
}

// EventStream is an open model stream. The response has been accepted by the
// agent server when OpenStream returns.
type EventStream struct {
	client *Client
	body   io.ReadCloser
}

// OpenStream sends a message and returns once the agent server has accepted
// it and started streaming.
func (c *Client) OpenStream(ctx context.Context, ep Endpoint, sessionID, text string) (*EventStream, error) {
	req, err := c.newRequest(ctx, ep, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message",
		MessageRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent server returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return &EventStream{client: c, body: resp.Body}, nil
}

// Each calls handler for each streamed event until the server closes the
// stream, then closes it.
func (s *EventStream) Each(handler EventHandler) error {
	defer s.body.Close()
	return s.client.parseSSE(s.body, func(raw SSEEvent) error {
		event, err := DecodeEvent(raw)
		if err != nil {
			return err
		}
		return handler(event)
	})
}

// Close releases the stream without reading it.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// Stream sends a message and calls handler for each streamed model event until
// the server closes the stream.
func (c *Client) Stream(ctx context.Context, ep Endpoint, sessionID, text string, handler EventHandler) error {
	stream, err := c.OpenStream(ctx, ep, sessionID, text)
	if err != nil {
		return err
	}
	return stream.Each(handler)
}

// DecodeEvent turns an SSE event into a stream event. The SSE event name is
// used when the data payload carries no type.
func DecodeEvent(raw SSEEvent) (domain.StreamEvent, error) {
	var event domain.StreamEvent
	if raw.Data != "" {
		if err := json.Unmarshal([]byte(raw.Data), &event); err != nil {
			return event, fmt.Errorf("failed to parse %q event: %w", raw.Event, err)
		}
	}
	if event.Type == "" {
		event.Type = domain.StreamEventType(raw.Event)
	}
	return event, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *Client) parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}
