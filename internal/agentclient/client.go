// Package agentclient is the HTTP + SSE client for one agent endpoint.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kansup/kansup/internal/common/constants"
)

// Session is the agent's unit of conversational state.
type Session struct {
	ID         string    `json:"id"`
	Title      string    `json:"title,omitempty"`
	Directory  string    `json:"directory"`
	ProjectID  string    `json:"projectID,omitempty"`
	TimeUpdate time.Time `json:"time.updated,omitempty"`
}

// HealthStatus is the response of GET /global/health.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Event is a parsed SSE event: type plus properties.
type Event struct {
	Type       string
	Properties map[string]interface{}
}

// PermissionResponse is the outcome a caller posts for a pending permission prompt.
type PermissionResponse string

const (
	PermissionOnce   PermissionResponse = "once"
	PermissionAlways PermissionResponse = "always"
	PermissionReject PermissionResponse = "reject"
)

// ErrNotFound is returned for 404s, a non-retryable condition.
var ErrNotFound = errors.New("agent: not found")

// Client talks to one agent's HTTP + SSE surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// New creates a Client against baseURL with the given request timeout and
// retry budget for idempotent requests.
func New(baseURL string, requestTimeout time.Duration, maxRetries int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		maxRetries: maxRetries,
	}
}

// Health checks GET /global/health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, "/global/health", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions fetches GET /session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches GET /session/:id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+id, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSessionOpts is the optional body for POST /session.
type CreateSessionOpts struct {
	Directory string `json:"directory,omitempty"`
	Title     string `json:"title,omitempty"`
}

// CreateSession issues POST /session.
func (c *Client) CreateSession(ctx context.Context, opts CreateSessionOpts) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/session", opts, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// AbortSession issues POST /session/:id/abort.
func (c *Client) AbortSession(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/session/"+id+"/abort", nil, nil, false)
}

// SendOpts configures an async prompt send.
type SendOpts struct {
	Model string `json:"model,omitempty"`
}

type sendBody struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// SendAsync fires POST /session/:id/prompt_async and returns once the agent
// has acknowledged receipt; the actual reply arrives via the SSE stream.
func (c *Client) SendAsync(ctx context.Context, sessionID, text string, opts SendOpts) error {
	body := sendBody{Text: text, Model: opts.Model}
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil, false)
}

type permissionBody struct {
	Response string `json:"response"`
}

// RespondToPermission posts the user's choice for a pending permission prompt.
func (c *Client) RespondToPermission(ctx context.Context, sessionID, permissionID string, response PermissionResponse) error {
	body := permissionBody{Response: string(response)}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/session/%s/permissions/%s", sessionID, permissionID), body, nil, false)
}

// doJSON performs one HTTP round trip, retrying idempotent (GET) requests
// with exponential backoff on transient failures. 404s and 4xx responses
// other than 429 are not retried.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}, idempotent bool) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agent: marshal request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	attempts := 1
	if idempotent {
		attempts = c.maxRetries + 1
	}

	backoff := constants.BackoffBase
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > constants.BackoffCap {
				backoff = constants.BackoffCap
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
		if err != nil {
			return fmt.Errorf("agent: build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return ErrNotFound
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("agent: request failed with status %d: %s", resp.StatusCode, string(msg))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("agent: request failed with status %d", resp.StatusCode)
			continue
		}

		defer resp.Body.Close()
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("agent: decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("agent: exhausted retries: %w", lastErr)
}

// Subscribe opens a long-lived SSE stream against /event. onEvent is called
// for each parsed event in arrival order; onError is called once if the
// stream ends abnormally. The returned cancel function stops the stream;
// calling it makes the subscription return silently.
func (c *Client) Subscribe(ctx context.Context, onEvent func(Event), onError func(error)) (cancel func(), err error) {
	streamCtx, streamCancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("agent: build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The SSE connection is long-lived; it must not inherit the client's
	// finite request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		streamCancel()
		return nil, fmt.Errorf("agent: open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		streamCancel()
		return nil, fmt.Errorf("agent: SSE stream returned status %d", resp.StatusCode)
	}

	go func() {
		defer resp.Body.Close()
		defer streamCancel()

		reader := bufio.NewReader(resp.Body)
		var eventName string
		var dataLines []string

		flush := func() {
			if len(dataLines) == 0 {
				eventName = ""
				return
			}
			data := strings.Join(dataLines, "\n")
			dataLines = nil

			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				eventName = ""
				return
			}

			evType := eventName
			if evType == "" {
				if t, ok := payload["type"].(string); ok {
					evType = t
				}
			}

			properties := payload
			if p, ok := payload["properties"].(map[string]interface{}); ok {
				properties = p
			}

			onEvent(Event{Type: evType, Properties: properties})
			eventName = ""
		}

		for {
			line, err := reader.ReadString('\n')
			line = strings.TrimRight(line, "\r\n")

			switch {
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			case line == "":
				flush()
			}

			if err != nil {
				if err != io.EOF && streamCtx.Err() == nil && onError != nil {
					onError(err)
				}
				return
			}
		}
	}()

	return streamCancel, nil
}
