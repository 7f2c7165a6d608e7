// ABOUTME: HTTP client for the external assistant backend
// ABOUTME: Wraps list, health, schemas, invoke, and streaming invoke endpoints

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrAssistantNotFound indicates the backend has no assistant with that id.
var ErrAssistantNotFound = errors.New("assistant not found")

// Capabilities describes what an assistant supports.
type Capabilities struct {
	Streaming   bool `json:"streaming"`
	Persistence bool `json:"persistence"`
	Tools       bool `json:"tools"`
}

// Assistant is the backend's description of one assistant. Immutable once
// fetched; the registry replaces the whole set on refresh.
type Assistant struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Type         string       `json:"type"`
	Capabilities Capabilities `json:"capabilities"`
}

// ChatMessage is one entry of the conversation history sent to an assistant.
type ChatMessage struct {
	Type    string `json:"type"` // "human", "ai", "system"
	Content string `json:"content"`
}

// CallConfig carries per-call options passed through to the backend.
type CallConfig struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// StreamChunk is one event from a streaming invoke. Content chunks arrive in
// order; the final chunk has Done set, with Err non-empty on failure.
type StreamChunk struct {
	Content string
	Done    bool
	Err     string
}

// Client defines the operations the relay needs from the assistant backend.
type Client interface {
	ListAssistants(ctx context.Context) ([]Assistant, error)
	GetAssistant(ctx context.Context, id string) (*Assistant, error)
	CheckHealth(ctx context.Context, id string) error
	GetSchemas(ctx context.Context, id string) (json.RawMessage, error)
	Invoke(ctx context.Context, id string, messages []ChatMessage, cfg CallConfig) (string, error)
	Stream(ctx context.Context, id string, messages []ChatMessage, cfg CallConfig) (<-chan StreamChunk, error)
}

// HTTPClient implements Client against a base URL.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPClient creates a backend client. The timeout applies to unary calls
// only; streaming calls are bounded by their context.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger.With("component", "backend"),
	}
}

// invokeRequest is the JSON body for invoke and stream calls.
type invokeRequest struct {
	Messages []ChatMessage `json:"messages"`
	Config   CallConfig    `json:"config"`
}

// invokeResponse is the JSON body of a non-streaming invoke result.
type invokeResponse struct {
	Content string `json:"content"`
}

// ListAssistants fetches the full assistant catalog.
func (c *HTTPClient) ListAssistants(ctx context.Context) ([]Assistant, error) {
	var assistants []Assistant
	if err := c.getJSON(ctx, "/assistants", &assistants); err != nil {
		return nil, err
	}
	return assistants, nil
}

// GetAssistant fetches a single assistant by id.
func (c *HTTPClient) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	var assistant Assistant
	if err := c.getJSON(ctx, "/assistants/"+id, &assistant); err != nil {
		return nil, err
	}
	return &assistant, nil
}

// CheckHealth probes one assistant's health endpoint. A nil return means
// healthy; any transport or non-2xx failure is returned as the reason.
func (c *HTTPClient) CheckHealth(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/assistants/"+id+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAssistantNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// GetSchemas fetches the input/output/config schema document for an assistant.
// The relay does not interpret the document; it is forwarded to clients as-is.
func (c *HTTPClient) GetSchemas(ctx context.Context, id string) (json.RawMessage, error) {
	var schemas json.RawMessage
	if err := c.getJSON(ctx, "/assistants/"+id+"/schemas", &schemas); err != nil {
		return nil, err
	}
	return schemas, nil
}

// Invoke runs a non-streaming call and returns the full response content.
func (c *HTTPClient) Invoke(ctx context.Context, id string, messages []ChatMessage, cfg CallConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.postInvoke(ctx, "/assistants/"+id+"/invoke", messages, cfg)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrAssistantNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("invoke failed: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var result invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding invoke response: %w", err)
	}
	return result.Content, nil
}

// Stream runs a streaming call. The returned channel receives content chunks
// in upstream order and is closed after a terminal chunk (Done=true). The
// caller owns cancellation via ctx; the reader goroutine exits when the
// upstream closes or ctx is cancelled.
func (c *HTTPClient) Stream(ctx context.Context, id string, messages []ChatMessage, cfg CallConfig) (<-chan StreamChunk, error) {
	resp, err := c.postInvoke(ctx, "/assistants/"+id+"/stream", messages, cfg)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrAssistantNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("stream failed: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	out := make(chan StreamChunk, 16)
	go c.readStream(ctx, resp.Body, out)
	return out, nil
}

// postInvoke sends the invoke JSON body to the given path.
func (c *HTTPClient) postInvoke(ctx context.Context, path string, messages []ChatMessage, cfg CallConfig) (*http.Response, error) {
	body, err := json.Marshal(invokeRequest{Messages: messages, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}

// getJSON fetches path and decodes the JSON response into v.
func (c *HTTPClient) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAssistantNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
