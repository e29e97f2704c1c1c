// Package completion calls an external text-completion provider.
//
// The client speaks the OpenAI-compatible chat completions protocol.
// One API key is picked at random per request from a configured pool,
// and every call carries a bounded timeout so a stuck provider becomes
// a definite failure.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// FallbackReply is returned when the provider answers without content.
const FallbackReply = "Sorry, I lost my train of thought for a moment. Say that again?"

// ChatMessage is one role-tagged message in the conversation context.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Result is a successful completion.
type Result struct {
	Reply string
	Model string // identifier of the model that served the request
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("completion: unexpected status %d: %s", e.StatusCode, e.Body)
}

// chatRequest is the minimal request shape for the chat completions endpoint.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

// chatResponse is the minimal response shape.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

// Client is a focused completion-provider client.
type Client struct {
	baseURL    string
	model      string
	keys       []string
	timeout    time.Duration
	httpClient *http.Client
	pick       func(n int) int // index into the key pool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithKeyPicker overrides key-pool selection (for testing).
func WithKeyPicker(pick func(n int) int) Option {
	return func(c *Client) { c.pick = pick }
}

// NewClient creates a completion client over the given key pool.
func NewClient(baseURL, model string, keys []string, timeout time.Duration, opts ...Option) (*Client, error) {
	if len(keys) == 0 {
		return nil, errors.New("completion: key pool must not be empty")
	}
	if model == "" {
		return nil, errors.New("completion: model must not be empty")
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		keys:       keys,
		timeout:    timeout,
		httpClient: &http.Client{},
		pick:       rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends the system instruction plus history to the provider
// and returns the reply. The request is cancelled after the configured
// timeout; timeouts and non-2xx responses are both plain failures to
// the caller.
func (c *Client) Complete(ctx context.Context, system string, history []ChatMessage) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: system})
	messages = append(messages, history...)

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("completion: marshal request: %w", err)
	}

	url := c.completionsURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("completion: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.keys[c.pick(len(c.keys))])

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("completion: read response: %w", err)
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("completion: decode response: %w", err)
	}

	reply := FallbackReply
	if len(payload.Choices) > 0 && strings.TrimSpace(payload.Choices[0].Message.Content) != "" {
		reply = payload.Choices[0].Message.Content
	}

	model := payload.Model
	if model == "" {
		model = c.model
	}

	return &Result{Reply: reply, Model: model}, nil
}

func (c *Client) completionsURL() string {
	base := c.baseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}
