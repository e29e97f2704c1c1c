package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(url, "test-model", []string{"sk-a", "sk-b"}, 5*time.Second, opts...)
	require.NoError(t, err)
	return c
}

func TestComplete_Success(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model-0125",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hey you!"}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithKeyPicker(func(n int) int { return 1 }))
	res, err := c.Complete(context.Background(), "be nice", []ChatMessage{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, "hey you!", res.Reply)
	assert.Equal(t, "test-model-0125", res.Model)
	assert.Equal(t, "Bearer sk-b", gotAuth)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be nice", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
}

func TestComplete_EmptyReplyFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "m", "choices": []any{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Complete(context.Background(), "sys", nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, res.Reply)
	assert.Equal(t, "m", res.Model)
}

func TestComplete_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), "sys", nil)
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
}

func TestComplete_TimeoutIsFailure(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(srv.URL, "test-model", []string{"sk-a"}, 50*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Complete(context.Background(), "sys", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout not enforced")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("http://x", "model", nil, time.Second)
	assert.Error(t, err)

	_, err = NewClient("http://x", "", []string{"k"}, time.Second)
	assert.Error(t, err)
}

func TestCompletionsURL(t *testing.T) {
	c, _ := NewClient("https://api.example.com/v1", "m", []string{"k"}, time.Second)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", c.completionsURL())

	c, _ = NewClient("https://api.example.com", "m", []string{"k"}, time.Second)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", c.completionsURL())
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt("", "Ada", 4)
	assert.Contains(t, p, "Ada")
	assert.Contains(t, p, "4 days in a row")
	assert.Contains(t, p, "companion")

	p = SystemPrompt("You are Luna.", "", 1)
	assert.Equal(t, "You are Luna.", p)
}
