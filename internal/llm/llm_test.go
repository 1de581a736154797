package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/observability"
)

const testSchema = `{
	"type": "object",
	"properties": {
		"category": {"type": "string", "enum": ["BUG", "FEATURE", "UX", "OTHER"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["category", "confidence"]
}`

type testPayload struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func TestOpenAIClientCompleteJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": `{"category":"BUG","confidence":0.9}`}},
			},
		})
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "test-key", "gpt-4o-mini")

	out, err := c.CompleteJSON(context.Background(), "You classify feedback.", "Classify this.")
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"BUG","confidence":0.9}`, out)
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream broke"))
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL, "k", "gpt-4o-mini")

	_, err := c.CompleteJSON(context.Background(), "s", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestDecodeValidated(t *testing.T) {
	var v testPayload
	err := DecodeValidated(testSchema, []byte(`{"category":"UX","confidence":0.7}`), &v)
	require.NoError(t, err)
	assert.Equal(t, "UX", v.Category)
	assert.InDelta(t, 0.7, v.Confidence, 1e-9)
}

func TestDecodeValidatedRejectsBadShapes(t *testing.T) {
	cases := map[string]string{
		"unknown enum value": `{"category":"SPAM","confidence":0.7}`,
		"missing field":      `{"category":"BUG"}`,
		"out of range":       `{"category":"BUG","confidence":1.5}`,
		"not json":           `category: BUG`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var v testPayload
			err := DecodeValidated(testSchema, []byte(payload), &v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchemaInvalid))
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	out, err := ExtractJSONObject("```json\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)

	out, err = ExtractJSONObject(`Here you go: {"a": {"b": 2}} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 2}}`, out)

	_, err = ExtractJSONObject("no json here")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaInvalid))
}

type failingClient struct{ calls int }

func (c *failingClient) CompleteJSON(context.Context, string, string) (string, error) {
	c.calls++
	return "", fmt.Errorf("model down")
}

func TestBreakerClientOpens(t *testing.T) {
	inner := &failingClient{}
	c := WithBreaker(inner, "test", observability.NewNoopLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.CompleteJSON(ctx, "s", "p")
		require.Error(t, err)
	}
	_, err := c.CompleteJSON(ctx, "s", "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 5, inner.calls)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(Options{Provider: "anthropic"}, observability.NewNoopLogger())
	require.Error(t, err)
}
