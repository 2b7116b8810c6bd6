package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/llm"
)

func TestCompleteTextUsesRoutedModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		assert.Equal(t, "AI Showrunner", r.Header.Get("X-Title"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, defaultModel, body["model"])

		w.Write([]byte(`{"model":"openai/gpt-4o-mini-2024","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	provider, err := llm.GetProvider("openrouter", map[string]string{"api_key": "or-key", "base_url": server.URL})
	require.NoError(t, err)

	resp, err := provider.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "openai/gpt-4o-mini-2024", resp.ModelName)
	assert.Equal(t, providerName, resp.ProviderName)
}

func TestInitializeRequiresKey(t *testing.T) {
	_, err := llm.GetProvider("openrouter", map[string]string{"base_url": "http://x"})
	assert.Error(t, err)
	assert.Contains(t, llm.ListProviders(), "openrouter")
}
