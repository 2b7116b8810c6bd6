package veo

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

func TestSubmitAndPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models/veo-test:predictLongRunning", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))

		var body struct {
			Instances  []map[string]interface{} `json:"instances"`
			Parameters map[string]interface{}   `json:"parameters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "harbor at dawn", body.Instances[0]["prompt"])
		assert.Equal(t, "9:16", body.Parameters["aspectRatio"])
		assert.EqualValues(t, 8, body.Parameters["durationSeconds"])

		w.Write([]byte(`{"name":"models/veo-test/operations/op1"}`))
	})
	mux.HandleFunc("/models/veo-test/operations/op1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"models/veo-test/operations/op1","done":true,
			"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://files/v1.mp4"}}]}}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider, err := llm.GetVideoProvider("veo", map[string]string{
		"api_key":       "k",
		"base_url":      server.URL,
		"default_model": "veo-test",
	})
	require.NoError(t, err)

	op, err := provider.SubmitVideo(context.Background(), llm.VideoRequest{
		Prompt:          "harbor at dawn",
		AspectRatio:     "9:16",
		DurationSeconds: 8,
	})
	require.NoError(t, err)
	assert.False(t, op.Done)
	assert.Equal(t, "veo-test", op.Model)

	op, err = provider.PollVideo(context.Background(), op.Name)
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.Equal(t, []string{"https://files/v1.mp4"}, op.VideoURIs)
}

func TestPollReportsOperationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"operations/bad","error":{"code":3,"message":"prompt rejected"}}`))
	}))
	defer server.Close()

	provider, err := llm.GetVideoProvider("veo", map[string]string{"api_key": "k", "base_url": server.URL})
	require.NoError(t, err)

	op, err := provider.PollVideo(context.Background(), "operations/bad")
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.Equal(t, "prompt rejected", op.Error)

	_, err = provider.PollVideo(context.Background(), "")
	assert.Error(t, err)
}
