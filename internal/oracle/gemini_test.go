package oracle_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/evoloop/api/schemas"
	"github.com/xkilldash9x/evoloop/internal/config"
	"github.com/xkilldash9x/evoloop/internal/oracle"
)

func geminiConfig(endpoint string) config.OracleConfig {
	return config.OracleConfig{
		Provider:       config.ProviderGemini,
		Model:          "gemini-2.0-flash",
		APIKey:         "test-key",
		Endpoint:       endpoint,
		APITimeout:     5 * time.Second,
		RequestsPerSec: 100,
	}
}

func geminiSuccessBody(text string) string {
	return `{"candidates": [{"content": {"parts": [{"text": ` + mustQuote(text) + `}]}, "finishReason": "STOP"}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 20, "totalTokenCount": 30}}`
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestGeminiClient_Generate(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(geminiSuccessBody("generated text")))
	}))
	defer server.Close()

	client, err := oracle.NewGeminiClient(geminiConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), schemas.GenerateRequest{
		SystemPrompt: "you are a test",
		UserPrompt:   "say something",
		Options:      schemas.GenerateOptions{ForceJSONFormat: true, Temperature: 0.2},
	})
	require.NoError(t, err)
	assert.Equal(t, "generated text", out)

	// The JSON response format must be requested explicitly.
	genCfg := captured["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genCfg["response_mime_type"])
	require.NotNil(t, captured["system_instruction"])
}

func TestGeminiClient_ErrorStatusWrapsSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := oracle.NewGeminiClient(geminiConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerateRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrOracle)
}

func TestGeminiClient_UnparsableBodyIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	client, err := oracle.NewGeminiClient(geminiConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerateRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrMalformedResponse)
}

func TestGeminiClient_NoCandidatesIsOracleError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer server.Close()

	client, err := oracle.NewGeminiClient(geminiConfig(server.URL), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), schemas.GenerateRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrOracle)
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	cfg := geminiConfig("")
	cfg.APIKey = ""
	_, err := oracle.NewGeminiClient(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestNewClient_UnknownProviderRejected(t *testing.T) {
	_, err := oracle.NewClient(config.OracleConfig{Provider: "openrouter"}, zaptest.NewLogger(t))
	require.Error(t, err)
}
