package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/JakeFAU/story-pipeline/internal/llm"
)

func TestCompleteCallsGenerateContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/models/"+DefaultModel+":generateContent"), r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "systemInstruction")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"long rewrite"}]}}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), Config{APIKey: "key", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), llm.Request{
		Model:    "gemini",
		Messages: []llm.Message{{Role: "system", Content: "rewrite"}, {Role: "user", Content: "text"}},
	})
	require.NoError(t, err)
	require.Equal(t, "long rewrite", out)
}

func TestToContents(t *testing.T) {
	t.Parallel()

	contents, system := toContents([]llm.Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "c"},
		{Role: "system", Content: "d"},
	})
	require.Equal(t, "a\n\nd", system)
	require.Len(t, contents, 2)
	require.Equal(t, genai.RoleUser, contents[0].Role)
	require.Equal(t, genai.RoleModel, contents[1].Role)
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}
