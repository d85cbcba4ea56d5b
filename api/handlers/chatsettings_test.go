package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createSettings(t *testing.T, env *testEnv, body map[string]any) string {
	t.Helper()
	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/chat-settings", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeEnvelope(t, w.Body)
	data, _ := json.Marshal(resp.Data)
	var created struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

func TestChatSettingsCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	id := createSettings(t, env, map[string]any{
		"name":          "Support",
		"model":         "gpt-4o",
		"system_prompt": "You help customers.",
	})

	w := doJSON(t, env.mux, http.MethodGet, "/api/v1/chat-settings/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "You help customers.")
}

func TestChatSettingsValidation(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/chat-settings", map[string]any{
		"model": "gpt-4o",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, env.mux, http.MethodPost, "/api/v1/chat-settings", map[string]any{
		"name": "No model",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatSettingsRejectsUnknownToolIDs(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/chat-settings", map[string]any{
		"name":             "Support",
		"model":            "gpt-4o",
		"enabled_tool_ids": []string{"no-such-tool"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatSettingsRejectsDuplicateToolNames(t *testing.T) {
	env := newTestEnv(t)
	_, endpointID := importWeatherDoc(t, env)

	ids := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		w := doJSON(t, env.mux, http.MethodPost, "/api/v1/tools", map[string]any{
			"tool_type":      "api_request",
			"name":           "forecast",
			"api_request_id": endpointID,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		envl := decodeEnvelope(t, w.Body)
		data, _ := json.Marshal(envl.Data)
		var tool struct {
			ID string `json:"ID"`
		}
		require.NoError(t, json.Unmarshal(data, &tool))
		ids = append(ids, tool.ID)
	}

	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/chat-settings", map[string]any{
		"name":             "Support",
		"model":            "gpt-4o",
		"enabled_tool_ids": ids,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "duplicate tool name")
}

func TestChatSettingsUpdate(t *testing.T) {
	env := newTestEnv(t)

	toolResp := doJSON(t, env.mux, http.MethodPost, "/api/v1/tools", map[string]any{
		"tool_type": "web_search_preview",
	})
	require.Equal(t, http.StatusCreated, toolResp.Code)
	envl := decodeEnvelope(t, toolResp.Body)
	data, _ := json.Marshal(envl.Data)
	var tool struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(data, &tool))

	id := createSettings(t, env, map[string]any{
		"name":          "Support",
		"model":         "gpt-4o",
		"system_prompt": "v1",
	})

	w := doJSON(t, env.mux, http.MethodPut, "/api/v1/chat-settings/"+id, map[string]any{
		"name":             "Support",
		"model":            "gpt-4o-mini",
		"system_prompt":    "v2",
		"enabled_tool_ids": []string{tool.ID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cs, err := env.store.GetChatSettings(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cs.Model)
	assert.Equal(t, "v2", cs.SystemPrompt)
	assert.Equal(t, []string{tool.ID}, []string(cs.EnabledToolIDs))
}

func TestChatSettingsUpdateMissing(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.mux, http.MethodPut, "/api/v1/chat-settings/absent", map[string]any{
		"name": "x", "model": "y",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
