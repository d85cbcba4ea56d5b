package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "Weather API", "version": "1.0.0"},
  "servers": [{"url": "https://api.weather.test"}],
  "paths": {
    "/forecast/{city}": {
      "get": {
        "operationId": "getForecast",
        "summary": "Forecast for a city",
        "parameters": [
          {"name": "city", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "days", "in": "query", "schema": {"type": "integer"}},
          {"name": "api_key", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reader = &bytes.Buffer{}
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	}
	r := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func importWeatherDoc(t *testing.T, env *testEnv) (apiID, endpointID string) {
	t.Helper()
	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/apis/import", map[string]any{
		"document":     weatherDoc,
		"create_tools": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeEnvelope(t, w.Body)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var report struct {
		ApiID        string `json:"api_id"`
		Created      int    `json:"created"`
		ToolsCreated int    `json:"tools_created"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, 1, report.Created)
	require.Equal(t, 1, report.ToolsCreated)

	endpoints, err := env.store.ListApiRequests(t.Context(), report.ApiID)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	return report.ApiID, endpoints[0].ID
}

func TestImportAndListApis(t *testing.T) {
	env := newTestEnv(t)
	apiID, _ := importWeatherDoc(t, env)

	w := doJSON(t, env.mux, http.MethodGet, "/api/v1/apis", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.mux, http.MethodGet, "/api/v1/apis/"+apiID+"/endpoints", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/forecast/{city}")
}

func TestImportRequiresUrlOrDocument(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/apis/import", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, env.mux, http.MethodPost, "/api/v1/apis/import", map[string]any{
		"url":      "https://example.test/openapi.json",
		"document": weatherDoc,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportRejectsBadDocument(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.mux, http.MethodPost, "/api/v1/apis/import", map[string]any{
		"document": `{"openapi":"2.0","paths":{}}`,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdatePolicy(t *testing.T) {
	env := newTestEnv(t)
	_, endpointID := importWeatherDoc(t, env)

	w := doJSON(t, env.mux, http.MethodPut, "/api/v1/endpoints/"+endpointID+"/policy", map[string]any{
		"constant_parameters": map[string]any{"api_key": "secret"},
		"keys_mapping":        map[string]any{"city": "location"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	endpoint, err := env.store.GetApiRequest(t.Context(), endpointID)
	require.NoError(t, err)
	assert.Equal(t, "secret", endpoint.ConstantParameters["api_key"])
	assert.Equal(t, "location", endpoint.KeysMapping["city"])
}

func TestUpdatePolicyRejectsConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, endpointID := importWeatherDoc(t, env)

	// Skip and constant disagree on the same parameter.
	w := doJSON(t, env.mux, http.MethodPut, "/api/v1/endpoints/"+endpointID+"/policy", map[string]any{
		"skip_parameters":     map[string]any{"api_key": "one"},
		"constant_parameters": map[string]any{"api_key": "two"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeEnvelope(t, w.Body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(CodeConflict), resp.Error.Code)

	// The stored policy is untouched.
	endpoint, err := env.store.GetApiRequest(t.Context(), endpointID)
	require.NoError(t, err)
	assert.Empty(t, endpoint.SkipParameters)
}

func TestUpdatePolicyRejectsUnknownParameter(t *testing.T) {
	env := newTestEnv(t)
	_, endpointID := importWeatherDoc(t, env)

	w := doJSON(t, env.mux, http.MethodPut, "/api/v1/endpoints/"+endpointID+"/policy", map[string]any{
		"skip_parameters": map[string]any{"no_such_param": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdatePolicyMissingEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.mux, http.MethodPut, "/api/v1/endpoints/nope/policy", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
