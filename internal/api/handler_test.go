// internal/api/handler_test.go
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-metadata-harvester/internal/model"
)

func TestHandler_Report(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	status := NewStatus()
	server := httptest.NewServer(NewRouter(status, logger))
	defer server.Close()

	get := func(t *testing.T, path string) statusResponse {
		t.Helper()
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body statusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("reports progress while running", func(t *testing.T) {
		status.SetProgress(3, 10)
		body := get(t, "/v1/report")
		assert.Equal(t, "running", body.Phase)
		assert.Equal(t, 3, body.Processed)
		assert.Equal(t, 10, body.Total)
		assert.Nil(t, body.Report)
	})

	t.Run("reports the final report once finished", func(t *testing.T) {
		status.SetReport(model.RunReport{RunID: "run-1", Total: 10, Loaded: 8, Skipped: 1, Failed: 1})
		body := get(t, "/v1/report")
		assert.Equal(t, "finished", body.Phase)
		require.NotNil(t, body.Report)
		assert.Equal(t, "run-1", body.Report.RunID)
		assert.Equal(t, 8, body.Report.Loaded)
	})
}
