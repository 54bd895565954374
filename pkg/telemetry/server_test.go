package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler_Healthz(t *testing.T) {
	assert.Equal(t, http.StatusOK, get(t, telemetry.Handler(nil), "/healthz").Code)
}

func TestHandler_Metrics(t *testing.T) {
	telemetry.TasksSubmitted.WithLabelValues("viewing_request", "high").Inc()
	rec := get(t, telemetry.Handler(nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentflow_intake_tasks_submitted_total")
}

func TestHandler_ReadyzReportsEachCheck(t *testing.T) {
	checks := telemetry.Checks{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}
	rec := get(t, telemetry.Handler(checks), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "ok", body.Checks["redis"])
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestChecks_Ready(t *testing.T) {
	var none telemetry.Checks
	assert.NoError(t, none.Ready(context.Background()))

	checks := telemetry.Checks{
		"b": func(context.Context) error { return errors.New("down") },
		"a": func(context.Context) error { return errors.New("down") },
	}
	assert.EqualError(t, checks.Ready(context.Background()), "a not ready: down\nb not ready: down")
}
