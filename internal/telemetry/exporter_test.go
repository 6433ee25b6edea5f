package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitPrometheus_ExposesCounters(t *testing.T) {
	handler, shutdown, err := InitPrometheus()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})

	m, err := NewGlobal()
	require.NoError(t, err)
	m.JobSkipped(context.Background(), "package_renew_id", "already_running")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "jobs_skipped")
	assert.Contains(t, rr.Body.String(), `reason="already_running"`)
}
