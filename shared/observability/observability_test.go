package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_ExportsMeterCounters(t *testing.T) {
	p, err := Setup(Config{ServiceName: "crisis-test", Version: "test"})
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	counter, err := p.MeterProvider.Meter("test").Int64Counter("crisis_escalations_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crisis_escalations_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
