package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	done := ConnectionOpened("trusted")
	done()
	done()
	RecordHandshakeFailure("magic")
	RecordNegotiated("1.38")
	RecordOperation("IsValidPath", OutcomeOK, 3*time.Millisecond)
	RecordLogFrame("next")
	RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
}

func TestAdminRouter(t *testing.T) {
	testlog.Start(t)
	r := NewAdminRouter(zerolog.Nop(), Status{
		Started:     time.Now(),
		Version:     "test",
		StoreDir:    "/nix/store",
		Connections: func() int64 { return 2 },
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(2), body["connections"])

	RecordOperation("QueryPathInfo", OutcomeStoreError, time.Millisecond)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "nixwire_daemon_operations_total"))
}
