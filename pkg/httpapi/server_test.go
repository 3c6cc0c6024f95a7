package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/plugin"
)

func newTestServer(t *testing.T, lc *plugin.Lifecycle) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	t.Cleanup(func() { _ = db.Close() })
	client := database.NewClientFromDB(db)
	return NewServer(client, lc, "test"), mock
}

func TestHealthz_ReturnsOKWhenDatabaseReachable(t *testing.T) {
	s, mock := newTestServer(t, nil)
	mock.ExpectPing()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthz_ReturnsUnavailableWhenDatabaseUnreachable(t *testing.T) {
	s, mock := newTestServer(t, nil)
	mock.ExpectPing().WillReturnError(assertPingErr{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadyz_ReturnsUnavailableWhenLifecycleNilOrNotStarted(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyz_ReturnsUnavailableForUnstartedLifecycle(t *testing.T) {
	lc := plugin.New(plugin.Deps{})
	s, _ := newTestServer(t, lc)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	s.engine.ServeHTTP(rec, req)

	// Freshly constructed, never started: not ready yet.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

type assertPingErr struct{}

func (assertPingErr) Error() string { return "ping failed" }
