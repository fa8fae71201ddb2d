package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CapIot.ingest/internal/config"
	"CapIot.ingest/internal/controller"
	"CapIot.ingest/internal/middleware"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/repository"
	"CapIot.ingest/internal/service"
	"CapIot.ingest/internal/timeresolve"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var auth = config.AuthConfig{Issuer: "https://capiot.test/", Audience: "capiot-ingest", Secret: "routes-secret"}

func newRouter(t *testing.T) *mux.Router {
	t.Helper()
	repo := repository.NewTelemetryRepository(repository.NewMemoryStore())
	require.NoError(t, repo.PutDevice(context.Background(), models.Device{ID: "M1", OwnerID: "U1", PlotID: "P1"}))

	ctrl := controller.NewDeviceController(
		service.NewIngestionService(repo, repo),
		service.NewHistoryService(repo, repo, timeresolve.Default),
	)
	mw, err := middleware.NewJWTMiddleware(auth)
	require.NoError(t, err)

	r := mux.NewRouter()
	RegisterRoutes(r, ctrl, mw)
	return r
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": auth.Issuer,
		"aud": auth.Audience,
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(auth.Secret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIngestIsOpenToDevices(t *testing.T) {
	r := newRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/ingest/M1", strings.NewReader(`{"moisture":12}`))
	rec := serve(r, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestHistoryRequiresOwner(t *testing.T) {
	r := newRouter(t)

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/devices/M1/history", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/devices/M1/history", nil)
	req.Header.Set("Authorization", bearer(t, "U2"))
	rec = serve(r, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/devices/M1/history", nil)
	req.Header.Set("Authorization", bearer(t, "U1"))
	rec = serve(r, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var series models.HistorySeries
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	assert.Equal(t, "U1", series.OwnerID)
}

func TestUnknownRouteIsJSON(t *testing.T) {
	rec := serve(newRouter(t), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_found"`)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t)
	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "telemetry_http_requests_total")
}
