package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CapIot.ingest/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, models.NewAPIError(models.ErrorCodeDeviceNotFound, "device not found", nil, http.StatusNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"success": false,
		"code":    "device_not_found",
		"error":   "device not found",
	}, body)
}

func TestRespondWithErrorDefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, models.APIError{Code: models.ErrorCodeInternalServerError, Message: "boom"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRespondWithJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithJSON(rec, http.StatusCreated, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
