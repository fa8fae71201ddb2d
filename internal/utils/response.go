package utils

import (
	"encoding/json"
	"net/http"

	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/models"
)

// RespondWithError sends a JSON error response using the APIError model.
// The HTTP status code comes from the APIError.
func RespondWithError(writer http.ResponseWriter, apiErr models.APIError) {
	apiErr.Success = false
	if apiErr.StatusCode == 0 {
		apiErr.StatusCode = http.StatusInternalServerError
	}
	RespondWithJSON(writer, apiErr.StatusCode, apiErr)
}

// RespondWithJSON sends a JSON success response.
func RespondWithJSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(writer).Encode(payload); err != nil {
		// Headers are already sent; all that is left is to log.
		logging.Component("http").Error("failed to encode JSON response", "error", err)
	}
}
