package routes

import (
	"net/http"

	"CapIot.ingest/internal/controller"
	"CapIot.ingest/internal/metrics"
	"CapIot.ingest/internal/middleware"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/utils"

	"github.com/gorilla/mux"
)

// RegisterRoutes registers all application routes. auth guards the
// user-facing routes and may be nil when authentication is disabled.
func RegisterRoutes(router *mux.Router, ctrl *controller.DeviceController, auth func(http.Handler) http.Handler) {
	router.Use(middleware.RequestID, middleware.AccessLog)

	// Devices report on either route. Non-POST methods reach the handler
	// so they get a JSON 405.
	router.HandleFunc("/ingest", ctrl.HandleIngest)
	router.HandleFunc("/ingest/{deviceId}", ctrl.HandleIngest)

	var history http.Handler = http.HandlerFunc(ctrl.HandleHistory)
	if auth != nil {
		history = auth(history)
	}
	router.Handle("/devices/{deviceId}/history", history)

	router.HandleFunc("/health", controller.HandleHealth)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeNotFound, "route not found", nil, http.StatusNotFound))
	})
}
