package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/middleware"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/sampling"
	"CapIot.ingest/internal/service"
	"CapIot.ingest/internal/utils"

	"github.com/gorilla/mux"
)

// maxBodyBytes bounds a single submission.
const maxBodyBytes = 1 << 20

// Ingester runs the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*service.IngestResult, error)
}

// HistoryReader builds reconciled series.
type HistoryReader interface {
	Series(ctx context.Context, q models.HistoryQuery, nowMs int64) (*models.HistorySeries, error)
}

// DeviceController handles HTTP requests from devices and dashboards.
type DeviceController struct {
	ingest  Ingester
	history HistoryReader
	now     func() time.Time
}

// NewDeviceController creates a new DeviceController.
func NewDeviceController(ingest Ingester, history HistoryReader) *DeviceController {
	return &DeviceController{
		ingest:  ingest,
		history: history,
		now:     time.Now,
	}
}

// HandleIngest accepts one reading from a device.
func (c *DeviceController) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	receivedAt := c.now().UnixMilli()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apiErr := models.NewAPIError(models.ErrorCodeBadRequest, fmt.Sprintf("error reading request body: %v", err), nil, http.StatusBadRequest)
		utils.RespondWithError(w, apiErr)
		return
	}
	defer r.Body.Close()

	body, err := service.DecodeBody(raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	env, err := service.Normalize(body, mux.Vars(r)["deviceId"], r.Header.Get("X-Ingest-Key"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := c.ingest.Ingest(r.Context(), service.IngestRequest{Envelope: env, ReceiptNowMs: receivedAt})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, models.IngestResponse{
		Success:           true,
		Accepted:          res.Accepted,
		Stored:            res.Stored,
		DeviceID:          res.DeviceID,
		OwnerID:           res.OwnerID,
		PlotID:            res.PlotID,
		IntervalMs:        res.IntervalMs,
		Bucket:            res.Bucket,
		BucketStart:       sampling.BucketStart(res.Bucket, res.IntervalMs),
		ResolvedTimestamp: res.ResolvedTimestamp,
		TimestampSource:   res.TimestampSource,
	})
}

// HandleHistory returns a device's reconciled series.
func (c *DeviceController) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	q := models.HistoryQuery{
		DeviceID:    mux.Vars(r)["deviceId"],
		RequesterID: middleware.Subject(r.Context()),
	}
	query := r.URL.Query()
	var err error
	if q.FromMs, err = int64Param(query.Get("from")); err != nil {
		invalidParam(w, "from")
		return
	}
	if q.ToMs, err = int64Param(query.Get("to")); err != nil {
		invalidParam(w, "to")
		return
	}
	limit, err := int64Param(query.Get("limit"))
	if err != nil {
		invalidParam(w, "limit")
		return
	}
	q.Limit = int(limit)

	series, err := c.history.Series(r.Context(), q, c.now().UnixMilli())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, series)
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// writeServiceError maps pipeline errors onto API errors.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr models.APIError
	switch {
	case errors.Is(err, service.ErrClientInput):
		apiErr = models.NewAPIError(models.ErrorCodeInvalidFormat, err.Error(), nil, http.StatusBadRequest)
	case errors.Is(err, service.ErrNotFound):
		apiErr = models.NewAPIError(models.ErrorCodeDeviceNotFound, err.Error(), nil, http.StatusNotFound)
	case errors.Is(err, service.ErrNotProvisioned):
		apiErr = models.NewAPIError(models.ErrorCodeNotProvisioned, err.Error(), nil, http.StatusConflict)
	case errors.Is(err, service.ErrUnauthorized):
		apiErr = models.NewAPIError(models.ErrorCodeInvalidKey, "ingest key rejected", nil, http.StatusForbidden)
	case errors.Is(err, service.ErrForbidden):
		apiErr = models.NewAPIError(models.ErrorCodeNotDeviceOwner, "caller does not own this device", nil, http.StatusForbidden)
	case errors.Is(err, service.ErrStorage):
		apiErr = models.NewAPIError(models.ErrorCodeStorageFailure, "storage unavailable, retry later", nil, http.StatusInternalServerError)
	default:
		logging.WithContext(r.Context(), logging.Component("http")).Error("unhandled error", "path", r.URL.Path, "error", err)
		apiErr = models.NewAPIError(models.ErrorCodeInternalServerError, "internal server error", nil, http.StatusInternalServerError)
	}
	utils.RespondWithError(w, apiErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	apiErr := models.NewAPIError(models.ErrorCodeMethodNotAllowed, "Method not allowed", nil, http.StatusMethodNotAllowed)
	utils.RespondWithError(w, apiErr)
}

func invalidParam(w http.ResponseWriter, name string) {
	msg := fmt.Sprintf("%s must be a non-negative integer", name)
	apiErr := models.NewAPIError(models.ErrorCodeInvalidFormat, msg, map[string]string{"parameter": name}, http.StatusBadRequest)
	utils.RespondWithError(w, apiErr)
}

func int64Param(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative")
	}
	return n, nil
}
