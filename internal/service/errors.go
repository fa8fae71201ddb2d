package service

import "errors"

// Errors returned by the ingestion and history services. Callers match them
// with errors.Is; the wrapped message carries the device id.
var (
	ErrClientInput    = errors.New("invalid request")
	ErrNotFound       = errors.New("device not found")
	ErrNotProvisioned = errors.New("device not provisioned")
	ErrUnauthorized   = errors.New("ingest key rejected")
	ErrForbidden      = errors.New("caller does not own device")
	ErrStorage        = errors.New("storage failure")
)
