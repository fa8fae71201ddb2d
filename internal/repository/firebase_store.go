package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// FirebaseStore talks to a Firebase Realtime Database over its REST API.
// Multi-path updates are sent as a single PATCH at the root, which the
// database applies atomically.
type FirebaseStore struct {
	client *resty.Client
}

// NewFirebaseStore creates a store for the database at baseURL. auth is a
// database secret or ID token and may be empty for open rules.
func NewFirebaseStore(baseURL, auth string) *FirebaseStore {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)
	if auth != "" {
		client.SetQueryParam("auth", auth)
	}
	return &FirebaseStore{client: client}
}

func resourceURL(p string) string {
	return "/" + p + ".json"
}

func (s *FirebaseStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, p, false)
}

func (s *FirebaseStore) get(ctx context.Context, p string, shallow bool) (json.RawMessage, error) {
	req := s.client.R().SetContext(ctx)
	if shallow {
		req.SetQueryParam("shallow", "true")
	}
	resp, err := req.Get(resourceURL(p))
	if err != nil {
		return nil, fmt.Errorf("firebase get %s: %w", p, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("firebase get %s: %s", p, resp.Status())
	}
	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), body...), nil
}

func (s *FirebaseStore) Set(ctx context.Context, path string, value any) error {
	encoded, err := encodeUpdates(map[string]any{path: value})
	if err != nil {
		return err
	}
	for p, doc := range encoded {
		req := s.client.R().SetContext(ctx)
		var resp *resty.Response
		if doc == nil {
			resp, err = req.Delete(resourceURL(p))
		} else {
			resp, err = req.SetBody([]byte(doc)).Put(resourceURL(p))
		}
		if err != nil {
			return fmt.Errorf("firebase set %s: %w", p, err)
		}
		if resp.IsError() {
			return fmt.Errorf("firebase set %s: %s", p, resp.Status())
		}
	}
	return nil
}

func (s *FirebaseStore) Update(ctx context.Context, updates map[string]any) error {
	encoded, err := encodeUpdates(updates)
	if err != nil {
		return err
	}
	body := make(map[string]json.RawMessage, len(encoded))
	for p, doc := range encoded {
		if doc == nil {
			doc = json.RawMessage("null")
		}
		body[p] = doc
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode multi-path update: %w", err)
	}

	resp, err := s.client.R().SetContext(ctx).SetBody(payload).Patch(resourceURL(""))
	if err != nil {
		return fmt.Errorf("firebase multi-path update: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("firebase multi-path update: %s", resp.Status())
	}
	return nil
}

func (s *FirebaseStore) Exists(ctx context.Context, path string) (bool, error) {
	p, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	_, err = s.get(ctx, p, true)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
