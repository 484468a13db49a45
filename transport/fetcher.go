package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"freelancehub/collab/store"
)

// Fetcher loads document snapshots over the server's HTTP API. It
// satisfies the session's Fetcher dependency for clients that do not share
// a process with the store.
type Fetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewFetcher(baseURL, token string) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *Fetcher) Fetch(ctx context.Context, id string) (store.Document, error) {
	u := f.baseURL + "/api/documents/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return store.Document{}, fmt.Errorf("transport: build fetch request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return store.Document{}, fmt.Errorf("transport: fetch %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return store.Document{}, store.ErrNotFound
	default:
		return store.Document{}, fmt.Errorf("transport: fetch %s: unexpected status %s", id, resp.Status)
	}
	var doc store.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return store.Document{}, fmt.Errorf("transport: decode document %s: %w", id, err)
	}
	return doc, nil
}
