package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrHTTPStatus is returned when the storage collaborator answers with a non-2xx status.
var ErrHTTPStatus = errors.New("unexpected http status")

// HTTPFetcher downloads exports from an HTTP(S) storage endpoint.
type HTTPFetcher struct {
	Client *http.Client
	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string
	// APIKey is sent as the "apikey" header when non-empty.
	APIKey string
}

// NewHTTPFetcher returns a fetcher with a client bounded by timeout (0 means no client timeout).
func NewHTTPFetcher(token, apiKey string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{Timeout: timeout},
		Token:  token,
		APIKey: apiKey,
	}
}

// Fetch streams the body at url into w using fixed-size writes.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("Fetch: build request: %w", err)
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	if f.APIKey != "" {
		req.Header.Set("apikey", f.APIKey)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("Fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("Fetch: %w: %s", ErrHTTPStatus, resp.Status)
	}

	n, err := io.CopyBuffer(w, resp.Body, make([]byte, copyBufferSize))
	if err != nil {
		return n, fmt.Errorf("Fetch: read body: %w", err)
	}
	return n, nil
}
