package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpdateRejected is returned when the REST endpoint answers outside 2xx.
var ErrUpdateRejected = errors.New("job update rejected")

// REST patches rows through a PostgREST-style endpoint:
// PATCH {BaseURL}/rest/v1/{Table}?{KeyColumn}=eq.{jobID}.
type REST struct {
	BaseURL   string
	Table     string
	KeyColumn string
	// ServiceKey is sent both as the apikey header and as the bearer token.
	ServiceKey string
	Client     *http.Client
	Now        func() time.Time
}

// NewREST returns a REST store for table keyed by keyColumn.
func NewREST(baseURL, table, keyColumn, serviceKey string) *REST {
	return &REST{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Table:      table,
		KeyColumn:  keyColumn,
		ServiceKey: serviceKey,
		Client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *REST) endpoint(jobID string) string {
	q := url.Values{}
	q.Set(r.KeyColumn, "eq."+jobID)
	return fmt.Sprintf("%s/rest/v1/%s?%s", r.BaseURL, url.PathEscape(r.Table), q.Encode())
}

// UpdateJob sends the patch as a minimal-return PATCH.
func (r *REST) UpdateJob(ctx context.Context, jobID string, patch JobPatch) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	body, err := json.Marshal(patch.Fields(now()))
	if err != nil {
		return fmt.Errorf("UpdateJob: encode patch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, r.endpoint(jobID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("UpdateJob: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")
	if r.ServiceKey != "" {
		req.Header.Set("apikey", r.ServiceKey)
		req.Header.Set("Authorization", "Bearer "+r.ServiceKey)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("UpdateJob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("UpdateJob: %w: %s: %s", ErrUpdateRejected, resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
