// Package google pushes local event changes to Google Calendar and keeps
// per-owner OAuth access tokens fresh.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/natindo/PrayerVigil/internal/models"
)

const (
	DefaultAPIBase = "https://www.googleapis.com/calendar/v3"
	maxErrorBody   = 2048
)

// APIError is a non-2xx answer from the Calendar API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google calendar: status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
// Auth failures, timeouts and rate limits are retried.
func (e *APIError) Permanent() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

// Client talks to the Calendar v3 REST API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for base, or DefaultAPIBase when base is empty.
func NewClient(base string, hc *http.Client) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{base: base, http: hc}
}

type eventTime struct {
	DateTime string `json:"dateTime"`
}

// PatchBody builds the PATCH document carrying only the listed fields.
func PatchBody(ev *models.Event, fields []string) map[string]any {
	body := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case models.FieldTitle:
			body["summary"] = ev.Title
		case models.FieldDescription:
			body["description"] = ev.Description
		case models.FieldStart:
			body["start"] = eventTime{DateTime: ev.StartTime.Format(time.RFC3339)}
		case models.FieldEnd:
			body["end"] = eventTime{DateTime: ev.EndTime.Format(time.RFC3339)}
		case models.FieldTransparency:
			body["transparency"] = ev.Transparency
		case models.FieldStatus:
			body["status"] = ev.Status
		}
	}
	return body
}

// PatchEvent sends the listed fields of ev to its linked Google event.
func (c *Client) PatchEvent(ctx context.Context, token string, ev *models.Event, fields []string) error {
	payload, err := json.Marshal(PatchBody(ev, fields))
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		c.base, url.PathEscape(ev.ExternalCalendarID), url.PathEscape(ev.ExternalEventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("google calendar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	// The cap can land inside a multi-byte rune; drop the partial tail.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.ToValidUTF8(string(body), "")}
}
