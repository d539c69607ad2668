// Package arcgis is a minimal client for the ArcGIS REST API: token login, item and layer
// lookup, and the truncate and addFeatures edits of a hosted feature layer.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultPortalURL = "https://www.arcgis.com"

	defaultTokenLifetime = 60 * time.Minute
	tokenRefreshMargin   = 5 * time.Minute
	maxResponseSize      = 64 << 20
)

var (
	ErrItemNotFound  = errors.New("item not found")
	ErrSessionClosed = errors.New("session closed")
)

// APIError is an error reported by the REST API, either as a non-2xx status or as an
// "error" member in a 200 response.
type APIError struct {
	URL         string
	StatusCode  int
	Code        int
	MessageCode string
	Message     string
	Details     []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("arcgis %s: error %d: %s", e.URL, e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

type Client struct {
	portalURL     string
	http          *http.Client
	referer       string
	tokenLifetime time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func WithReferer(r string) Option {
	return func(cl *Client) { cl.referer = r }
}

func WithTokenLifetime(d time.Duration) Option {
	return func(cl *Client) { cl.tokenLifetime = d }
}

// NewClient returns a client for the portal at portalURL. Every request times out after timeout.
func NewClient(portalURL string, timeout time.Duration, opts ...Option) *Client {
	if portalURL == "" {
		portalURL = DefaultPortalURL
	}
	c := &Client{
		portalURL:     strings.TrimRight(portalURL, "/"),
		http:          &http.Client{Timeout: timeout},
		referer:       "layersync",
		tokenLifetime: defaultTokenLifetime,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Code        int      `json:"code"`
	MessageCode string   `json:"messageCode"`
	Message     string   `json:"message"`
	Details     []string `json:"details"`
}

// post sends form as application/x-www-form-urlencoded and decodes the JSON response into out.
// The form is never logged since it can hold a password or token.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	form.Set("f", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Referer", c.referer)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}
	c.logger.Debug("arcgis request", "url", endpoint, "status", resp.StatusCode,
		"bytes", len(body), "duration", time.Since(start))

	var envelope struct {
		Error *apiError `json:"error"`
	}
	decodeErr := json.Unmarshal(body, &envelope)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &APIError{URL: endpoint, StatusCode: resp.StatusCode, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && envelope.Error != nil {
			e.Code, e.MessageCode, e.Message, e.Details = envelope.Error.Code, envelope.Error.MessageCode, envelope.Error.Message, envelope.Error.Details
		}
		return e
	}
	if decodeErr != nil {
		return fmt.Errorf("arcgis %s: invalid response: %w", endpoint, decodeErr)
	}
	if envelope.Error != nil {
		return &APIError{
			URL:         endpoint,
			StatusCode:  resp.StatusCode,
			Code:        envelope.Error.Code,
			MessageCode: envelope.Error.MessageCode,
			Message:     envelope.Error.Message,
			Details:     envelope.Error.Details,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("arcgis %s: invalid response: %w", endpoint, err)
	}
	return nil
}
