// Package wfs downloads features from an OGC Web Feature Service with a single GetFeature request.
package wfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pdok/layersync/feature"
)

const (
	DefaultVersion      = "2.0.0"
	DefaultOutputFormat = "json"
	DefaultMaxBodySize  = 1 << 30
)

// Request describes a GetFeature request. URL and TypeName are required.
type Request struct {
	URL          string
	TypeName     string
	Version      string
	OutputFormat string
	// SRSName asks the server to reproject, e.g. "EPSG:4326". Empty leaves the native CRS.
	SRSName string
}

// TransportError means the request did not produce a successful HTTP response.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wfs request %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("wfs request %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError means the response body is not a GeoJSON feature collection.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wfs response %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is the decoded collection plus the raw body, for archiving.
type Result struct {
	Collection *feature.Collection
	Raw        []byte
	URL        string
}

type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

func WithMaxBodySize(n int64) Option {
	return func(f *Fetcher) { f.maxBodySize = n }
}

// NewFetcher creates a Fetcher whose requests, including reading the body, time out after timeout.
func NewFetcher(timeout time.Duration, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      &http.Client{Timeout: timeout},
		userAgent:   "layersync",
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetFeatureURL builds the GetFeature request URL, keeping query parameters already on req.URL.
func GetFeatureURL(req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf(`unsupported url scheme "%v"`, u.Scheme)
	}
	if req.TypeName == "" {
		return "", errors.New("type name is required")
	}
	version := req.Version
	if version == "" {
		version = DefaultVersion
	}
	outputFormat := req.OutputFormat
	if outputFormat == "" {
		outputFormat = DefaultOutputFormat
	}
	q := u.Query()
	q.Set("service", "WFS")
	q.Set("version", version)
	q.Set("request", "GetFeature")
	q.Set("typeName", req.TypeName)
	q.Set("outputFormat", outputFormat)
	if req.SRSName != "" {
		q.Set("srsName", req.SRSName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch issues one GetFeature request. It does not retry.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	getFeatureURL, err := GetFeatureURL(req)
	if err != nil {
		return nil, &TransportError{URL: req.URL, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, getFeatureURL, nil)
	if err != nil {
		return nil, &TransportError{URL: getFeatureURL, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json, application/geo+json;q=0.9, */*;q=0.1")
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{URL: getFeatureURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, &TransportError{URL: getFeatureURL, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{URL: getFeatureURL, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, &ParseError{URL: getFeatureURL, Err: fmt.Errorf("response exceeds %d bytes", f.maxBodySize)}
	}
	if report := exceptionReport(body); report != "" {
		return nil, &ParseError{URL: getFeatureURL, Err: fmt.Errorf("service exception: %s", report)}
	}

	collection, err := feature.DecodeGeoJSON(body)
	if err != nil {
		return nil, &ParseError{URL: getFeatureURL, Err: err}
	}
	return &Result{Collection: collection, Raw: body, URL: getFeatureURL}, nil
}

var exceptionTextRegex = regexp.MustCompile(`(?s)<(?:\w+:)?ExceptionText>(.*?)</(?:\w+:)?ExceptionText>`)

// exceptionReport returns the text of an OGC ExceptionReport, which some servers send with status 200.
func exceptionReport(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return ""
	}
	if m := exceptionTextRegex.FindSubmatch(trimmed); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return snippet(trimmed)
}

func snippet(body []byte) string {
	const maxLen = 200
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}
