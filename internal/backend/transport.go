// Package backend is the client side of the capture backend's HTTP surface.
// Transport performs raw GET/POST calls; Client wraps each endpoint with a
// typed result, turning the application-level status flag into *AppError.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransportError reports a network failure, a non-2xx response or an
// undecodable body. No application-level payload is available.
type TransportError struct {
	Method     string
	Path       string
	StatusCode int   // 0 when no response was received
	Err        error // Underlying error (nil for plain non-2xx responses)
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("backend: %s %s: status %d", e.Method, e.Path, e.StatusCode)
	default:
		return fmt.Sprintf("backend: %s %s: %s", e.Method, e.Path, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Doer is the subset of *http.Client used by Transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport issues JSON requests against the backend. Each call resolves
// exactly once and is never retried. Success hands back the decoded body
// regardless of the application-level status flag inside it.
type Transport struct {
	baseURL string
	http    Doer
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(d Doer) TransportOption {
	return func(t *Transport) { t.http = d }
}

// WithTimeout sets a per-request timeout on the default HTTP client.
// Zero means no timeout: a hung request stalls its flow until ctx is done.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.http = &http.Client{Timeout: d} }
}

// NewTransport creates a Transport for the backend rooted at baseURL.
func NewTransport(baseURL string, opts ...TransportOption) *Transport {
	t := &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get performs a GET request and decodes the JSON body into out.
func (t *Transport) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return &TransportError{Method: http.MethodGet, Path: path, Err: err}
	}
	return t.do(req, path, out)
}

// Post performs a form-encoded POST request and decodes the JSON body into out.
// A nil form sends an empty body.
func (t *Transport) Post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Method: http.MethodPost, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req, path, out)
}

func (t *Transport) do(req *http.Request, path string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return &TransportError{Method: req.Method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return &TransportError{Method: req.Method, Path: path, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{
			Method: req.Method, Path: path, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decoding response: %w", err),
		}
	}
	return nil
}
