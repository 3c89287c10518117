package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/slotd/api"
)

// APIError is returned when the admin endpoint answers with a non-2xx status.
type APIError struct {
	Status   int
	Response api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Response.Detail != "" {
		return fmt.Sprintf("slotd admin: %s (%d): %s", e.Response.ErrorCode, e.Status, e.Response.Detail)
	}
	return fmt.Sprintf("slotd admin: %s (%d)", e.Response.ErrorCode, e.Status)
}

// Admin talks to a server's admin HTTP listener.
type Admin struct {
	base string
	http *http.Client
}

// AdminOption customises an Admin client.
type AdminOption func(*Admin)

// WithAdminHTTPClient supplies a custom HTTP client. Its transport is wrapped
// with otelhttp.
func WithAdminHTTPClient(cli *http.Client) AdminOption {
	return func(a *Admin) {
		if cli != nil {
			a.http = cli
		}
	}
}

// WithAdminTimeout bounds each admin request. Zero or negative keeps the
// default.
func WithAdminTimeout(d time.Duration) AdminOption {
	return func(a *Admin) {
		if d > 0 {
			cli := *a.http
			cli.Timeout = d
			a.http = &cli
		}
	}
}

// NewAdmin returns a client for the admin API at baseURL. A bare host:port is
// treated as http.
func NewAdmin(baseURL string, opts ...AdminOption) (*Admin, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("slotd admin: base url required")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("slotd admin: parse base url: %w", err)
	}
	a := &Admin{
		base: strings.TrimSuffix(u.String(), "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	cli := *a.http
	base := cli.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	cli.Transport = otelhttp.NewTransport(base)
	a.http = &cli
	return a, nil
}

// Status fetches the server status.
func (a *Admin) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := a.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// SetAccepting pauses or resumes accepting connections.
func (a *Admin) SetAccepting(ctx context.Context, enabled bool) error {
	q := url.Values{"enabled": {strconv.FormatBool(enabled)}}
	return a.do(ctx, http.MethodPost, "/v1/accepting", q, &api.ToggleResponse{})
}

// SetAdmission enables or disables granting new leases.
func (a *Admin) SetAdmission(ctx context.Context, enabled bool) error {
	q := url.Values{"enabled": {strconv.FormatBool(enabled)}}
	return a.do(ctx, http.MethodPost, "/v1/admission", q, &api.ToggleResponse{})
}

// SetLeaseTimeout changes the preemption window.
func (a *Admin) SetLeaseTimeout(ctx context.Context, d time.Duration) error {
	q := url.Values{"value": {d.String()}}
	return a.do(ctx, http.MethodPost, "/v1/lease-timeout", q, &api.LeaseTimeoutResponse{})
}

// FreeAll releases every lease and returns how many were freed.
func (a *Admin) FreeAll(ctx context.Context) (int, error) {
	var out api.FreeAllResponse
	err := a.do(ctx, http.MethodPost, "/v1/free-all", nil, &out)
	return out.Freed, err
}

func (a *Admin) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := a.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("slotd admin: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("slotd admin: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("slotd admin: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr.Response); err != nil || apiErr.Response.ErrorCode == "" {
			apiErr.Response.ErrorCode = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("slotd admin: decode response: %w", err)
	}
	return nil
}
