// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements backend.API against the tracking
// service's HTTP/JSON endpoints. Every request passes through a token
// bucket so a burst of uploads or file-stream flushes cannot exceed the
// service's rate limit.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/version"
)

// maxResponseSize bounds JSON response reads. Legitimate responses are
// orders of magnitude smaller.
const maxResponseSize int64 = 16 << 20

// Options configures a Client. BaseURL is required.
type Options struct {
	BaseURL string
	APIKey  string

	// HTTPClient defaults to a client with a 60 second timeout.
	HTTPClient *http.Client

	// RequestsPerSecond and Burst size the rate limiter. Zero
	// RequestsPerSecond disables limiting.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ backend.API = (*Client)(nil)

// New validates options and returns a Client.
func New(options Options) (*Client, error) {
	if options.BaseURL == "" {
		return nil, errors.New("httpapi: base URL is required")
	}
	baseURL, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpapi: parsing base URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("httpapi: base URL %q must be http or https", options.BaseURL)
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if options.RequestsPerSecond > 0 {
		burst := options.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), burst)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     options.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	target := *c.baseURL
	target.Path = c.baseURL.Path + "/" + strings.Join(segments, "/")
	target.RawPath = c.baseURL.EscapedPath() + "/" + strings.Join(escaped, "/")
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

// send waits for the rate limiter, performs request and decodes a JSON
// response into out when out is non-nil.
func (c *Client) send(request *http.Request, out any) error {
	if err := c.limiter.Wait(request.Context()); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	if c.apiKey != "" {
		request.SetBasicAuth("api", c.apiKey)
	}
	request.Header.Set("User-Agent", "runstream/"+version.Version)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", request.Method, request.URL.Path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
		return fmt.Errorf("%s %s: %w", request.Method, request.URL.Path,
			&backend.StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseSize))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", request.URL.Path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", request.URL.Path, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", target, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", target, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return c.send(request, out)
}

func (c *Client) UpsertRun(ctx context.Context, run backend.RunUpsert) (*backend.RunInfo, error) {
	var info backend.RunInfo
	if err := c.call(ctx, http.MethodPost, c.endpoint(nil, "api", "runs", "upsert"), run, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) RunResumeStatus(ctx context.Context, run backend.RunRef) (*backend.ResumeStatus, error) {
	var status backend.ResumeStatus
	err := c.call(ctx, http.MethodGet, c.endpoint(nil, "api", "runs", run.Entity, run.Project, run.RunID, "resume"), nil, &status)
	var statusError *backend.StatusError
	if errors.As(err, &statusError) && statusError.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) CheckStopRequested(ctx context.Context, run backend.RunRef) (bool, error) {
	var reply struct {
		StopRequested bool `json:"stop_requested"`
	}
	err := c.call(ctx, http.MethodGet, c.endpoint(nil, "api", "runs", run.Entity, run.Project, run.RunID, "stop"), nil, &reply)
	return reply.StopRequested, err
}

func (c *Client) ServerInfo(ctx context.Context) (*backend.ServerInfo, error) {
	var info backend.ServerInfo
	if err := c.call(ctx, http.MethodGet, c.endpoint(nil, "api", "server-info"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Viewer(ctx context.Context) (*backend.Viewer, error) {
	var viewer backend.Viewer
	if err := c.call(ctx, http.MethodGet, c.endpoint(nil, "api", "viewer"), nil, &viewer); err != nil {
		return nil, err
	}
	return &viewer, nil
}

func (c *Client) CheckVersion(ctx context.Context, currentVersion string) (*backend.VersionInfo, error) {
	var info backend.VersionInfo
	query := url.Values{"current": {currentVersion}}
	if err := c.call(ctx, http.MethodGet, c.endpoint(query, "api", "version"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) NotifyAlert(ctx context.Context, alert backend.Alert) error {
	return c.call(ctx, http.MethodPost, c.endpoint(nil, "api", "runs", alert.Entity, alert.Project, alert.RunID, "alerts"), alert, nil)
}

func (c *Client) FileStream(ctx context.Context, request backend.FileStreamRequest) error {
	return c.call(ctx, http.MethodPost, c.endpoint(nil, "files", request.Entity, request.Project, request.RunID, "file_stream"), request, nil)
}

func (c *Client) UploadFile(ctx context.Context, upload backend.Upload) error {
	segments := append([]string{"files", upload.Entity, upload.Project, upload.RunID}, strings.Split(upload.Name, "/")...)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(nil, segments...), bytes.NewReader(upload.Body))
	if err != nil {
		return fmt.Errorf("building upload request for %s: %w", upload.Name, err)
	}
	request.ContentLength = int64(len(upload.Body))
	if upload.ContentType != "" {
		request.Header.Set("Content-Type", upload.ContentType)
	}
	if upload.ContentEncoding != "" {
		request.Header.Set("Content-Encoding", upload.ContentEncoding)
	}
	request.Header.Set("X-Decoded-Content-Length", strconv.FormatInt(upload.Size, 10))
	if upload.Digest != "" {
		request.Header.Set("X-Content-Digest", "blake3="+upload.Digest)
	}
	return c.send(request, nil)
}

func (c *Client) CreateArtifact(ctx context.Context, artifact backend.Artifact) (string, error) {
	var reply struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, c.endpoint(nil, "api", "artifacts"), artifact, &reply); err != nil {
		return "", err
	}
	return reply.ID, nil
}

func (c *Client) CommitArtifact(ctx context.Context, artifactID string) error {
	return c.call(ctx, http.MethodPost, c.endpoint(nil, "api", "artifacts", artifactID, "commit"), nil, nil)
}
