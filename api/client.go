package api

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

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/synthgate/synthgate/metrics"
)

const (
	headerAPIKey = "SG-API-KEY"
	headerAppKey = "SG-APP-KEY"

	defaultTimeout               = 30 * time.Second
	defaultMaxConcurrentRequests = 8
)

// HTTPError is a non-2xx response from the backend.
type HTTPError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Status, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 when err does not wrap
// an HTTPError.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// Config carries everything needed to talk to one backend site.
type Config struct {
	// Site is the backend domain, e.g. "synthgate.io". API calls go to
	// https://api.<site>.
	Site string
	// BaseURL overrides the URL derived from Site. Mainly for tests.
	BaseURL string
	APIKey  string
	AppKey  string
	// ProxyURL routes API calls through an egress proxy when set.
	ProxyURL *url.URL
	Timeout  time.Duration
	// MaxConcurrentRequests bounds in-flight calls to the backend.
	MaxConcurrentRequests int64
	Log                   log.Logger
}

// Client is a thin typed wrapper over the backend's HTTP endpoints. It does
// no retrying of its own; callers that want retries loop around it.
type Client struct {
	baseURL string
	apiKey  string
	appKey  string
	client  *limitedHTTPClient
	log     log.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.AppKey == "" {
		return nil, errors.New("api: an API key and an application key are required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Site == "" {
			return nil, errors.New("api: a site is required")
		}
		baseURL = "https://api." + cfg.Site
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent == 0 {
		maxConcurrent = defaultMaxConcurrentRequests
	}
	transport := http.DefaultTransport
	if cfg.ProxyURL != nil {
		transport = &http.Transport{Proxy: http.ProxyURL(cfg.ProxyURL)}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		appKey:  cfg.AppKey,
		client: &limitedHTTPClient{
			Client: http.Client{Timeout: timeout, Transport: transport},
			sem:    semaphore.NewWeighted(maxConcurrent),
		},
		log: cfg.Log,
	}, nil
}

// SearchTests resolves a search expression to the tests matching it.
func (c *Client) SearchTests(ctx context.Context, query string) ([]TestSummary, error) {
	var out SearchResponse
	path := "/api/v1/synthetics/tests/search?text=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tests, nil
}

// GetTest fetches the canonical definition of one test.
func (c *Client) GetTest(ctx context.Context, publicID string) (*Test, error) {
	var out Test
	if err := c.do(ctx, http.MethodGet, "/api/v1/synthetics/tests/"+url.PathEscape(publicID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerTests starts one execution per entry in the request.
func (c *Client) TriggerTests(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	var out TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/synthetics/tests/trigger/ci", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PollResults reports the current outcome of the given execution instances.
// The backend takes the ids as a JSON array in the result_ids query parameter.
// Each returned result has its State resolved from the raw event type.
func (c *Client) PollResults(ctx context.Context, resultIDs []string) ([]PollResult, error) {
	ids, _ := json.Marshal(resultIDs)
	var out struct {
		Results []PollResult `json:"results"`
	}
	path := "/api/v1/synthetics/tests/poll_results?result_ids=" + url.QueryEscape(string(ids))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Results {
		out.Results[i].Result.State = ParseResultState(out.Results[i].Result.EventType)
	}
	return out.Results, nil
}

// GetTunnelPresignedURL mints a rendezvous URL scoped to the given tests.
func (c *Client) GetTunnelPresignedURL(ctx context.Context, publicIDs []string) (*PresignedURL, error) {
	req := struct {
		PublicIDs []string `json:"public_ids"`
	}{PublicIDs: publicIDs}
	var out PresignedURL
	if err := c.do(ctx, http.MethodPost, "/api/v1/synthetics/ci/tunnel", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPresignedUploadURL mints a slot for pushing one named artifact.
func (c *Client) GetPresignedUploadURL(ctx context.Context, name string) (*PresignedUpload, error) {
	req := struct {
		Name string `json:"name"`
	}{Name: name}
	var out PresignedUpload
	if err := c.do(ctx, http.MethodPost, "/api/v1/synthetics/ci/uploads", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Put pushes raw bytes to a presigned slot. The slot URL embeds its own
// authorization, so no API headers are attached.
func (c *Client) Put(ctx context.Context, rawURL string, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", contentType)
	res, err := c.client.DoLimited(req)
	if err != nil {
		metrics.RecordAPIError("upload")
		return errors.Wrap(err, "upload")
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	metrics.RecordAPICall("upload", res.StatusCode)
	if res.StatusCode >= 400 {
		return &HTTPError{Status: res.StatusCode, Endpoint: "upload", Body: strings.TrimSpace(string(raw))}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrapf(err, "build %s request", path)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerAppKey, c.appKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	endpoint := metricEndpoint(path)
	start := time.Now()
	res, err := c.client.DoLimited(req)
	if err != nil {
		metrics.RecordAPIError(endpoint)
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		metrics.RecordAPIError(endpoint)
		return errors.Wrapf(err, "read %s response", path)
	}
	metrics.RecordAPICall(endpoint, res.StatusCode)
	c.log.Debug("api call",
		"method", method,
		"endpoint", endpoint,
		"status", res.StatusCode,
		"took", time.Since(start))
	if res.StatusCode >= 400 {
		return &HTTPError{Status: res.StatusCode, Endpoint: endpoint, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// metricEndpoint strips query strings and ids so endpoint labels stay low
// cardinality.
func metricEndpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	const testsPrefix = "/api/v1/synthetics/tests/"
	if rest, ok := strings.CutPrefix(path, testsPrefix); ok {
		if !strings.ContainsRune(rest, '/') && rest != "search" && rest != "poll_results" {
			return testsPrefix + ":public_id"
		}
	}
	return path
}

// limitedHTTPClient bounds concurrent requests with a weighted semaphore so
// a big batch cannot stampede the backend.
type limitedHTTPClient struct {
	http.Client
	sem *semaphore.Weighted
}

func (c *limitedHTTPClient) DoLimited(req *http.Request) (*http.Response, error) {
	if err := c.sem.Acquire(req.Context(), 1); err != nil {
		return nil, errors.Wrap(err, "acquire request slot")
	}
	defer c.sem.Release(1)
	return c.Do(req)
}
