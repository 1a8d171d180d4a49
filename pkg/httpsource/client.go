// Package httpsource reads paginated JSON APIs.
//
// A page is requested with GET {base}{target}?limit=N&cursor=TOKEN for scans
// and POST {base}{target} with {"condition", "args", "limit", "cursor"} for
// queries. The response must be {"items": [...], "next_cursor": "..."}; an
// omitted or null next_cursor ends the pagination. Requests are never retried.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/queue-source/pkg/feeder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for HTTP page requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_source_http_requests_total",
		Help: "Total page requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_source_http_request_duration_seconds",
		Help:    "Page request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_source_http_errors_total",
		Help: "Total failed page requests by class",
	}, []string{"class"})
)

// maxErrorBody caps how much of an error response ends up in APIError.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to every request target.
	BaseURL string

	// UserAgent header sent with every request (REQUIRED).
	UserAgent string

	// Timeout per page request.
	Timeout time.Duration

	// Headers are added to every request, e.g. authorization.
	Headers map[string]string

	// HTTPClient overrides the default client (Timeout is then ignored).
	HTTPClient *http.Client
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// Client implements feeder.Client over a paginated JSON API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https (got %q)", base.Scheme)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "http-source").Logger(),
	}, nil
}

// pageBody is the wire format of a page.
type pageBody struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor *string           `json:"next_cursor"`
}

// queryBody is the wire format of a query request.
type queryBody struct {
	Condition string  `json:"condition"`
	Args      []any   `json:"args,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Cursor    *string `json:"cursor,omitempty"`
}

// Scan implements feeder.Client.
func (c *Client) Scan(ctx context.Context, req feeder.Request) (feeder.Page[json.RawMessage], error) {
	u := c.endpointURL(req.Target)
	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.StartToken != nil {
		q.Set("cursor", string(*req.StartToken))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return feeder.Page[json.RawMessage]{}, fmt.Errorf("create request: %w", err)
	}
	return c.do(httpReq, req.Target)
}

// Query implements feeder.Client.
func (c *Client) Query(ctx context.Context, req feeder.Request) (feeder.Page[json.RawMessage], error) {
	body := queryBody{
		Condition: req.Condition,
		Args:      req.Args,
		Limit:     req.Limit,
	}
	if req.StartToken != nil {
		cursor := string(*req.StartToken)
		body.Cursor = &cursor
	}

	data, err := json.Marshal(body)
	if err != nil {
		return feeder.Page[json.RawMessage]{}, fmt.Errorf("marshal query: %w", err)
	}

	u := c.endpointURL(req.Target)
	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return feeder.Page[json.RawMessage]{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, req.Target)
}

// do executes a page request and decodes the page.
func (c *Client) do(req *http.Request, endpoint string) (feeder.Page[json.RawMessage], error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Str("cursor", req.URL.Query().Get("cursor")).
		Msg("Requesting page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return feeder.Page[json.RawMessage]{}, &APIError{
			ErrorClass: ErrorClassNetwork,
			Endpoint:   endpoint,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if errClass := classifyStatus(resp.StatusCode); errClass != "" {
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Page request error")

		msg := resp.Status
		if s := strings.TrimSpace(string(snippet)); s != "" {
			msg += ": " + s
		}
		return feeder.Page[json.RawMessage]{}, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Endpoint:   endpoint,
			Message:    msg,
		}
	}

	var body pageBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return feeder.Page[json.RawMessage]{}, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Endpoint:   endpoint,
			Message:    "invalid page body",
			Err:        err,
		}
	}

	page := feeder.Page[json.RawMessage]{Items: body.Items}
	if body.NextCursor != nil {
		page.Next = feeder.NewToken(*body.NextCursor)
	}
	return page, nil
}

// endpointURL joins target to the base URL.
func (c *Client) endpointURL(target string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(target, "/")
	return &u
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
