// Package upstream talks to the statistical data provider's REST API. The
// provider is slow and rate limited, which is the entire reason the cache in
// front of it exists.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/statcache/statcache/pkg/errors"
	"github.com/statcache/statcache/pkg/types"
)

// ClientConfig configures the upstream client.
type ClientConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Client fetches observations and dataflow structures over HTTP. It maps
// provider failures onto the cache error taxonomy: 429 becomes RATE_LIMITED
// and server errors become UPSTREAM_ERROR, so the manager only surfaces them
// on a true miss.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient creates an upstream client. A nil httpClient gets a default with
// the configured timeout.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "upstream base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		logger:    logger,
	}, nil
}

// Fetch retrieves the observations matching a query.
//
// The provider answers 404 when a valid query simply matches nothing; that is
// an empty result, not a failure.
func (c *Client) Fetch(ctx context.Context, q types.Query) ([]types.Record, error) {
	path := fmt.Sprintf("/data/%s/%s", url.PathEscape(q.DataflowID), url.PathEscape(filterSegment(q.Filter)))

	params := url.Values{}
	if q.StartPeriod != "" {
		params.Set("startPeriod", q.StartPeriod)
	}
	if q.EndPeriod != "" {
		params.Set("endPeriod", q.EndPeriod)
	}
	if q.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(q.MaxResults))
	}

	body, status, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return []types.Record{}, nil
	}

	var records []types.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, errors.New(errors.ErrCodeUpstreamError, "failed to decode upstream response").
			WithComponent("upstream").WithOperation("fetch").WithCause(err).
			WithContext("dataflow", q.DataflowID)
	}
	return records, nil
}

// FetchStructure retrieves the structure document for a dataflow. The
// document is cached opaquely; the client does not interpret it.
func (c *Client) FetchStructure(ctx context.Context, dataflowID string) ([]byte, error) {
	if dataflowID == "" {
		return nil, errors.New(errors.ErrCodeInvalidQuery, "dataflow id is required").
			WithComponent("upstream").WithOperation("fetch-structure")
	}

	body, status, err := c.get(ctx, "/dataflow/"+url.PathEscape(dataflowID), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, errors.Newf(errors.ErrCodeUpstreamError, "unknown dataflow %s", dataflowID).
			WithComponent("upstream").WithOperation("fetch-structure")
	}
	return body, nil
}

// get performs one request and classifies the response status. It returns the
// body for 200, a bare status for 404, and a coded error for everything else.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, errors.New(errors.ErrCodeInternalError, "failed to build upstream request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, errors.New(errors.ErrCodeUpstreamError, "upstream request failed").
			WithComponent("upstream").WithCause(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream request",
		zap.String("url", u),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, errors.New(errors.ErrCodeUpstreamError, "failed to read upstream response").
				WithComponent("upstream").WithCause(err)
		}
		return body, resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		e := errors.New(errors.ErrCodeRateLimited, "upstream rate limit exceeded").
			WithComponent("upstream")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			e = e.WithContext("retry_after", ra)
		}
		return nil, resp.StatusCode, e
	case resp.StatusCode == http.StatusBadRequest:
		return nil, resp.StatusCode, errors.New(errors.ErrCodeInvalidQuery, "upstream rejected the query").
			WithComponent("upstream").WithContext("status", strconv.Itoa(resp.StatusCode))
	default:
		return nil, resp.StatusCode, errors.Newf(errors.ErrCodeUpstreamError, "upstream returned status %d", resp.StatusCode).
			WithComponent("upstream").WithContext("status", strconv.Itoa(resp.StatusCode))
	}
}

// filterSegment maps an empty filter to the provider's "all" wildcard.
func filterSegment(filter string) string {
	if filter == "" {
		return "all"
	}
	return filter
}
