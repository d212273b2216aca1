// Package intel implements the client for the upstream intelligence API.
// Searches paginate lazily and yield typed records one at a time; raw
// result documents travel alongside so callers can persist them verbatim.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/spyglasshq/spyglass/internal/types"
)

const defaultPageSize = 100

// Config carries the connection settings for the intelligence source.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	PageSize     int
}

// Client talks to the intelligence source over HTTP. Transient failures
// (connection errors, 429, 5xx) are retried with backoff before an error
// reaches the caller.
type Client struct {
	httpc    *resty.Client
	pageSize int
}

func NewClient(cfg Config) *Client {
	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetQueryParam("key", cfg.APIKey).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{httpc: httpc, pageSize: pageSize}
}

type searchResponse struct {
	Matches []json.RawMessage `json:"matches"`
	Total   int               `json:"total"`
}

// Search runs a query against the source and returns a stream over its
// results. The first page is fetched eagerly so query-level failures
// surface here rather than on the first Next.
func (c *Client) Search(ctx context.Context, query string) (*Stream, error) {
	s := &Stream{client: c, query: query, page: 1}
	if err := s.fetchPage(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Stream yields one record at a time from a paginated search, fetching
// the next page only when the current one is exhausted. Not safe for
// concurrent use.
type Stream struct {
	client *Client
	query  string
	page   int
	total  int
	seen   int
	buf    []json.RawMessage
	idx    int
	done   bool
}

// Next returns the next record of the result set, or io.EOF when the
// stream is exhausted. A result that cannot be parsed yields
// ErrMalformedRecord and the stream stays usable; any other error means
// the stream is broken and should be abandoned.
func (s *Stream) Next(ctx context.Context) (types.Record, error) {
	for {
		if s.idx < len(s.buf) {
			raw := s.buf[s.idx]
			s.idx++
			return parseRecord(raw)
		}
		if s.done {
			return types.Record{}, io.EOF
		}
		if err := s.fetchPage(ctx); err != nil {
			return types.Record{}, err
		}
	}
}

// Total reports the result count the source claims for the query.
func (s *Stream) Total() int { return s.total }

func (s *Stream) fetchPage(ctx context.Context) error {
	var result searchResponse
	resp, err := s.client.httpc.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":     s.query,
			"page":      strconv.Itoa(s.page),
			"page_size": strconv.Itoa(s.client.pageSize),
		}).
		SetResult(&result).
		Get("/api/search")
	if err != nil {
		return fmt.Errorf("search page %d: %w", s.page, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("search page %d: %w", s.page, err)
	}

	s.buf = result.Matches
	s.idx = 0
	s.seen += len(result.Matches)
	if result.Total > s.total {
		s.total = result.Total
	}
	s.page++
	// A short page means the source has nothing further.
	if len(result.Matches) < s.client.pageSize || (s.total > 0 && s.seen >= s.total) {
		s.done = true
	}
	return nil
}

type quotaResponse struct {
	Plan         string `json:"plan"`
	QueryCredits int    `json:"query_credits"`
	ScanCredits  int    `json:"scan_credits"`
}

// Quota fetches the account's remaining credit state.
func (c *Client) Quota(ctx context.Context) (*types.QuotaSnapshot, error) {
	var result quotaResponse
	resp, err := c.httpc.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/quota")
	if err != nil {
		return nil, fmt.Errorf("fetch quota: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch quota: %w", err)
	}
	return &types.QuotaSnapshot{
		Plan:         result.Plan,
		QueryCredits: result.QueryCredits,
		ScanCredits:  result.ScanCredits,
	}, nil
}

func checkStatus(resp *resty.Response) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return fmt.Errorf("%w (retries exhausted)", ErrRateLimited)
	default:
		return &APIError{StatusCode: resp.StatusCode(), Message: apiMessage(resp.Body())}
	}
}

// apiMessage pulls the error field the source embeds in failure bodies.
func apiMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}
