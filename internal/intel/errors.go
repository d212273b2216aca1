package intel

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when the source is still throttling after
	// the client's retry budget is spent. Callers skip the query and try
	// again next cycle.
	ErrRateLimited = errors.New("intelligence API rate limited")

	// ErrMalformedRecord is returned for a search result missing the
	// fields every observation must carry. Callers log and skip the
	// record.
	ErrMalformedRecord = errors.New("malformed intelligence record")
)

// APIError is a non-retryable upstream failure: the source answered, but
// with an error status outside the retry conditions.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("intelligence API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("intelligence API error: status %d: %s", e.StatusCode, e.Message)
}
