// Package llm defines the generative text client used by the rewriter.
package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter is used when a rate-limit response carries no usable hint.
const DefaultRetryAfter = 10 * time.Second

// ErrEmptyResponse means the service answered without any text.
var ErrEmptyResponse = errors.New("empty completion")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Client produces a completion for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// RateLimitError reports a throttled call and how long to wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

var retryAfterPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)s`)

// ParseRetryAfter reads a Retry-After header value (seconds) or, failing that,
// the first "<n>s" duration in body.
func ParseRetryAfter(header, body string) time.Duration {
	if secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if m := retryAfterPattern.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return DefaultRetryAfter
}
