// Package resiliency wraps outbound HTTP calls with retries, a circuit
// breaker and trace context propagation.
package resiliency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without calling the remote while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resiliency: circuit open")

// StatusError is returned when the final attempt received a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resiliency: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client executes requests against one upstream.
type Client struct {
	http       *http.Client
	breaker    *Breaker
	maxTries   uint
	newBackOff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithMaxTries(n uint) Option { return func(c *Client) { c.maxTries = n } }

func WithBreaker(b *Breaker) Option { return func(c *Client) { c.breaker = b } }

// WithBackOff sets the backoff policy factory. A new policy is created per call.
func WithBackOff(f func() backoff.BackOff) Option { return func(c *Client) { c.newBackOff = f } }

// NewClient returns a client with exponential backoff and a breaker that
// opens after five consecutive failed calls.
func NewClient(name string, opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 15 * time.Second},
		breaker:  NewBreaker(name, 5, 30*time.Second),
		maxTries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request produced by build, rebuilding it for each attempt so
// bodies can be replayed. Responses with status < 300 are returned to the
// caller, who must close the body. 5xx, 429 and transport errors are
// retried; other statuses fail immediately with *StatusError.
func (c *Client) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	}

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)

	var statusErr *StatusError
	switch {
	case err == nil:
		c.breaker.Success()
	case errors.As(err, &statusErr) && statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests:
		// The upstream is healthy; the request was rejected.
		c.breaker.Success()
	default:
		c.breaker.Failure()
	}
	return resp, err
}
