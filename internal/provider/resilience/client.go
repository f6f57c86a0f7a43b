package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Errors surfaced by the resilient client.
var (
	// ErrCircuitOpen is returned when the circuit breaker refuses the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies this client for circuit breaker naming.
	Name string

	// ConnectTimeout bounds TCP connection establishment.
	// Default: 7 seconds
	ConnectTimeout time.Duration

	// ReadTimeout bounds the whole request including body read.
	// Default: 20 seconds
	ReadTimeout time.Duration

	// MaxRetries is the number of retry attempts after the first call.
	// Retried only on transport errors and 5xx responses; 4xx never retries.
	// Default: 3
	MaxRetries uint64

	// RetryDelay is the fixed delay between attempts. When zero, retries use
	// exponential backoff starting at 100ms capped at 5s.
	RetryDelay time.Duration

	// Breaker is the circuit breaker configuration. Nil uses defaults.
	Breaker *BreakerConfig
}

// DefaultClientConfig returns the client settings used by tee-sheet adapters:
// 7s connect / 20s read, three retries with a fixed 5 second delay.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:           name,
		ConnectTimeout: 7 * time.Second,
		ReadTimeout:    20 * time.Second,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
	}
}

// Client is a resilient HTTP client: circuit breaker plus bounded retries.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	config     ClientConfig
}

// NewClient creates a resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 7 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 20 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	breakerCfg := DefaultBreakerConfig(cfg.Name)
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.ReadTimeout,
			Transport: transport,
		},
		breaker: NewBreaker[*http.Response](breakerCfg), //nolint:bodyclose // type param, not a response
		config:  cfg,
	}
}

// Do executes the request with retries and circuit breaking. Transport errors
// and 5xx responses are retried up to MaxRetries with the configured delay;
// any other response, including 4xx, is returned as-is on the first attempt.
// The caller owns the returned body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext executes the request under the given context.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	var policy backoff.BackOff
	if c.config.RetryDelay > 0 {
		policy = backoff.NewConstantBackOff(c.config.RetryDelay)
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 100 * time.Millisecond
		exp.MaxInterval = 5 * time.Second
		exp.MaxElapsedTime = 0
		policy = exp
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, c.config.MaxRetries), ctx)

	var lastResp *http.Response

	operation := func() error {
		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller closes
			r, err := c.httpClient.Do(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			// 5xx counts as a failure so the breaker sees it.
			if r.StatusCode >= 500 {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			if resp != nil {
				// Drain the failed 5xx body so the connection is reusable,
				// keeping only the last one for the caller.
				if lastResp != nil {
					lastResp.Body.Close()
				}
				lastResp = resp
			}
			return err
		}

		lastResp = resp
		return nil
	}

	err := backoff.Retry(operation, policy)
	if err != nil {
		if lastResp != nil {
			// Retries exhausted on 5xx: hand the last response to the caller.
			return lastResp, nil
		}
		return nil, err
	}
	return lastResp, nil
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// BreakerCounts returns the circuit breaker counters.
func (c *Client) BreakerCounts() gobreaker.Counts {
	return c.breaker.Counts()
}

// ServerError represents an HTTP 5xx response treated as a failure.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// RetryAfter extracts a Retry-After hint from a response. Supports the
// delta-seconds form only; nil when absent or unparsable.
func RetryAfter(resp *http.Response) *time.Duration {
	if resp == nil {
		return nil
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}
