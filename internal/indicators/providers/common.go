package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 32 << 20
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBackoff is used when a Config leaves Backoff empty.
var DefaultBackoff = BackoffConfig{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Config is the explicit configuration of one adapter. Nothing is read from
// the environment after construction.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout applies to the default client; ignored when Client is set.
	Timeout time.Duration
	// Delay is the pause the engine keeps between two fetches of this source.
	Delay   time.Duration
	Client  *http.Client
	Backoff BackoffConfig
}

func (c Config) withDefaults(baseURL string) Config {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.Client == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		c.Client = &http.Client{Timeout: timeout}
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoff
	}
	return c
}

var (
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// doRequestWithResilience executes the HTTP request with retries, exponential
// backoff and a circuit breaker. 429 and 5xx responses count as failures and
// are retried; any other response is returned to the caller with its body
// open.
func doRequestWithResilience(
	ctx context.Context,
	client *http.Client,
	cfg BackoffConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.MaxRetries < 0 || cfg.InitialInterval <= 0 {
		return nil, errInvalidConfig
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.InitialInterval),
		backoff.WithMaxInterval(cfg.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)

	operation := func() (*http.Response, error) {
		req, err := buildRequest(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := client.Do(req)
			if execErr != nil {
				return nil, fmt.Errorf("%w: %v", indicators.ErrSourceUnavailable, execErr)
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				drain(resp)
				return nil, fmt.Errorf("%w: HTTP %d", indicators.ErrRateLimited, resp.StatusCode)
			}
			if resp.StatusCode >= 500 {
				drain(resp)
				return nil, fmt.Errorf("%w: HTTP %d", indicators.ErrSourceUnavailable, resp.StatusCode)
			}
			return resp, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, backoff.Permanent(fmt.Errorf("%w: circuit breaker open: %v", indicators.ErrSourceUnavailable, err))
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		resp, ok := result.(*http.Response)
		if !ok {
			return nil, backoff.Permanent(fmt.Errorf("unexpected result type from circuit breaker"))
		}
		return resp, nil
	}

	resp, err := backoff.RetryWithData(operation, policy)
	if err != nil {
		if indicators.IsSourceFault(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", indicators.ErrSourceUnavailable, err)
	}
	return resp, nil
}

// decodeJSON reads the response body into dst. A body that is not the
// expected JSON is a malformed response.
func decodeJSON(resp *http.Response, dst any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", indicators.ErrSourceUnavailable, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", indicators.ErrMalformedResponse, err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
}

func sortObservations(obs []indicators.RawObservation) {
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Timestamp.Before(obs[j].Timestamp) })
}
