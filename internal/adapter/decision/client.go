// Package decision implements the flag backend against the campaigns
// decision API: global start/teardown, visitor session handles, flag
// fetching, and hit dispatch.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/flagbridge/flagbridge/internal/adapter/hits"
	"github.com/flagbridge/flagbridge/internal/domain"
	"github.com/flagbridge/flagbridge/internal/metrics"
	"github.com/flagbridge/flagbridge/internal/platform/retry"
)

const (
	defaultAPITimeout      = 2 * time.Second
	defaultHitBatchSize    = 20
	defaultHitFlush        = 5 * time.Second
	defaultHitsPerSecond   = 10
	fetchInitialBackoff    = 200 * time.Millisecond
	fetchRateLimitBackoff  = 2 * time.Second
	fetchMaxAttempts       = 3
)

// Client implements domain.Backend. A single Client is shared process-wide;
// Start transitions it through the initialization states exactly once.
type Client struct {
	baseURL string
	clock   clockwork.Clock

	mu     sync.Mutex
	status domain.BackendStatus
	closed bool

	envID       string
	apiKey      string
	fetchNow    bool
	httpClient  *http.Client
	logger      *slog.Logger
	breaker     circuitbreaker.CircuitBreaker[any]
	dispatcher  *hits.Dispatcher
	retryPolicy retry.Policy

	fetchGroup singleflight.Group
}

var _ domain.Backend = (*Client)(nil)

// NewClient creates an unstarted client for the given decision API base URL.
func NewClient(baseURL string, clock clockwork.Clock) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		clock:   clock,
		status:  domain.BackendNotInitialized,
	}
}

// Start performs the one-time global initialization: credential check, HTTP
// client, circuit breaker, and hit dispatcher. Repeated calls after a
// successful start are no-ops.
func (c *Client) Start(_ context.Context, envID, apiKey string, opts domain.StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != domain.BackendNotInitialized {
		return nil
	}
	c.status = domain.BackendInitializing

	if envID == "" || apiKey == "" {
		c.status = domain.BackendFailed
		return domain.ErrMissingCredentials
	}

	c.envID = envID
	c.apiKey = apiKey
	c.fetchNow = opts.FetchNow

	c.logger = opts.Logger
	if c.logger == nil {
		c.logger = slog.Default()
	}

	timeout := opts.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	c.httpClient = &http.Client{Timeout: timeout}

	c.breaker = newFetchBreaker(c.logger)
	c.retryPolicy = retry.Policy{
		MaxAttempts:      fetchMaxAttempts,
		InitialBackoff:   fetchInitialBackoff,
		RateLimitBackoff: fetchRateLimitBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.logger.Warn("Retrying campaigns fetch", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	batchSize := opts.HitBatchSize
	if batchSize <= 0 {
		batchSize = defaultHitBatchSize
	}
	flushInterval := opts.HitFlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultHitFlush
	}
	hitsPerSecond := opts.HitsPerSecond
	if hitsPerSecond <= 0 {
		hitsPerSecond = defaultHitsPerSecond
	}
	c.dispatcher = hits.NewDispatcher(newHitSender(c.httpClient, c.baseURL, envID, apiKey), c.clock, batchSize, flushInterval, hitsPerSecond)

	c.status = domain.BackendReady
	c.logger.Info("Decision backend started", "env_id", envID, "fetch_now", opts.FetchNow)
	return nil
}

// Status reports the global initialization status.
func (c *Client) Status() domain.BackendStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// NewVisitor creates a session handle. An empty visitor id gets a generated
// anonymous id. The handle starts fetch-required; with FetchNow enabled a
// background fetch is kicked off immediately.
func (c *Client) NewVisitor(params domain.VisitorParams) domain.Visitor {
	c.mu.Lock()
	dispatcher := c.dispatcher
	fetchNow := c.fetchNow
	c.mu.Unlock()

	id := params.VisitorID
	anonymous := id == ""
	if anonymous {
		id = uuid.NewString()
	}

	consented := true
	if params.HasConsented != nil {
		consented = *params.HasConsented
	}

	attrs := make(map[string]any, len(params.Context))
	for k, val := range params.Context {
		attrs[k] = val
	}

	v := &visitor{
		client:      c,
		dispatcher:  dispatcher,
		id:          id,
		anonymous:   anonymous,
		consented:   consented,
		attrs:       attrs,
		fetchStatus: domain.FetchRequired,
	}

	if dispatcher != nil {
		dispatcher.RegisterVisitor(id, consented)
	}
	if fetchNow {
		go func() {
			if err := v.FetchFlags(context.Background()); err != nil {
				c.logger.Warn("Background fetch failed", "visitor_id", id, "error", err)
			}
		}()
	}
	return v
}

// readyErr reports whether the client can serve fetches. Visitor handles can
// be created before a successful start, but any fetch through them must fail
// cleanly instead of hitting uninitialized internals.
func (c *Client) readyErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrBackendClosed
	}
	if c.status != domain.BackendReady {
		return domain.ErrBackendNotStarted
	}
	return nil
}

// Close flushes pending hits and tears down global resources.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dispatcher := c.dispatcher
	logger := c.logger
	c.mu.Unlock()

	if dispatcher != nil {
		dispatcher.Stop(ctx)
	}
	if logger != nil {
		logger.Info("Decision backend closed")
	}
	return nil
}

// fetchCampaigns retrieves campaigns for one visitor. Concurrent fetches for
// the same visitor id collapse into a single request.
func (c *Client) fetchCampaigns(ctx context.Context, req campaignsRequest) (*campaignsResponse, error) {
	if err := c.readyErr(); err != nil {
		return nil, err
	}

	out, err, _ := c.fetchGroup.Do(req.VisitorID, func() (any, error) {
		start := c.clock.Now()
		resp, err := retry.Do(ctx, c.retryPolicy, classifyFetchError, func() (*campaignsResponse, error) {
			return c.doFetch(ctx, req)
		})
		metrics.FetchDuration.Observe(c.clock.Since(start).Seconds())
		if err != nil {
			metrics.FetchesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.FetchesTotal.WithLabelValues("ok").Inc()
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*campaignsResponse), nil
}

func (c *Client) doFetch(ctx context.Context, reqBody campaignsRequest) (*campaignsResponse, error) {
	if !c.breaker.TryAcquirePermit() {
		return nil, fmt.Errorf("decision api circuit open: %w", circuitbreaker.ErrOpen)
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		c.breaker.RecordSuccess()
		return nil, fmt.Errorf("marshal campaigns request: %w", err)
	}

	url := fmt.Sprintf("%s/v2/%s/campaigns", c.baseURL, c.envID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.breaker.RecordSuccess()
		return nil, fmt.Errorf("build campaigns request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordError(err)
		return nil, fmt.Errorf("campaigns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &statusError{code: resp.StatusCode, body: string(body)}
		if resp.StatusCode >= http.StatusInternalServerError {
			c.breaker.RecordError(statusErr)
		} else {
			// 4xx means the server is healthy, keep the breaker closed.
			c.breaker.RecordSuccess()
		}
		return nil, statusErr
	}

	var out campaignsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.breaker.RecordError(err)
		return nil, fmt.Errorf("decode campaigns response: %w", err)
	}
	c.breaker.RecordSuccess()
	return &out, nil
}

func classifyFetchError(err error) retry.Action {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return retry.Stop
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.code == http.StatusTooManyRequests:
			return retry.After
		case statusErr.code >= http.StatusInternalServerError:
			return retry.Retry
		default:
			return retry.Stop
		}
	}
	// Network-level failures are transient.
	return retry.Retry
}

func newFetchBreaker(logger *slog.Logger) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.Builder[any]().
		WithFailureRateThreshold(60, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("Circuit breaker state changed",
				"component", "decision_api",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues("decision_api", e.NewState.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues("decision_api").Set(breakerStateToFloat(e.NewState))
		}).
		Build()
}

func breakerStateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// statusError carries a non-2xx decision API response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("decision api returned status %d: %s", e.code, e.body)
}
