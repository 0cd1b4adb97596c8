package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OperationClient performs a single named operation against an external
// service. Implementations classify every failure as transient or permanent
// through OpError; the orchestrator never inspects raw transport errors.
//
// The hard contract placed on every service a saga touches: the same
// requestID yields the same observable result, safe to call twice.
type OperationClient interface {
	Invoke(ctx context.Context, service, operation string, variables map[string]any, requestID string) (Payload, error)
}

type httpClientConfig struct {
	hc      *http.Client
	logger  Logger
	limiter *rate.Limiter
	breaker gobreaker.Settings
}

type HTTPClientOption func(*httpClientConfig)

// WithHTTPTransport replaces the underlying http.Client.
func WithHTTPTransport(hc *http.Client) HTTPClientOption {
	return func(c *httpClientConfig) {
		c.hc = hc
	}
}

// WithHTTPLogger replaces the client logger.
func WithHTTPLogger(logger Logger) HTTPClientOption {
	return func(c *httpClientConfig) {
		c.logger = logger
	}
}

// WithHTTPRateLimit caps outgoing calls across all services.
func WithHTTPRateLimit(perSecond float64, burst int) HTTPClientOption {
	return func(c *httpClientConfig) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPBreaker overrides circuit breaker settings (the Name field is set
// per service).
func WithHTTPBreaker(settings gobreaker.Settings) HTTPClientOption {
	return func(c *httpClientConfig) {
		c.breaker = settings
	}
}

// HTTPClient is the default OperationClient: it POSTs operation variables as
// JSON to {baseURL}/{operation} and carries the request id in the
// Idempotency-Key header. Each service sits behind its own circuit breaker
// so a flapping dependency fails fast as a transient error instead of
// burning a full retry budget per step.
type HTTPClient struct {
	endpoints map[string]string
	hc        *http.Client
	logger    Logger
	limiter   *rate.Limiter
	settings  gobreaker.Settings

	mu       deadlock.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// invokeOutcome separates transport failures from business rejections:
// only the former may trip the breaker.
type invokeOutcome struct {
	payload Payload
	opErr   *OpError
}

// NewHTTPClient builds a client for the given service -> base URL map.
func NewHTTPClient(endpoints map[string]string, opts ...HTTPClientOption) *HTTPClient {
	config := &httpClientConfig{
		hc: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(config)
	}
	if config.logger == nil {
		config.logger = NewDefaultLogger(slog.LevelInfo, TextFormat)
	}
	return &HTTPClient{
		endpoints: endpoints,
		hc:        config.hc,
		logger:    config.logger,
		limiter:   config.limiter,
		settings:  config.breaker,
		breakers:  map[string]*gobreaker.CircuitBreaker{},
	}
}

func (c *HTTPClient) Invoke(ctx context.Context, service, operation string, variables map[string]any, requestID string) (Payload, error) {
	base, ok := c.endpoints[service]
	if !ok {
		return nil, PermanentError(service, operation, "service not configured", nil)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, TransientError(service, operation, "rate limiter interrupted", err)
		}
	}

	c.logger.Debug(ctx, "invoking remote operation", "op.service", service, "op.operation", operation, "op.request_id", requestID)

	result, err := c.breakerFor(service).Execute(func() (any, error) {
		return c.post(ctx, base, service, operation, variables, requestID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, TransientError(service, operation, "circuit breaker open", err)
		}
		var oe *OpError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, TransientError(service, operation, "transport failure", err)
	}
	outcome := result.(*invokeOutcome)
	if outcome.opErr != nil {
		return nil, outcome.opErr
	}
	return outcome.payload, nil
}

func (c *HTTPClient) post(ctx context.Context, base, service, operation string, variables map[string]any, requestID string) (*invokeOutcome, error) {
	body, err := json.Marshal(variables)
	if err != nil {
		return &invokeOutcome{opErr: PermanentError(service, operation, "variables not serializable", err)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", base, operation), bytes.NewReader(body))
	if err != nil {
		return &invokeOutcome{opErr: PermanentError(service, operation, "request build failed", err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestID)
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.hc.Do(req)
	if err != nil {
		// Timeouts and connection failures trip the breaker.
		return nil, TransientError(service, operation, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, TransientError(service, operation, "response read failed", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var payload Payload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return &invokeOutcome{opErr: PermanentError(service, operation, "response not valid JSON", err)}, nil
			}
		}
		return &invokeOutcome{payload: payload}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, TransientError(service, operation, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 256)), nil)
	default:
		// 4xx means the call was understood and rejected; retrying the
		// exact same request cannot change the answer.
		return &invokeOutcome{opErr: PermanentError(service, operation, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 256)), nil)}, nil
	}
}

func (c *HTTPClient) breakerFor(service string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[service]; ok {
		return cb
	}
	settings := c.settings
	settings.Name = service
	cb := gobreaker.NewCircuitBreaker(settings)
	c.breakers[service] = cb
	return cb
}

func truncate(raw []byte, n int) string {
	if len(raw) > n {
		return string(raw[:n]) + "..."
	}
	return string(raw)
}
