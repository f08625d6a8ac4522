// SPDX-License-Identifier: MIT

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/cmdarr/cmdarr/internal/log"
	"github.com/cmdarr/cmdarr/internal/metrics"
	"github.com/cmdarr/cmdarr/internal/resilience"
)

// ErrNotSupported is returned by optional capabilities a client lacks.
var ErrNotSupported = errors.New("operation not supported by this service")

// PermanentError marks a response that must not be retried (4xx except 429,
// known not-found, response schema violations). Callers negative-cache it.
type PermanentError struct {
	Service string
	Status  int
	Reason  string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent failure (status %d): %s", e.Service, e.Status, e.Reason)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DoerConfig tunes a per-service Doer.
type DoerConfig struct {
	Service     string
	QPS         float64
	Burst       int
	MaxRetries  int
	BaseBackoff time.Duration // doubled per attempt; 503 uses 4x this base
	Timeout     time.Duration
}

// Doer issues outbound HTTP calls for one service with a shared token
// bucket, a circuit breaker and transient-error retry. Every call is
// cancellable through its context.
type Doer struct {
	cfg     DoerConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewDoer builds the outbound plumbing for one service.
func NewDoer(cfg DoerConfig) *Doer {
	if cfg.QPS <= 0 {
		cfg.QPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.QPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Doer{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
		breaker: resilience.NewCircuitBreaker(cfg.Service, 5, 30*time.Second),
		logger:  log.WithComponent("doer").With().Str("service", cfg.Service).Logger(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do issues the request, retrying transient failures with exponential
// backoff. 429 is retried after the advertised delay and never counts as
// permanent; other 4xx return a PermanentError immediately.
func (d *Doer) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.cfg.BaseBackoff << (attempt - 1)
			if is503(lastErr) {
				backoff *= 4
			}
			if retryAfter := advertisedDelay(lastErr); retryAfter > 0 {
				backoff = retryAfter
			}
			if err := d.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if !d.limiter.Allow() {
			metrics.RecordRateLimitWait(d.cfg.Service)
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			// Clone shares the original body reader, which the previous
			// attempt consumed. Rewind so retried writes carry the payload.
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("%s: rewind request body: %w", d.cfg.Service, bodyErr)
			}
			attemptReq.Body = body
		}

		var resp *http.Response
		err := d.breaker.Execute(func() error {
			var doErr error
			resp, doErr = d.client.Do(attemptReq)
			if doErr != nil {
				return doErr
			}
			if resp.StatusCode >= 500 {
				drain(resp)
				return &transientError{status: resp.StatusCode}
			}
			return nil
		})
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests {
				delay := parseRetryAfter(resp)
				drain(resp)
				lastErr = &rateLimitedError{retryAfter: delay}
				metrics.RecordOutboundRequest(d.cfg.Service, "429")
				continue
			}
			if resp.StatusCode >= 400 {
				status := resp.StatusCode
				drain(resp)
				metrics.RecordOutboundRequest(d.cfg.Service, "4xx")
				return nil, &PermanentError{Service: d.cfg.Service, Status: status, Reason: http.StatusText(status)}
			}
			metrics.RecordOutboundRequest(d.cfg.Service, "2xx")
			return resp, nil
		}

		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%s: %w", d.cfg.Service, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.RecordOutboundRequest(d.cfg.Service, "5xx")
		lastErr = err
		d.logger.Warn().
			Err(err).
			Str("event", "doer.retry").
			Int("attempt", attempt+1).
			Msg("transient outbound failure")
	}
	return nil, fmt.Errorf("%s: retries exhausted: %w", d.cfg.Service, lastErr)
}

type transientError struct{ status int }

func (e *transientError) Error() string {
	return fmt.Sprintf("transient upstream failure: status %d", e.status)
}

type rateLimitedError struct{ retryAfter time.Duration }

func (e *rateLimitedError) Error() string { return "rate limited (429)" }

func is503(err error) bool {
	var te *transientError
	return errors.As(err, &te) && te.status == http.StatusServiceUnavailable
}

func advertisedDelay(err error) time.Duration {
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return rl.retryAfter
	}
	return 0
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func drain(resp *http.Response) {
	_ = resp.Body.Close()
}
