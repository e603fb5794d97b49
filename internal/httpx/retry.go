package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"leadbot/internal/logging"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = time.Second
)

// StatusError is a non-success response that exhausted the retry budget or
// was not retryable at all.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retrier owns the attempt cap for one caller. Waits between attempts grow
// exponentially from BaseDelay with jitter.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger

	timer func() backoff.Timer
}

func NewRetrier(maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Retrier{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Logger: logger}
}

// Retryable reports whether a response status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// policy decides which failures earn another attempt.
type policy struct {
	status    func(int) bool
	transport func(error) bool
}

var (
	idempotent = policy{status: Retryable, transport: func(error) bool { return true }}
	// A 5xx after a message send may mean the provider already accepted it.
	delivery = policy{
		status:    func(s int) bool { return s == http.StatusTooManyRequests },
		transport: notSent,
	}
)

// notSent reports whether a transport error happened before the request
// reached the server.
func notSent(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns)
}

func (r *Retrier) schedule(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.BaseDelay
	exp.Multiplier = 2
	exp.MaxInterval = 30 * r.BaseDelay
	exp.MaxElapsedTime = 0
	retries := max(r.MaxAttempts, 1) - 1
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (r *Retrier) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}

func (r *Retrier) newTimer() backoff.Timer {
	if r.timer == nil {
		return nil
	}
	return r.timer()
}

// Do executes the request built by buildReq until it succeeds, fails with a
// non-retryable status or the attempt cap is reached. A 2xx/3xx response is
// returned open; any other status is returned as *StatusError.
func (r *Retrier) Do(ctx context.Context, client *http.Client, buildReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return r.do(ctx, client, buildReq, idempotent)
}

// Send is Do for requests that must not be repeated once the provider has
// seen them: only 429s and connection failures are retried.
func (r *Retrier) Send(ctx context.Context, client *http.Client, buildReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	return r.do(ctx, client, buildReq, delivery)
}

func (r *Retrier) do(ctx context.Context, client *http.Client, buildReq func(ctx context.Context) (*http.Request, error), p policy) (*http.Response, error) {
	var (
		resp      *http.Response
		attempt   int
		exhausted bool
	)
	operation := func() error {
		attempt++
		exhausted = false
		req, err := buildReq(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !p.transport(err) {
				return backoff.Permanent(err)
			}
			exhausted = true
			return err
		}
		if res.StatusCode < 400 {
			resp = res
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		res.Body.Close()
		statusErr := &StatusError{StatusCode: res.StatusCode, Body: string(body)}
		if !p.status(res.StatusCode) {
			return backoff.Permanent(statusErr)
		}
		exhausted = true
		return statusErr
	}
	notify := func(err error, wait time.Duration) {
		r.logger().Warn("retrying request", logging.Attempt(attempt+1), logging.Backoff(wait), logging.Err(err))
	}

	if err := backoff.RetryNotifyWithTimer(operation, r.schedule(ctx), notify, r.newTimer()); err != nil {
		if exhausted && ctx.Err() == nil {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		return nil, err
	}
	return resp, nil
}

// IsStatus reports whether err carries an HTTP response with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == status
}

// Doer wraps client so that every request goes through the retry policy.
// Unlike Do, the final response is handed back untouched whatever its status,
// so SDKs that parse error bodies keep working.
func (r *Retrier) Doer(client *http.Client) *RetryingDoer {
	return &RetryingDoer{retrier: r, client: client}
}

type RetryingDoer struct {
	retrier *Retrier
	client  *http.Client
}

// errRetryStatus marks a retryable response whose body was already drained.
var errRetryStatus = errors.New("retryable status")

func (d *RetryingDoer) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	attempts := max(d.retrier.MaxAttempts, 1)

	var (
		resp    *http.Response
		attempt int
	)
	operation := func() error {
		attempt++
		if attempt > 1 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return backoff.Permanent(fmt.Errorf("rewind body: %w", err))
				}
				req.Body = body
			} else if req.Body != nil && req.Body != http.NoBody {
				return backoff.Permanent(errors.New("request body cannot be replayed"))
			}
		}
		res, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if !Retryable(res.StatusCode) || attempt >= attempts {
			resp = res
			return nil
		}
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		res.Body.Close()
		return fmt.Errorf("%w: HTTP %d", errRetryStatus, res.StatusCode)
	}
	notify := func(err error, wait time.Duration) {
		d.retrier.logger().Warn("retrying request", logging.Attempt(attempt+1), logging.Backoff(wait), logging.Err(err))
	}

	if err := backoff.RetryNotifyWithTimer(operation, d.retrier.schedule(ctx), notify, d.retrier.newTimer()); err != nil {
		return nil, err
	}
	return resp, nil
}
