package db

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/care-scheduling/internal/config"
)

// RetryPolicy bounds every storage call: each attempt gets Timeout and at
// most Retries extra attempts follow a transient failure.
type RetryPolicy struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

func PolicyFromConfig(cfg config.Config) RetryPolicy {
	return RetryPolicy{
		Timeout: cfg.StorageTimeout,
		Retries: cfg.StorageRetries,
		Backoff: 50 * time.Millisecond,
	}
}

// Retry runs fn until it succeeds, fails with a non-transient error, or
// attempts run out. Reads pass idempotent=true; writes are only retried
// when pgconn reports the statement never reached the server.
func Retry(ctx context.Context, p RetryPolicy, idempotent bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt >= p.Retries || !IsTransient(err) {
			return err
		}
		if !idempotent && !pgconn.SafeToRetry(err) {
			return err
		}

		t := time.NewTimer(p.Backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// IsTransient reports network, timeout and retryable server failures.
// Constraint violations and other semantic errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
