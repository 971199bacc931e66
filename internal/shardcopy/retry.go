package shardcopy

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// RetryableError marks an error as transient regardless of its cause.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// retryableSQLStates are the non-class-08 SQLSTATEs worth retrying:
// serialization failure, deadlock, too many connections, and the admin,
// crash and cannot-connect-now shutdown codes.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

// IsRetryable reports whether err is a transient infrastructure failure.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var marked *RetryableError
	if errors.As(err, &marked) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || retryableSQLStates[pgErr.Code]
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// RetryPolicy bounds the retries of a single database command.
type RetryPolicy struct {
	Attempts int
	// Backoff is multiplied by the attempt number.
	Backoff time.Duration
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// uses up the policy's attempts.
func withRetry(ctx context.Context, p RetryPolicy, logger zerolog.Logger, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsRetryable(err) || attempt >= p.Attempts {
			return err
		}
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient database error, retrying")
		if err := sleepCtx(ctx, p.Backoff*time.Duration(attempt)); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
