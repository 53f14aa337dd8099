// Package retry implements the DB retry wrapper (C2): every call into
// Postgres is classified as connection-class or not, and connection-class
// failures are retried with quadratic+jitter backoff. Grounded on
// internal/infra/throttle.Throttler's separation of "classify the error" from
// "drive the attempt loop", here driven by cenkalti/backoff/v4 instead of a
// hand-rolled loop, carrying the exact formula this service's retry contract
// specifies rather than throttle's generic exponential curve.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
)

const (
	maxAttempts  = 3
	baseDelay    = 250 * time.Millisecond
	maxDelay     = 5000 * time.Millisecond
)

// connectionClassSQLStates are the administrative/crash-shutdown and
// too-many-connections codes that are safe to retry, beyond the whole `08`
// (connection exception) class.
var connectionClassSQLStates = map[string]bool{
	pgerrcode.AdminShutdown:      true,
	pgerrcode.CrashShutdown:      true,
	pgerrcode.CannotConnectNow:   true,
	pgerrcode.TooManyConnections: true,
}

// connectionTerminationPhrases catches driver-level messages that don't carry
// a structured SQLSTATE (e.g. errors surfaced before a PG error is parsed).
var connectionTerminationPhrases = []string{
	"connection reset by peer",
	"broken pipe",
	"connection refused",
	"unexpected eof",
	"server closed the connection",
	"conn closed",
}

// IsConnectionClass reports whether err should be retried per §4.2: SQLSTATE
// class 08, the administrative codes above, OS-level socket errors, or a
// known connection-termination message substring.
func IsConnectionClass(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || connectionClassSQLStates[pgErr.Code] {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range connectionTerminationPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// quadraticJitterBackoff implements backoff.BackOff with this service's exact
// curve: min(5000ms, base*attempt^2 + jitter), jitter in [0, min(1000, base)].
type quadraticJitterBackoff struct {
	attempt int
}

func (q *quadraticJitterBackoff) Reset() { q.attempt = 0 }

func (q *quadraticJitterBackoff) NextBackOff() time.Duration {
	q.attempt++
	if q.attempt >= maxAttempts {
		return backoff.Stop
	}

	base := baseDelay * time.Duration(q.attempt*q.attempt)
	jitterCeil := time.Second
	if baseDelay < jitterCeil {
		jitterCeil = baseDelay
	}
	jitter := time.Duration(rand.Int64N(int64(jitterCeil) + 1)) // #nosec G404

	delay := base + jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Do runs fn at most maxAttempts times in total while the returned error is
// connection-class, waiting baseDelay*attempt^2+jitter (capped at maxDelay)
// after each failed attempt before the next one.
// Non-connection-class errors propagate on first occurrence, per §4.2.
func Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	b := backoff.WithContext(&quadraticJitterBackoff{}, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsConnectionClass(err) {
			return backoff.Permanent(err)
		}
		logger.Warnf("retry: %s attempt %d failed with connection-class error: %v", operation, attempt, err)
		return err
	}, b)
}
