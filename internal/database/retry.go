package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"statement-reconciliation/internal/apperror"
	"statement-reconciliation/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// MySQL server error numbers worth retrying.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// RetryPolicy bounds the retries of a single-transaction operation.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	MaxAttempts     int
}

// IsTransient reports whether err is a lock contention, dropped connection or
// timeout that may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == errLockWaitTimeout || myErr.Number == errDeadlock
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		apperror.IsTransient(err)
}

// Retry runs fn until it succeeds, fails permanently, or the policy is used
// up. Exhausted transient failures come back as *apperror.TransientError.
func Retry(ctx context.Context, policy RetryPolicy, log logrus.FieldLogger, op string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval
	expo.MaxElapsedTime = policy.MaxElapsed
	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			logging.FieldOperation: op,
			logging.FieldAttempt:   attempt,
		}).WithError(err).Warnf("transient failure, retrying in %s", wait)
	})

	if err != nil && IsTransient(err) && !apperror.IsTransient(err) {
		return &apperror.TransientError{Op: op, Err: err}
	}
	return err
}
