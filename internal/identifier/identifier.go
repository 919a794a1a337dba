// Package identifier formats the line and batch numbering schemes.
// Counters are owned by the persistence layer; everything here is pure.
package identifier

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxLineCounter is the highest per-day line sequence
	MaxLineCounter = 99999
	// MaxBatchCounter is the highest per-month batch sequence
	MaxBatchCounter = 99
)

// ErrSequenceExhausted is returned when a counter overflows its scope.
var ErrSequenceExhausted = errors.New("sequence exhausted")

// NextLineID formats a transaction line identifier, RL-YYYYMMDD-NNNNN.
func NextLineID(date time.Time, counter int) (string, error) {
	if counter < 1 {
		return "", fmt.Errorf("line counter must be positive, got %d", counter)
	}
	if counter > MaxLineCounter {
		return "", fmt.Errorf("line counter for %s: %w", date.Format("2006-01-02"), ErrSequenceExhausted)
	}
	return fmt.Sprintf("RL-%s-%05d", date.Format("20060102"), counter), nil
}

// NextBatchID formats a batch identifier, RAP-YYMM-NN.
func NextBatchID(year int, month time.Month, counter int) (string, error) {
	if month < time.January || month > time.December {
		return "", fmt.Errorf("invalid month %d", month)
	}
	if counter < 1 {
		return "", fmt.Errorf("batch counter must be positive, got %d", counter)
	}
	if counter > MaxBatchCounter {
		return "", fmt.Errorf("batch counter for %04d-%02d: %w", year, month, ErrSequenceExhausted)
	}
	return fmt.Sprintf("RAP-%02d%02d-%02d", year%100, int(month), counter), nil
}

// LineScope is the counter scope shared by all lines dated on the same day.
func LineScope(date time.Time) string {
	return "line:" + date.Format("20060102")
}

// BatchScope is the counter scope shared by all batches of the same month.
func BatchScope(year int, month time.Month) string {
	return fmt.Sprintf("batch:%02d%02d", year%100, int(month))
}
