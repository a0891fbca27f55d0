package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidDate = errors.New("invalid date")
	ErrInvalidHour = errors.New("invalid hour")
)

const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

// ParseDate parses a YYYY-MM-DD calendar date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q, expected YYYY-MM-DD", ErrInvalidDate, s)
	}
	return d, nil
}

// ParseHour parses an hour of day in the range 0-23.
func ParseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidHour, s)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %d, hour must be between 0 and 23", ErrInvalidHour, h)
	}
	return h, nil
}

// HourTimestamp resolves a date string and hour string to the UTC hour they
// name.
func HourTimestamp(date, hour string) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	h, err := ParseHour(hour)
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(time.Duration(h) * time.Hour), nil
}

// FormatTimestamp renders ts the way the API and the provider spell it,
// e.g. "2023-03-24 10:00:00".
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// CanonicalTimestamp strips the monotonic clock reading and location so
// equal instants compare equal as map keys.
func CanonicalTimestamp(ts time.Time) time.Time {
	return ts.Round(0).UTC()
}

// IsHourAligned reports whether ts has no minute, second or sub-second part.
func IsHourAligned(ts time.Time) bool {
	return ts.Equal(ts.Truncate(time.Hour))
}

// NormalizeSymbol uppercases and trims a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
