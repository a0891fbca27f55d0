package query

import (
	"fmt"
)

// ValidationError reports malformed lookup input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SymbolNotFoundError is returned when the symbol holds no bars at all.
type SymbolNotFoundError struct {
	Symbol           string
	AvailableSymbols []string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("no data for %s", e.Symbol)
}

// TimestampNotFoundError is returned when the symbol has bars, just not at
// the requested hour.
type TimestampNotFoundError struct {
	Symbol         string
	Timestamp      string
	AvailableDates []string
	AvailableHours []int
}

func (e *TimestampNotFoundError) Error() string {
	return fmt.Sprintf("no data for %s at %s", e.Symbol, e.Timestamp)
}
