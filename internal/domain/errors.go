package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrUntrackedSymbol = errors.New("symbol is not tracked")
	ErrInvalidSymbol   = errors.New("invalid symbol")
)
