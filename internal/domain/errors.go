package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAdmissionDenied     = errors.New("admission denied")
	ErrUnsafe              = errors.New("instrument failed safety check")
	ErrSizeTooSmall        = errors.New("position size too small to execute")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrExecutionFailed     = errors.New("order execution failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLockHeld            = errors.New("lock already held")
)
