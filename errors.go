package optantes

import "errors"

var (
	// Input errors.
	ErrInvalidInput      = errors.New("optantes: invalid input")
	ErrInvalidIdentifier = errors.New("optantes: invalid identifier")

	// Job errors.
	ErrJobNotFound  = errors.New("optantes: job not found")
	ErrNotReady     = errors.New("optantes: result not ready")
	ErrEngineClosed = errors.New("optantes: engine closed")

	// Cache errors.
	ErrCacheMiss = errors.New("optantes: cache miss")

	// Registry errors. ErrNotFound is a definitive "no such company"
	// answer from the upstream; ErrUpstream covers transient failures
	// (rate limit, 5xx, network) that may succeed on a later attempt.
	ErrNotFound = errors.New("optantes: company not found")
	ErrUpstream = errors.New("optantes: upstream unavailable")
)
