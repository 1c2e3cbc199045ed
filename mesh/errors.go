package mesh

import "errors"

// Contract violations: the caller broke the operation's preconditions.
var (
	ErrMalformedVector = errors.New("malformed pose vector")
	ErrNilTarget       = errors.New("target node is nil")
	ErrNotTracking     = errors.New("no valid board pose: session is not tracking")
	ErrCycleInFlight   = errors.New("tracking cycle already in flight")
	ErrAlreadyAligned  = errors.New("correction offset already applied")
)

// Protocol violations: the submission is rejected without touching coordinator state.
var (
	ErrGarbageSubmission   = errors.New("submission carries the identity board pose")
	ErrMalformedSubmission = errors.New("malformed reference submission")
)

// ErrScaleDeviation flags a composed world transform whose scale is not 1.
var ErrScaleDeviation = errors.New("world transform scale deviates from 1")
