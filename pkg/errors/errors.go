package errors

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")

	// queue
	ErrAlreadyQueued   = errors.New("already queued")
	ErrNotQueued       = errors.New("not queued")
	ErrCategoryUnknown = errors.New("unknown category")
	ErrQueueNotReady   = errors.New("queue countdown not elapsed")
	ErrQueueProcessing = errors.New("queue operation in progress")

	// match bookkeeping
	ErrPendingMatchNotFound = errors.New("pending match not found")
	ErrSessionLimitReached  = errors.New("active session limit reached")
	ErrMatchAlreadySettled  = errors.New("match already settled")
	ErrResultValidation     = errors.New("invalid result payload")

	// question store
	ErrQuestionNotFound = errors.New("question not found")
)
