package errval

import (
	"errors"
)

var (
	ErrInternal      = errors.New("internal error")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("invalid task message")
	ErrUnknownTask   = errors.New("unknown task")
	ErrDecode        = errors.New("message decode failed")
	ErrTimeout       = errors.New("operation timed out")
	ErrQueueEmpty    = errors.New("queue is empty")
	ErrStateConflict = errors.New("task result already in a terminal state")
	ErrPoolClosed    = errors.New("pool is not accepting work")
)
