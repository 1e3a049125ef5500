package domain

import (
	"errors"
	"strings"
)

var (
	// ErrMalformedBody means the request body is not a JSON object.
	ErrMalformedBody = errors.New("invalid JSON body")

	// ErrRateLimited means the source exhausted its window.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		msgs = append(msgs, "invalid "+fe.Field)
	}
	return strings.Join(msgs, ", ")
}

// StorageError is a server-side persistence failure. It is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }
