// Package errs defines the error taxonomy shared by the sync engine.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRemoteUnavailable matches any failure to reach or authenticate against GitHub.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrMalformedRemoteData matches payloads missing fields the projection needs.
	ErrMalformedRemoteData = errors.New("malformed remote data")

	// ErrStoreConflict is returned when a concurrent writer won a nonce race.
	ErrStoreConflict = errors.New("store conflict")
)

// RemoteUnavailableError wraps a transport or auth failure from GitHub.
type RemoteUnavailableError struct {
	Op  string
	Err error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("%s: remote unavailable: %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRemoteUnavailable) match.
func (e *RemoteUnavailableError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// RateLimitError is a RemoteUnavailableError carrying the time the quota resets.
type RateLimitError struct {
	Op        string
	ResetTime time.Time
	Err       error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited until %s: %v", e.Op, e.ResetTime.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// RetryAfter returns how long the caller should wait, never negative.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// MalformedRemoteDataError describes a remote payload that cannot be projected.
type MalformedRemoteDataError struct {
	RemoteID string
	Field    string
	Detail   string
}

func (e *MalformedRemoteDataError) Error() string {
	if e.RemoteID == "" {
		return fmt.Sprintf("malformed remote data: %s: %s", e.Field, e.Detail)
	}
	return fmt.Sprintf("malformed remote data in %s: %s: %s", e.RemoteID, e.Field, e.Detail)
}

func (e *MalformedRemoteDataError) Is(target error) bool {
	return target == ErrMalformedRemoteData
}

// Malformed is shorthand for building a MalformedRemoteDataError.
func Malformed(remoteID, field, detail string) error {
	return &MalformedRemoteDataError{RemoteID: remoteID, Field: field, Detail: detail}
}
