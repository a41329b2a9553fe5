package types

import (
	"errors"
	"fmt"
)

var (
	ErrTransientNetwork       = errors.New("transient network error")
	ErrUnrecoverableMedia     = errors.New("unrecoverable media error")
	ErrUnsupportedEnvironment = errors.New("unsupported environment")

	// swarm backend warnings
	ErrIncorrectDescriptor = errors.New("incorrect swarm descriptor")
	ErrOriginUnreachable   = errors.New("origin unreachable")
)

// IntegrityMismatchError is raised when received bytes hash differently from the manifest.
type IntegrityMismatchError struct {
	Segment  SegmentIdentity
	Expected string
	Actual   string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s, got %s", e.Segment, e.Expected, e.Actual)
}

// UnknownSegmentError is raised when the manifest still lacks a segment after every refetch.
type UnknownSegmentError struct {
	Segment  SegmentIdentity
	Attempts int
}

func (e *UnknownSegmentError) Error() string {
	return fmt.Sprintf("unknown segment %s after %d manifest lookups", e.Segment, e.Attempts)
}

// IsIntegrityMismatch reports whether err carries an IntegrityMismatchError.
func IsIntegrityMismatch(err error) bool {
	var m *IntegrityMismatchError
	return errors.As(err, &m)
}

// IsUnknownSegment reports whether err carries an UnknownSegmentError.
func IsUnknownSegment(err error) bool {
	var u *UnknownSegmentError
	return errors.As(err, &u)
}
