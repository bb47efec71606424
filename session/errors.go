package session

import (
	"errors"
	"fmt"
)

// ErrUnknownSession is returned when an operation addresses a session id
// that is not present in the registry.
var ErrUnknownSession = errors.New("unknown session id")

// InvalidFragmentError reports a fragment whose range is not contiguous
// with the previously accepted data. The protocol disallows gaps.
type InvalidFragmentError struct {
	LastRangeEnd  int64
	NewRangeStart int64
}

func (e *InvalidFragmentError) Error() string {
	return fmt.Sprintf("invalid fragment: new range start %d is not contiguous with last received end %d",
		e.NewRangeStart, e.LastRangeEnd)
}

// FragmentTooLargeError reports a fragment whose declared size exceeds the
// server's configured limit.
type FragmentTooLargeError struct {
	FragmentSize int64
	Limit        int64
}

func (e *FragmentTooLargeError) Error() string {
	return fmt.Sprintf("oversized fragment: %d bytes exceeds server limit of %d", e.FragmentSize, e.Limit)
}
