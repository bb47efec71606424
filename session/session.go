package session

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Status records the outcome of session construction. It determines whether
// the session is usable at all and is echoed on idempotent re-creates.
type Status int

const (
	StatusOK Status = iota
	StatusForbidden
	StatusConflict
)

// String returns a short name for logging
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusForbidden:
		return "forbidden"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// fragment is one accepted byte range, stored in arrival order. Offsets are
// inclusive and data always spans exactly [start, end].
type fragment struct {
	start int64
	end   int64
	data  []byte
}

// UploadSession is the per-target-file state of one BITS upload job. It owns
// the destination file handle for the session's lifetime and reassembles the
// fragments the client streams in.
type UploadSession struct {
	id                string
	targetPath        string
	fragmentSizeLimit int64
	status            Status
	claimed           bool

	mu             sync.Mutex
	file           *os.File
	fragments      []fragment
	expectedLength int64 // -1 until the first fragment fixes it
	lastActivity   time.Time
	logger         *logrus.Entry
}

// ID returns the session identifier.
func (s *UploadSession) ID() string {
	return s.id
}

// TargetPath returns the absolute path the final file will occupy.
func (s *UploadSession) TargetPath() string {
	return s.targetPath
}

// Status returns the outcome recorded at construction time.
func (s *UploadSession) Status() Status {
	return s.status
}

// ExpectedLength returns the declared total file size, or -1 before the
// first fragment has been processed.
func (s *UploadSession) ExpectedLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedLength
}

// LastActivity returns the time of the most recent fragment or the creation
// time if no fragment has arrived yet.
func (s *UploadSession) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// AddFragment applies one fragment received from the client to the session.
// rangeStart and rangeEnd are inclusive byte offsets; payload must span
// exactly that range. The first fragment fixes the expected total length of
// the upload. Returns true when the accepted fragment completes the file, in
// which case the reassembled content has been written to the target path.
//
// A fragment that starts past the contiguous frontier is rejected with
// InvalidFragmentError. A fragment overlapping already accepted data is
// trimmed to its non-overlapping suffix; previously accepted bytes are never
// rewritten.
func (s *UploadSession) AddFragment(totalLength, rangeStart, rangeEnd int64, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()

	if rangeEnd-rangeStart > s.fragmentSizeLimit {
		return false, &FragmentTooLargeError{FragmentSize: rangeEnd - rangeStart, Limit: s.fragmentSizeLimit}
	}

	// The first fragment in the session declares the total upload length.
	if s.expectedLength == -1 {
		s.expectedLength = totalLength
	}

	lastEnd := int64(-1)
	if n := len(s.fragments); n > 0 {
		lastEnd = s.fragments[n-1].end
	}

	if rangeStart > lastEnd+1 {
		// Gap before the contiguous frontier. The server has no way to
		// request retransmission of the missing range other than rejecting
		// this fragment outright.
		return false, &InvalidFragmentError{LastRangeEnd: lastEnd, NewRangeStart: rangeStart}
	}

	if rangeEnd <= lastEnd {
		// Full duplicate of already accepted data. Nothing new to record;
		// acknowledge it, and re-run the completion write if this was a
		// resend of the final fragment.
		if rangeEnd+1 == s.expectedLength {
			if err := s.writeFile(); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}

	if rangeStart <= lastEnd {
		// Partial overlap with the last accepted fragment. Only the
		// non-overlapping suffix is kept; the already accepted prefix is
		// discarded, not rewritten.
		payload = payload[lastEnd+1-rangeStart:]
		rangeStart = lastEnd + 1
	}

	s.fragments = append(s.fragments, fragment{start: rangeStart, end: rangeEnd, data: payload})

	if rangeEnd+1 == s.expectedLength {
		if err := s.writeFile(); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// writeFile concatenates all accepted fragments in order and writes the
// result to the destination in one operation. Callers hold s.mu. The write
// starts at offset zero and truncates, so a repeated completion (duplicate
// final fragment) overwrites rather than corrupts.
func (s *UploadSession) writeFile() error {
	if s.file == nil {
		return fmt.Errorf("upload session %s has no open output file", s.id)
	}

	var buf bytes.Buffer
	for _, frg := range s.fragments {
		buf.Write(frg.data)
	}

	if _, err := s.file.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write uploaded data to %s: %w", s.targetPath, err)
	}
	if err := s.file.Truncate(int64(buf.Len())); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", s.targetPath, err)
	}

	s.logger.WithFields(logrus.Fields{
		"path":  s.targetPath,
		"bytes": buf.Len(),
	}).Info("Upload complete, file written")

	return nil
}

// close flushes and releases the output file. Safe to call for sessions
// that never opened one (forbidden/conflict creations). Called by the
// registry with the session removed from the table.
func (s *UploadSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	var result *multierror.Error
	if err := s.file.Sync(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to flush %s: %w", s.targetPath, err))
	}
	if err := s.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close %s: %w", s.targetPath, err))
	}
	s.file = nil

	return result.ErrorOrNil()
}
