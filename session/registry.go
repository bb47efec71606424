package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// sessionIDNamespace seeds the deterministic session id derivation.
var sessionIDNamespace = uuid.MustParse("b1755e5e-9075-4f0a-b28f-d0e8e5f6a3c1")

// DeriveSessionID produces the session identifier for a (client address,
// resource path) pair. The derivation is deterministic so that every request
// a client makes for the same resource addresses the same session, and
// distinct clients or paths never collide.
func DeriveSessionID(clientAddr, resourcePath string) string {
	id := uuid.NewSHA1(sessionIDNamespace, []byte(clientAddr+"|"+resourcePath))
	return "{" + id.String() + "}"
}

// NormalizeSessionID canonicalizes a session id received from a client.
func NormalizeSessionID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Registry is the process-wide table of active upload sessions. It owns the
// set of target paths currently claimed by a session, so that at most one
// session may write a given file at a time. All methods are safe for
// concurrent use; one mutex guards both the session map and the claim set.
type Registry struct {
	fragmentSizeLimit int64
	idleTimeout       time.Duration
	logger            *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*UploadSession
	claimed  map[string]struct{}

	cleanupTicker *time.Ticker
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewRegistry creates a session registry. fragmentSizeLimit caps the size of
// a single fragment in bytes. If idleTimeout is positive, a cleanup goroutine
// releases sessions with no activity for that long; zero keeps sessions alive
// until an explicit Close-Session or Cancel-Session.
func NewRegistry(fragmentSizeLimit int64, idleTimeout time.Duration, logger *logrus.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		fragmentSizeLimit: fragmentSizeLimit,
		idleTimeout:       idleTimeout,
		logger:            logger,
		sessions:          make(map[string]*UploadSession),
		claimed:           make(map[string]struct{}),
		ctx:               ctx,
		cancel:            cancel,
	}

	if idleTimeout > 0 {
		r.cleanupTicker = time.NewTicker(30 * time.Second)
		go r.cleanupSessions()
	}

	return r
}

// CreateOrGet returns the session registered under sessionID, constructing
// one against targetPath if none exists. Construction validates the target:
// a directory, a missing parent, or an unopenable file yields StatusForbidden;
// a path already claimed by another live session yields StatusConflict.
// Re-creating an existing id returns the session and its originally recorded
// status without re-validating.
func (r *Registry) CreateOrGet(sessionID, targetPath string) (*UploadSession, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, exists := r.sessions[sessionID]; exists {
		return sess, sess.status
	}

	sess := &UploadSession{
		id:                sessionID,
		targetPath:        targetPath,
		fragmentSizeLimit: r.fragmentSizeLimit,
		expectedLength:    -1,
		lastActivity:      time.Now(),
		logger: r.logger.WithFields(logrus.Fields{
			"session": sessionID,
		}),
	}
	sess.status = r.initSession(sess)
	r.sessions[sessionID] = sess

	r.logger.WithFields(logrus.Fields{
		"session": sessionID,
		"path":    targetPath,
		"status":  sess.status,
	}).Info("Upload session created")

	return sess, sess.status
}

// initSession validates the target path, claims it, and opens the output
// file. Callers hold r.mu.
func (r *Registry) initSession(sess *UploadSession) Status {
	info, err := os.Stat(sess.targetPath)
	switch {
	case err == nil:
		// Target exists. Directories cannot be upload targets; an existing
		// regular file is overwritten by the new upload.
		if info.IsDir() {
			return StatusForbidden
		}
	case os.IsNotExist(err):
		// Target absent. The parent directory must already exist; the
		// server does not create directory trees.
		if _, perr := os.Stat(filepath.Dir(sess.targetPath)); perr != nil {
			return StatusForbidden
		}
	default:
		return StatusForbidden
	}

	if _, inUse := r.claimed[sess.targetPath]; inUse {
		return StatusConflict
	}

	file, err := os.OpenFile(sess.targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"session": sess.id,
			"path":    sess.targetPath,
			"error":   err,
		}).Warn("Failed to open upload target")
		return StatusForbidden
	}

	r.claimed[sess.targetPath] = struct{}{}
	sess.claimed = true
	sess.file = file
	return StatusOK
}

// Lookup returns the session registered under sessionID, if any.
func (r *Registry) Lookup(sessionID string) (*UploadSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, exists := r.sessions[sessionID]
	return sess, exists
}

// Release terminates the session registered under sessionID: the output file
// is flushed and closed, the target path claim is dropped, and the registry
// entry is removed. Returns ErrUnknownSession if the id is not registered.
func (r *Registry) Release(sessionID string) error {
	r.mu.Lock()
	sess, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return ErrUnknownSession
	}
	delete(r.sessions, sessionID)
	if sess.claimed {
		delete(r.claimed, sess.targetPath)
	}
	r.mu.Unlock()

	// Closing the file can block on a flush; do it outside the registry lock
	// so other sessions are not held up.
	if err := sess.close(); err != nil {
		return fmt.Errorf("failed to release session %s: %w", sessionID, err)
	}
	return nil
}

// ActiveSessions returns the number of registered sessions.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops the cleanup goroutine and releases every remaining session.
func (r *Registry) Shutdown() error {
	r.cancel()
	if r.cleanupTicker != nil {
		r.cleanupTicker.Stop()
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := r.Release(id); err != nil && err != ErrUnknownSession {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (r *Registry) cleanupSessions() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.cleanupTicker.C:
			r.expireIdleSessions(time.Now())
		}
	}
}

// expireIdleSessions releases sessions whose last activity is older than the
// configured idle timeout.
func (r *Registry) expireIdleSessions(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, sess := range r.sessions {
		if now.Sub(sess.LastActivity()) > r.idleTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.WithFields(logrus.Fields{
			"session": id,
		}).Info("Releasing upload session idle past timeout")
		if err := r.Release(id); err != nil && err != ErrUnknownSession {
			r.logger.WithFields(logrus.Fields{
				"session": id,
				"error":   err,
			}).Warn("Failed to release idle session")
		}
	}
}
