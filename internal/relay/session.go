package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	apierr "github.com/relaystore/relaystore/internal/errors"
)

// sessionKey identifies an upload session. One producer assembles at most one
// archive of a given name at a time.
type sessionKey struct {
	ownerKey string
	name     string
}

// uploadSession accumulates archive chunks in a fixed slot array. Chunks may
// arrive in any order and concurrently; the slot index is authoritative, not
// arrival order.
type uploadSession struct {
	chunks       [][]byte
	received     int
	totalBytes   int64
	createdAt    time.Time
	lastActivity time.Time
}

// SessionManager tracks all in-flight chunked uploads. Sessions live entirely
// in memory; a restart discards them and producers retry from chunk zero.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[sessionKey]*uploadSession
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[sessionKey]*uploadSession)}
}

// PutChunk stores one chunk in the session identified by (ownerKey, name),
// creating the session on first arrival. Exactly one concurrent first-chunk
// caller creates the session; the rest join it. Re-sending an index replaces
// the slot, so producer retries are harmless.
func (m *SessionManager) PutChunk(ownerKey, name string, index, total int, data []byte) error {
	if total <= 0 {
		return apierr.ErrValidation.WithMessage("total chunk count must be positive, got %d", total)
	}
	if index < 0 || index >= total {
		return apierr.ErrValidation.WithMessage("chunk index %d out of range [0, %d)", index, total)
	}

	key := sessionKey{ownerKey: ownerKey, name: name}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		sess = &uploadSession{
			chunks:    make([][]byte, total),
			createdAt: now,
		}
		m.sessions[key] = sess
	}
	if len(sess.chunks) != total {
		return apierr.ErrValidation.WithMessage(
			"chunk count mismatch: session expects %d chunks, request says %d", len(sess.chunks), total)
	}

	if sess.chunks[index] == nil {
		sess.received++
	} else {
		sess.totalBytes -= int64(len(sess.chunks[index]))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	sess.chunks[index] = buf
	sess.totalBytes += int64(len(buf))
	sess.lastActivity = now
	return nil
}

// Finalize assembles the session's chunks in index order, computes the
// SHA-256 digest of the result, and removes the session. The session is
// consumed only on success: an incomplete session survives so the producer
// can send the missing chunks and retry.
func (m *SessionManager) Finalize(ownerKey, name string) ([]byte, string, error) {
	key := sessionKey{ownerKey: ownerKey, name: name}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[key]
	if !ok {
		return nil, "", apierr.ErrSessionNotFound
	}

	for i, chunk := range sess.chunks {
		if chunk == nil {
			return nil, "", apierr.ErrIncompleteUpload.WithMessage(
				"Missing chunk %d of %d for %q", i, len(sess.chunks), name)
		}
	}

	assembled := make([]byte, 0, sess.totalBytes)
	for _, chunk := range sess.chunks {
		assembled = append(assembled, chunk...)
	}
	digest := sha256.Sum256(assembled)

	delete(m.sessions, key)
	return assembled, hex.EncodeToString(digest[:]), nil
}

// Abort removes a session without assembling it. Removing an absent session
// is not an error.
func (m *SessionManager) Abort(ownerKey, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{ownerKey: ownerKey, name: name})
}

// ReapIdle removes every session whose last activity is older than the idle
// timeout, measured against now. Returns the number of sessions removed.
func (m *SessionManager) ReapIdle(now time.Time, idleTimeout time.Duration) int {
	cutoff := now.Add(-idleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for key, sess := range m.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(m.sessions, key)
			reaped++
		}
	}
	return reaped
}

// OpenSessions returns the number of in-flight sessions.
func (m *SessionManager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
