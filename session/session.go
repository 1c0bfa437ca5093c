// Package session implements the per-connection Session and Open handle
// records from spec.md §3: a session owns a handle-id generator and a
// table of open handles, destroyed (closing every handle) on SSH
// transport teardown.
package session

import (
	"crypto/rand"
	"encoding/base32"
	"sync"

	"github.com/google/uuid"

	"github.com/schlep/schlep/metrics"
	"github.com/schlep/schlep/mount"
	"github.com/schlep/schlep/sandbox"
)

// Handle is the per-session mutable record described in spec.md §3.
type Handle struct {
	ID    string
	Kind  sandbox.FileKind
	Mount *mount.Mount // nil for a handle rooted at a synthetic ancestor
	Path  string       // the resolved virtual path, for REALPATH/logging

	mu       sync.Mutex
	File     sandbox.File
	Dir      sandbox.Dir
	Position int64

	// synthChildren backs READDIR on a handle opened over a synthetic
	// ancestor directory, which has no sandbox.Dir to stream from.
	synthChildren []sandbox.DirEntry
	synthPos      int
}

// Lock serializes requests against this handle, per spec.md §4.8
// ("Requests on the same handle are serialized per handle").
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// SetSynthChildren seeds the synthesized directory entries for a handle
// opened over a synthetic ancestor path, so ReadSynthDir can page through
// them the same way sandbox.Dir.ReadDir pages through a real directory.
func (h *Handle) SetSynthChildren(entries []sandbox.DirEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.synthChildren = entries
	h.synthPos = 0
}

// ReadSynthDir returns up to n remaining synthesized entries, or
// io.EOF-shaped exhaustion signalled by returning an empty slice and
// ok=false once the cursor reaches the end.
func (h *Handle) ReadSynthDir(n int) (entries []sandbox.DirEntry, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.synthPos >= len(h.synthChildren) {
		return nil, false
	}
	end := len(h.synthChildren)
	if n > 0 && h.synthPos+n < end {
		end = h.synthPos + n
	}
	out := h.synthChildren[h.synthPos:end]
	h.synthPos = end
	return out, true
}

// Close releases whatever host resource the handle owns. Safe to call
// more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.File != nil {
		err = h.File.Close()
		h.File = nil
	}
	if h.Dir != nil {
		if derr := h.Dir.Close(); err == nil {
			err = derr
		}
		h.Dir = nil
	}
	return err
}

// Session is the per-connection state described in spec.md §3.
type Session struct {
	Identity string

	// ID tags every log line and metric this session produces, per
	// spec.md §7's telemetry-tagging requirement. It has nothing to do
	// with handle tokens (randomToken, below), which are a separate,
	// per-handle 128-bit id.
	ID string

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// New creates a session for an authenticated identity. Sessions are
// created on successful SSH authentication (spec.md §3).
func New(identity string) *Session {
	return &Session{
		Identity: identity,
		ID:       uuid.New().String(),
		handles:  make(map[string]*Handle),
	}
}

// NewHandle mints a handle with a random 128-bit printable token, unique
// within this session (spec.md §4.8), and registers it in the handle
// table.
func (s *Session) NewHandle(kind sandbox.FileKind, m *mount.Mount, path string) (*Handle, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	h := &Handle{ID: token, Kind: kind, Mount: m, Path: path}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	for { // practically never loops: 128 bits of randomness per session
		if _, exists := s.handles[h.ID]; !exists {
			break
		}
		h.ID, err = randomToken()
		if err != nil {
			return nil, err
		}
	}
	s.handles[h.ID] = h
	if s.Metrics != nil {
		s.Metrics.OpenHandles.Inc()
	}
	return h, nil
}

// Lookup returns the handle for id, or ok=false if it is unknown — the
// caller reports an invalid handle (sftpd sends SSH_FX_FAILURE, since SFTP
// v3 has no INVALID_HANDLE status).
func (s *Session) Lookup(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// CloseHandle destroys the handle for id, closing its host resource. It
// is a no-op (not an error) if id is already unknown, matching CLOSE's
// idempotent-on-teardown-race semantics.
func (s *Session) CloseHandle(id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if s.Metrics != nil {
		s.Metrics.OpenHandles.Dec()
	}
	return h.Close()
}

// Teardown closes every open handle and marks the session closed, per
// spec.md §3's session destruction contract.
func (s *Session) Teardown() {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*Handle)
	s.closed = true
	s.mu.Unlock()
	if s.Metrics != nil && len(handles) > 0 {
		s.Metrics.OpenHandles.Sub(float64(len(handles)))
	}
	for _, h := range handles {
		_ = h.Close()
	}
}

// HandleCount reports the number of open handles, for tests verifying
// the "handle table is empty iff every OPEN has a matching CLOSE"
// invariant (spec.md §8).
func (s *Session) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

var errClosed = sessionClosedError{}

type sessionClosedError struct{}

func (sessionClosedError) Error() string { return "session is closed" }

func randomToken() (string, error) {
	buf := make([]byte, 16) // 128 bits, per spec.md §4.8
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
