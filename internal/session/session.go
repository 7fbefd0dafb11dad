// Package session tracks, per open client connection, the samples still
// outstanding and writes the consolidated response once the last one
// resolves.
package session

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

// Session is one accepted client connection. Only the Map mutates it.
type Session struct {
	id     string
	conn   net.Conn
	opened time.Time

	order   []*sample.Sample
	pending map[uint64]struct{}
	closed  bool
}

// New wraps an accepted connection.
func New(conn net.Conn) *Session {
	return &Session{
		id:      uuid.New().String(),
		conn:    conn,
		opened:  time.Now(),
		pending: make(map[uint64]struct{}),
	}
}

// ID returns the session id samples refer back to.
func (s *Session) ID() string { return s.id }

// Result is one element of the consolidated response.
type Result struct {
	ID             uint64                     `json:"id"`
	UUID           string                     `json:"uuid"`
	FullName       string                     `json:"full_name"`
	NameDeclared   string                     `json:"name_declared,omitempty"`
	State          string                     `json:"state"`
	SHA256         string                     `json:"sha256,omitempty"`
	Classification sample.Classification      `json:"classification,omitempty"`
	Score          float64                    `json:"score"`
	Reason         string                     `json:"reason,omitempty"`
	Error          string                     `json:"error,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ResultFor renders the outcome of s.
func ResultFor(s *sample.Sample) Result {
	r := Result{
		ID:           s.ID(),
		UUID:         s.UUID(),
		FullName:     s.Path(),
		NameDeclared: s.DeclaredName(),
		State:        s.State().String(),
		SHA256:       s.Fingerprint().SHA256,
		Metadata:     s.Metadata(),
	}
	if v := s.Verdict(); v != nil {
		r.Classification = v.Classification
		r.Score = v.Score
		r.Reason = v.Reason
	}
	if err := s.Cause(); err != nil {
		r.Error = err.Error()
	}
	return r
}

// Map is the concurrency-safe registry of sessions with outstanding samples.
type Map struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewMap creates an empty map. writeTimeout bounds the final write-back;
// zero means no deadline.
func NewMap(writeTimeout time.Duration, logger *zap.Logger) *Map {
	return &Map{
		sessions:     make(map[string]*Session),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Register adds all samples to sess in one step. A session registered with no
// samples is finalised at once. It returns false if sess was already
// finalised.
func (m *Map) Register(sess *Session, samples []*sample.Sample) bool {
	m.mu.Lock()
	if sess.closed {
		m.mu.Unlock()
		return false
	}
	for _, s := range samples {
		if _, dup := sess.pending[s.ID()]; dup {
			continue
		}
		sess.pending[s.ID()] = struct{}{}
		sess.order = append(sess.order, s)
	}
	if len(sess.pending) > 0 {
		m.sessions[sess.id] = sess
		m.mu.Unlock()
		m.logger.Debug("session registered",
			zap.String("session_id", sess.id),
			zap.Int("samples", len(samples)),
		)
		return true
	}
	sess.closed = true
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	m.finalize(sess)
	return true
}

// Resolve marks s as done for its session. The call that empties the
// outstanding set writes the response and closes the connection; it is the
// only call that returns true.
func (m *Map) Resolve(s *sample.Sample) bool {
	m.mu.Lock()
	sess, ok := m.sessions[s.SessionID()]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("resolve for unknown session",
			zap.String("session_id", s.SessionID()),
			zap.Uint64("sample_id", s.ID()),
		)
		return false
	}
	if _, ok := sess.pending[s.ID()]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(sess.pending, s.ID())
	if len(sess.pending) > 0 || sess.closed {
		m.mu.Unlock()
		return false
	}
	sess.closed = true
	delete(m.sessions, sess.id)
	m.mu.Unlock()

	m.finalize(sess)
	return true
}

// Len returns the number of sessions with outstanding samples.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Outstanding returns how many samples of a session are unresolved.
func (m *Map) Outstanding(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return len(sess.pending)
	}
	return 0
}

// finalize runs exactly once per session, outside the lock.
func (m *Map) finalize(sess *Session) {
	results := make([]Result, 0, len(sess.order))
	for _, s := range sess.order {
		results = append(results, ResultFor(s))
	}

	logger := m.logger.With(zap.String("session_id", sess.id))
	payload, err := json.Marshal(results)
	if err != nil {
		logger.Error("encode session response", zap.Error(err))
		payload = []byte(`[]`)
	}
	payload = append(payload, '\n')

	if m.writeTimeout > 0 {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
	if _, err := sess.conn.Write(payload); err != nil {
		logger.Warn("write session response", zap.Error(err))
	}
	if err := sess.conn.Close(); err != nil {
		logger.Debug("close session connection", zap.Error(err))
	}
	logger.Info("session resolved",
		zap.Int("samples", len(results)),
		zap.Duration("held", time.Since(sess.opened)),
	)
}
