// Package sample models one file submitted for behavioural analysis and the
// small state machine it moves through.
package sample

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a Sample.
type State int

const (
	Received State = iota
	Queued
	Analyzing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Queued:
		return "queued"
	case Analyzing:
		return "analyzing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// ErrInvalidTransition is returned when a transition does not start from the
// state it requires, or the sample is already terminal.
var ErrInvalidTransition = errors.New("sample: invalid state transition")

// Classification is the outcome class of a verdict.
type Classification string

const (
	Unknown Classification = "unknown"
	Good    Classification = "good"
	Bad     Classification = "bad"
)

// Verdict is the result of analysing a sample's content.
type Verdict struct {
	Classification Classification  `json:"classification"`
	Score          float64         `json:"score"`
	Reason         string          `json:"reason,omitempty"`
	Backend        string          `json:"backend"`
	Report         json.RawMessage `json:"report,omitempty"`
	AnalyzedAt     time.Time       `json:"analyzed_at"`
}

// Fingerprint identifies file content.
type Fingerprint struct {
	SHA256    string
	Size      int64
	MimeType  string
	Extension string
}

// Sequence hands out strictly increasing submission ids.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next id, starting at 1.
func (q *Sequence) Next() uint64 {
	return q.n.Add(1)
}

// Sample is one file under analysis. Identity fields are fixed at
// construction; the mutable part is guarded by mu.
type Sample struct {
	id        uint64
	uuid      string
	path      string
	name      string
	metadata  map[string]json.RawMessage
	sessionID string
	createdAt time.Time

	mu          sync.RWMutex
	state       State
	fingerprint Fingerprint
	verdict     *Verdict
	cause       error
	updatedAt   time.Time
}

// New creates a sample in the Received state. metadata is the client's
// descriptor, kept as-is and echoed back with the result.
func New(id uint64, path, declaredName string, metadata map[string]json.RawMessage, sessionID string) *Sample {
	now := time.Now()
	return &Sample{
		id:        id,
		uuid:      uuid.New().String(),
		path:      path,
		name:      declaredName,
		metadata:  metadata,
		sessionID: sessionID,
		createdAt: now,
		state:     Received,
		updatedAt: now,
	}
}

func (s *Sample) ID() uint64                           { return s.id }
func (s *Sample) UUID() string                         { return s.uuid }
func (s *Sample) Path() string                         { return s.path }
func (s *Sample) DeclaredName() string                 { return s.name }
func (s *Sample) Metadata() map[string]json.RawMessage { return s.metadata }
func (s *Sample) SessionID() string                    { return s.sessionID }
func (s *Sample) CreatedAt() time.Time                 { return s.createdAt }

// State returns the current state.
func (s *Sample) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Verdict returns the verdict of a completed sample, or nil.
func (s *Sample) Verdict() *Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verdict
}

// Cause returns the failure cause of a failed sample, or nil.
func (s *Sample) Cause() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// Fingerprint returns the content fingerprint once the worker computed it.
func (s *Sample) Fingerprint() Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// UpdatedAt is the time of the last transition.
func (s *Sample) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// SetFingerprint records the content fingerprint. Only the owning worker
// calls it, while the sample is analyzing.
func (s *Sample) SetFingerprint(fp Fingerprint) {
	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
}

// Enqueue moves a received sample to queued.
func (s *Sample) Enqueue() error {
	return s.transition(Received, Queued, nil)
}

// Claim moves a queued sample to analyzing.
func (s *Sample) Claim() error {
	return s.transition(Queued, Analyzing, nil)
}

// Complete moves an analyzing sample to completed with v.
func (s *Sample) Complete(v *Verdict) error {
	if v == nil {
		return fmt.Errorf("%w: nil verdict", ErrInvalidTransition)
	}
	return s.transition(Analyzing, Completed, v)
}

// Fail moves any non-terminal sample to failed.
func (s *Sample) Fail(cause error) error {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, Failed)
	}
	s.state = Failed
	s.cause = cause
	s.updatedAt = time.Now()
	return nil
}

func (s *Sample) transition(from, to State, v *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: %s -> %s (from %s)", ErrInvalidTransition, s.state, to, from)
	}
	s.state = to
	if v != nil {
		s.verdict = v
	}
	s.updatedAt = time.Now()
	return nil
}

func (s *Sample) String() string {
	return fmt.Sprintf("sample %d (%s) %s", s.id, s.path, s.State())
}
