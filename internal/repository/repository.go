package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

// ErrNotFound is returned when no row matches a lookup.
var ErrNotFound = errors.New("repository: not found")

// SampleRecord is the persisted journal entry of one sample.
type SampleRecord struct {
	UUID         string
	SubmissionID uint64
	SHA256       string
	FullName     string
	DeclaredName string
	State        string
	Cause        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecordFor builds the journal entry of s in its current state.
func RecordFor(s *sample.Sample) *SampleRecord {
	rec := &SampleRecord{
		UUID:         s.UUID(),
		SubmissionID: s.ID(),
		SHA256:       s.Fingerprint().SHA256,
		FullName:     s.Path(),
		DeclaredName: s.DeclaredName(),
		State:        s.State().String(),
		CreatedAt:    s.CreatedAt(),
		UpdatedAt:    s.UpdatedAt(),
	}
	if cause := s.Cause(); cause != nil {
		rec.Cause = cause.Error()
	}
	return rec
}

// Store is the durable result store. Verdicts are keyed by the SHA256 of the
// analysed content; samples by their UUID.
// Implementations must be safe for concurrent use and honour ctx.
type Store interface {
	// GetVerdict returns ErrNotFound when the content was never analysed.
	GetVerdict(ctx context.Context, sha256 string) (*sample.Verdict, error)

	// SaveVerdict inserts or replaces the verdict for sha256.
	SaveVerdict(ctx context.Context, sha256 string, v *sample.Verdict) error

	// SaveSample inserts or replaces the journal entry of a sample.
	SaveSample(ctx context.Context, rec *SampleRecord) error

	// GetSample returns ErrNotFound for an unknown UUID.
	GetSample(ctx context.Context, uuid string) (*SampleRecord, error)

	// ListRecent returns up to limit samples, newest first.
	ListRecent(ctx context.Context, limit int) ([]*SampleRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
