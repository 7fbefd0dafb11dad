// Package sandbox abstracts the behavioural-analysis backend. Two variants
// exist: an embedded run-loop that drives a local sandbox command, and a
// client of a remote Cuckoo-compatible REST API. The variant is picked once
// by New.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/config"
	"github.com/mtiwari1/peekaboo/internal/sample"
)

// ErrBackendUnavailable means the backend could not be reached or is gone.
// No retry policy exists, so the sample fails.
var ErrBackendUnavailable = errors.New("sandbox: backend unavailable")

// BackendError is a backend that ran and reported an error for the sample.
type BackendError struct {
	Backend string
	Msg     string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox %s: %s: %v", e.Backend, e.Msg, e.Err)
	}
	return fmt.Sprintf("sandbox %s: %s", e.Backend, e.Msg)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Adapter is what a worker drives for each sample.
type Adapter interface {
	// Analyze blocks until the backend produced a verdict for s.
	Analyze(ctx context.Context, s *sample.Sample) (*sample.Verdict, error)

	// Run owns the backend for the process lifetime and is called on the
	// main goroutine. When it returns the daemon terminates.
	Run(ctx context.Context) error

	Name() string
}

// New builds the adapter selected by cfg.Mode.
func New(cfg config.Sandbox, logger *zap.Logger) (Adapter, error) {
	switch cfg.Mode {
	case config.SandboxEmbed:
		return NewEmbedded(cfg.Interpreter, cfg.Exec, cfg.BadThreshold, logger)
	case config.SandboxAPI:
		return NewAPI(cfg.URL, cfg.PollInterval, cfg.BadThreshold, logger)
	default:
		return nil, fmt.Errorf("sandbox: unknown mode %q", cfg.Mode)
	}
}

type signature struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Severity    float64 `json:"severity"`
}

// report is the subset of a Cuckoo-style report the verdict is built from.
// The embedded command may also state the classification directly.
type report struct {
	Classification string   `json:"classification"`
	Score          *float64 `json:"score"`
	Info           struct {
		Score *float64 `json:"score"`
	} `json:"info"`
	Signatures []signature `json:"signatures"`
}

func (r *report) score() (float64, bool) {
	if r.Score != nil {
		return *r.Score, true
	}
	if r.Info.Score != nil {
		return *r.Info.Score, true
	}
	return 0, false
}

// verdictFromReport classifies a raw report: an explicit classification
// wins, otherwise score >= threshold is bad and a missing score is unknown.
func verdictFromReport(backend string, raw []byte, threshold float64) (*sample.Verdict, error) {
	var r report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &BackendError{Backend: backend, Msg: "unparseable report", Err: err}
	}

	v := &sample.Verdict{
		Backend:    backend,
		Report:     json.RawMessage(raw),
		AnalyzedAt: time.Now(),
	}
	score, hasScore := r.score()
	v.Score = score

	switch c := sample.Classification(strings.ToLower(r.Classification)); c {
	case sample.Good, sample.Bad, sample.Unknown:
		v.Classification = c
	case "":
		switch {
		case !hasScore:
			v.Classification = sample.Unknown
		case score >= threshold:
			v.Classification = sample.Bad
		default:
			v.Classification = sample.Good
		}
	default:
		return nil, &BackendError{Backend: backend, Msg: fmt.Sprintf("unknown classification %q", r.Classification)}
	}

	v.Reason = reason(r.Signatures)
	return v, nil
}

func reason(sigs []signature) string {
	const maxNames = 3
	names := make([]string, 0, maxNames)
	for _, s := range sigs {
		if len(names) == maxNames {
			break
		}
		if s.Name != "" {
			names = append(names, s.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "signatures: " + strings.Join(names, ", ")
}
