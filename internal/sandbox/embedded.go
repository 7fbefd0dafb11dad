package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

const (
	embeddedName    = "cuckoo-embed"
	filePlaceholder = "{file}"
	maxStderr       = 4 << 10
	waitDelay       = 2 * time.Second
)

type embedResult struct {
	verdict *sample.Verdict
	err     error
}

type embedRequest struct {
	ctx      context.Context
	sampleID uint64
	path     string
	reply    chan embedResult
}

// Embedded drives a local sandbox command. Workers hand requests to the
// run-loop and block on a reply channel.
type Embedded struct {
	argv      []string
	threshold float64
	maxReport int
	logger    *zap.Logger

	requests chan *embedRequest
	done     chan struct{}
	running  atomic.Bool
}

// NewEmbedded parses the command line interpreter + exec with shell rules.
// Every {file} in it is replaced by the sample path; without a placeholder
// the path is appended.
func NewEmbedded(interpreter, execLine string, threshold float64, logger *zap.Logger) (*Embedded, error) {
	var argv []string
	for _, part := range []string{interpreter, execLine} {
		if strings.TrimSpace(part) == "" {
			continue
		}
		words, err := shlex.Split(part)
		if err != nil {
			return nil, fmt.Errorf("sandbox: parse command %q: %w", part, err)
		}
		argv = append(argv, words...)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty embedded command")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return &Embedded{
		argv:      argv,
		threshold: threshold,
		maxReport: maxReportBytes,
		logger:    logger.With(zap.String("backend", embeddedName)),
		requests:  make(chan *embedRequest),
		done:      make(chan struct{}),
	}, nil
}

func (e *Embedded) Name() string { return embeddedName }

// Analyze submits s to the run-loop and waits for its result.
func (e *Embedded) Analyze(ctx context.Context, s *sample.Sample) (*sample.Verdict, error) {
	req := &embedRequest{ctx: ctx, sampleID: s.ID(), path: s.Path(), reply: make(chan embedResult, 1)}

	select {
	case e.requests <- req:
	case <-e.done:
		return nil, fmt.Errorf("%w: embedded run-loop stopped", ErrBackendUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.verdict, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		select {
		case res := <-req.reply:
			return res.verdict, res.err
		default:
			return nil, fmt.Errorf("%w: embedded run-loop stopped", ErrBackendUnavailable)
		}
	}
}

// Run serves analysis requests until ctx is cancelled. Running commands are
// killed when it returns.
func (e *Embedded) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sandbox: embedded run-loop already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		close(e.done)
	}()

	e.logger.Info("embedded sandbox run-loop started", zap.Strings("argv", e.argv))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("embedded sandbox run-loop stopped")
			return ctx.Err()
		case req := <-e.requests:
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := e.execute(runCtx, req)
				req.reply <- embedResult{verdict: v, err: err}
			}()
		}
	}
}

func (e *Embedded) execute(runCtx context.Context, req *embedRequest) (*sample.Verdict, error) {
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	argv := e.command(req.path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	report := &limitedBuffer{buf: &stdout, max: e.maxReport}
	cmd.Stdout = report
	cmd.Stderr = &limitedBuffer{buf: &stderr, max: maxStderr}
	// Grandchildren may hold the output pipes open after a kill.
	cmd.WaitDelay = waitDelay

	logger := e.logger.With(zap.Uint64("sample_id", req.sampleID), zap.String("path", req.path))
	logger.Debug("starting embedded analysis")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrBackendUnavailable, argv[0], err)
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("%w: embedded run-loop stopped", ErrBackendUnavailable)
			}
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.String()
			}
			return nil, &BackendError{Backend: embeddedName, Msg: msg, Err: err}
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if report.truncated {
		return nil, &BackendError{Backend: embeddedName, Msg: fmt.Sprintf("report exceeds %d bytes", e.maxReport)}
	}

	v, err := verdictFromReport(embeddedName, bytes.TrimSpace(stdout.Bytes()), e.threshold)
	if err != nil {
		return nil, err
	}
	logger.Debug("embedded analysis finished", zap.String("classification", string(v.Classification)))
	return v, nil
}

func (e *Embedded) command(path string) []string {
	argv := make([]string, len(e.argv))
	replaced := false
	for i, a := range e.argv {
		if strings.Contains(a, filePlaceholder) {
			a = strings.ReplaceAll(a, filePlaceholder, path)
			replaced = true
		}
		argv[i] = a
	}
	if !replaced {
		argv = append(argv, path)
	}
	return argv
}

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	buf       *bytes.Buffer
	max       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	room := l.max - l.buf.Len()
	if len(p) > room {
		l.truncated = true
		if room > 0 {
			l.buf.Write(p[:room])
		}
		return len(p), nil
	}
	l.buf.Write(p)
	return len(p), nil
}
