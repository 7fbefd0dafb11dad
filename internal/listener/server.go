// Package listener accepts analysis requests on the daemon's Unix socket,
// validates them and hands the resulting samples to the worker pool.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/metrics"
	"github.com/mtiwari1/peekaboo/internal/sample"
	"github.com/mtiwari1/peekaboo/internal/session"
)

const (
	// Banner greets every client before the request is read.
	Banner = "Hello, this is Peekaboo\n\n"
	// MaxRequestSize bounds the single request read.
	MaxRequestSize = 16 * 1024

	bindAttempts  = 3
	socketMode    = 0o666
	shutdownCause = "daemon is shutting down"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

var bindRetryDelay = time.Second

// Submitter enqueues samples for analysis.
type Submitter interface {
	Submit(s *sample.Sample) bool
}

// Registrar owns validated connections until their samples resolve.
type Registrar interface {
	Register(sess *session.Session, samples []*sample.Sample) bool
	Resolve(s *sample.Sample) bool
}

// Config configures the socket server.
type Config struct {
	SocketFile     string
	Backlog        int
	RequestTimeout time.Duration
}

// Server is the Unix socket front end.
type Server struct {
	cfg      Config
	pool     Submitter
	sessions Registrar
	seq      *sample.Sequence
	metrics  *metrics.Metrics
	logger   *zap.Logger

	ln        net.Listener
	closing   atomic.Bool
	closeOnce sync.Once
}

// New creates a server. Call Listen, then Serve.
func New(cfg Config, pool Submitter, sessions Registrar, seq *sample.Sequence, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.Backlog < 1 {
		cfg.Backlog = 1
	}
	if seq == nil {
		seq = &sample.Sequence{}
	}
	return &Server{
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		seq:      seq,
		metrics:  m,
		logger:   logger,
	}
}

// Listen binds the socket, retrying a few times and removing a stale
// socket file before each attempt.
func (s *Server) Listen() error {
	var lastErr error
	for attempt := 1; attempt <= bindAttempts; attempt++ {
		if err := os.Remove(s.cfg.SocketFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			lastErr = fmt.Errorf("remove stale socket: %w", err)
		} else {
			ln, err := listenUnix(s.cfg.SocketFile, s.cfg.Backlog)
			if err == nil {
				if err := os.Chmod(s.cfg.SocketFile, socketMode); err != nil {
					ln.Close()
					return fmt.Errorf("chmod socket: %w", err)
				}
				s.ln = ln
				s.logger.Info("listening",
					zap.String("socket", s.cfg.SocketFile),
					zap.Int("backlog", s.cfg.Backlog),
				)
				return nil
			}
			lastErr = err
		}
		s.logger.Warn("bind socket failed",
			zap.Int("attempt", attempt),
			zap.String("socket", s.cfg.SocketFile),
			zap.Error(lastErr),
		)
		if attempt < bindAttempts {
			time.Sleep(bindRetryDelay)
		}
	}
	return fmt.Errorf("bind %s after %d attempts: %w", s.cfg.SocketFile, bindAttempts, lastErr)
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.cfg.SocketFile }

// Serve accepts connections until Close. It returns nil after Close and an
// error only if the listener was closed underneath it.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("listener: Serve called before Listen")
	}
	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			// Transient failures such as EMFILE back off and retry.
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.logger.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
			time.Sleep(delay)
			continue
		}
		delay = 0
		go s.handle(conn)
	}
}

// Close stops accepting and removes the socket file. Connections already
// accepted are left to finish on their own.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.ln != nil {
			err = s.ln.Close()
		}
		if rerr := os.Remove(s.cfg.SocketFile); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
			err = rerr
		}
		s.logger.Info("listener closed", zap.String("socket", s.cfg.SocketFile))
	})
	return err
}

func (s *Server) handle(conn net.Conn) {
	logger := s.logger

	if _, err := conn.Write([]byte(Banner)); err != nil {
		logger.Debug("write banner", zap.Error(err))
		conn.Close()
		return
	}
	if s.cfg.RequestTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	}
	buf := make([]byte, MaxRequestSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		logger.Debug("read request", zap.Error(err))
	}
	_ = conn.SetReadDeadline(time.Time{})

	descs, err := ParseRequest(buf[:n])
	if err != nil {
		s.reject(conn, err, logger)
		return
	}

	sess := session.New(conn)
	logger = logger.With(zap.String("session_id", sess.ID()))
	samples := make([]*sample.Sample, 0, len(descs))
	for _, d := range descs {
		smp := sample.New(s.seq.Next(), d.FullName, d.NameDeclared, d.Raw, sess.ID())
		logger.Info("analysis request", zap.Uint64("sample_id", smp.ID()), zap.String("path", d.FullName))
		samples = append(samples, smp)
	}

	if !s.sessions.Register(sess, samples) {
		logger.Error("session already finalised")
		conn.Close()
		return
	}
	for _, smp := range samples {
		if s.pool.Submit(smp) {
			continue
		}
		if err := smp.Fail(errors.New(shutdownCause)); err != nil {
			logger.Error("fail refused sample", zap.Uint64("sample_id", smp.ID()), zap.Error(err))
		}
		s.sessions.Resolve(smp)
	}
}

func (s *Server) reject(conn net.Conn, err error, logger *zap.Logger) {
	defer conn.Close()

	code := InvalidJSON
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		code = reqErr.Code
	}
	s.metrics.IncRejected(code.String())
	logger.Warn("request rejected", zap.String("code", code.String()), zap.Error(err))

	if _, werr := conn.Write(code.Response()); werr != nil {
		logger.Debug("write rejection", zap.Error(werr))
	}
}
