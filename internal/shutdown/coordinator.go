// Package shutdown drives the daemon's graceful stop: stop accepting, let
// the worker pool drain within a deadline, then clean up and exit.
package shutdown

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Phase is the coordinator state.
type Phase int32

const (
	Running Phase = iota
	Draining
	Terminating
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Terminating:
		return "terminating"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Exit codes.
const (
	ExitDrained = 0
	ExitAborted = 1
)

const (
	DefaultTimeout      = 600 * time.Second
	defaultTickInterval = time.Second
)

// Pool is what the coordinator drains.
type Pool interface {
	Deactivate()
	Active() int
	Done() <-chan struct{}
}

// Config tunes the drain.
type Config struct {
	Timeout      time.Duration
	TickInterval time.Duration
	// Restore resets signal handling to the defaults before cleanup.
	Restore func()
	// Exit ends the process. It defaults to os.Exit.
	Exit func(code int)
}

// Coordinator is the shutdown state machine. It does not touch OS signals
// itself; events are fed to Run by the caller.
type Coordinator struct {
	cfg    Config
	pool   Pool
	logger *zap.Logger

	mu       sync.Mutex
	drain    []func()
	cleanup  []func()
	phase    atomic.Int32
	termOnce sync.Once
	code     int
}

// New creates a coordinator in the running phase.
func New(cfg Config, pool Pool, logger *zap.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Restore == nil {
		cfg.Restore = func() {}
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &Coordinator{cfg: cfg, pool: pool, logger: logger}
}

// OnDrain registers fn to run when draining starts, in registration order.
func (c *Coordinator) OnDrain(fn func()) {
	c.mu.Lock()
	c.drain = append(c.drain, fn)
	c.mu.Unlock()
}

// OnCleanup registers fn to run on termination, in reverse registration order.
func (c *Coordinator) OnCleanup(fn func()) {
	c.mu.Lock()
	c.cleanup = append(c.cleanup, fn)
	c.mu.Unlock()
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// Run waits for the first event, drains the pool and terminates. A second
// event during the drain terminates at once. It returns the exit code passed
// to Exit.
func (c *Coordinator) Run(events <-chan os.Signal) int {
	sig, ok := <-events
	if !ok {
		return c.Terminate(ExitAborted)
	}
	c.logger.Info("shutdown requested, draining", zap.Stringer("signal", sig))
	c.phase.Store(int32(Draining))

	c.mu.Lock()
	hooks := append([]func(){}, c.drain...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	c.pool.Deactivate()

	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pool.Done():
			c.logger.Info("worker pool drained")
			return c.Terminate(ExitDrained)
		case <-deadline.C:
			c.logger.Warn("drain timed out, abandoning in-flight samples",
				zap.Duration("timeout", c.cfg.Timeout),
				zap.Int("active_workers", c.pool.Active()),
			)
			return c.Terminate(ExitAborted)
		case sig, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.logger.Warn("second signal, terminating now",
				zap.Stringer("signal", sig),
				zap.Int("active_workers", c.pool.Active()),
			)
			return c.Terminate(ExitAborted)
		case <-ticker.C:
			c.logger.Info("waiting for workers", zap.Int("active_workers", c.pool.Active()))
		}
	}
}

// Terminate restores signal handling, runs the cleanup hooks and exits with
// code. Only the first call has any effect; every call returns the code
// actually used.
func (c *Coordinator) Terminate(code int) int {
	c.termOnce.Do(func() {
		c.code = code
		c.phase.Store(int32(Terminating))
		c.cfg.Restore()

		c.mu.Lock()
		hooks := append([]func(){}, c.cleanup...)
		c.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
		c.logger.Info("terminating", zap.Int("exit_code", code))
		_ = c.logger.Sync()
		c.cfg.Exit(code)
	})
	return c.code
}
