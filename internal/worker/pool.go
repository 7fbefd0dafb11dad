// Package worker implements the bounded worker pool that drives samples
// through fingerprinting, the verdict cache, the sandbox and the result store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mtiwari1/peekaboo/internal/hasher"
	"github.com/mtiwari1/peekaboo/internal/metrics"
	"github.com/mtiwari1/peekaboo/internal/repository"
	"github.com/mtiwari1/peekaboo/internal/sample"
)

const persistTimeout = 5 * time.Second

// Analyzer produces a verdict for a sample.
type Analyzer interface {
	Analyze(ctx context.Context, s *sample.Sample) (*sample.Verdict, error)
	Name() string
}

// Store is the part of the result store the pool uses.
type Store interface {
	GetVerdict(ctx context.Context, sha256 string) (*sample.Verdict, error)
	SaveVerdict(ctx context.Context, sha256 string, v *sample.Verdict) error
	SaveSample(ctx context.Context, rec *repository.SampleRecord) error
}

// Cache is the optional tier in front of Store.
type Cache interface {
	Get(ctx context.Context, sha256 string) (*sample.Verdict, bool, error)
	Set(ctx context.Context, sha256 string, v *sample.Verdict) error
}

// Resolver is told about every sample that reached a terminal state.
type Resolver interface {
	Resolve(s *sample.Sample) bool
}

// Config sizes the pool. It is fixed for the pool's lifetime.
type Config struct {
	Workers   int
	QueueSize int
	// AnalysisTimeout bounds one sandbox analysis; zero means none.
	AnalysisTimeout time.Duration
}

// Deps are the collaborators of the pool. Cache and Metrics may be nil.
type Deps struct {
	Analyzer Analyzer
	Store    Store
	Cache    Cache
	Resolver Resolver
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Worker is one pool slot.
type Worker struct {
	ID      int
	active  atomic.Bool
	current atomic.Pointer[sample.Sample]
}

// Active reports whether the worker may still claim samples.
func (w *Worker) Active() bool { return w.active.Load() }

// Current returns the sample the worker owns, or nil when idle.
func (w *Worker) Current() *sample.Sample { return w.current.Load() }

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Workers  int
	Active   int
	Busy     int
	Queued   int
	Draining bool
}

// Pool runs a fixed set of workers over one shared FIFO queue.
type Pool struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	jobs    chan *sample.Sample
	workers []*Worker

	wg     sync.WaitGroup
	alive  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	quit      chan struct{}
	quitOnce  sync.Once
	gate      sync.RWMutex // held shared by Submit, exclusively by Deactivate
	closed    bool
	done      chan struct{}
	startOnce sync.Once

	flight singleflight.Group
}

// NewPool creates a pool. Call Start to launch the workers.
func NewPool(cfg Config, deps Deps) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		jobs:    make(chan *sample.Sample, cfg.QueueSize),
		workers: make([]*Worker, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range p.workers {
		p.workers[i] = &Worker{ID: i}
	}
	return p
}

// Start launches the worker goroutines. Later calls do nothing.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for _, w := range p.workers {
			w.active.Store(true)
			p.alive.Add(1)
			p.wg.Add(1)
			go p.run(w)
		}
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
}

// Submit enqueues a received sample. It blocks while the queue is full and
// returns false once the pool is deactivated; a sample refused before it was
// queued stays received, one refused while waiting for room stays queued.
// No call returns true after Deactivate has returned.
func (p *Pool) Submit(s *sample.Sample) bool {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return false
	}
	if err := s.Enqueue(); err != nil {
		p.logger.Error("enqueue sample", zap.Uint64("sample_id", s.ID()), zap.Error(err))
		return false
	}

	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- s:
		p.deps.Metrics.IncSubmitted()
		return true
	case <-p.quit:
		return false
	}
}

// Deactivate stops every worker from claiming further samples. Samples
// already analyzing run to completion. It returns once no Submit is in
// progress. Safe to call more than once.
func (p *Pool) Deactivate() {
	p.quitOnce.Do(func() {
		for _, w := range p.workers {
			w.active.Store(false)
		}
		// Closing quit first releases a Submit blocked on a full queue.
		close(p.quit)
		p.gate.Lock()
		p.closed = true
		p.gate.Unlock()
		p.logger.Info("worker pool deactivated", zap.Int("queued", len(p.jobs)))
	})
}

// Close deactivates the pool, cancels running analyses and waits for all
// workers to exit.
func (p *Pool) Close() {
	p.Deactivate()
	p.cancel()
	p.startOnce.Do(func() { close(p.done) })
	<-p.done
}

// Active returns the number of workers that have not exited.
func (p *Pool) Active() int { return int(p.alive.Load()) }

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Workers returns the pool slots.
func (p *Pool) Workers() []*Worker { return p.workers }

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	st := Stats{
		Workers: len(p.workers),
		Active:  p.Active(),
		Queued:  len(p.jobs),
	}
	for _, w := range p.workers {
		if w.Current() != nil {
			st.Busy++
		}
	}
	select {
	case <-p.quit:
		st.Draining = true
	default:
	}
	return st
}

func (p *Pool) run(w *Worker) {
	defer p.wg.Done()
	defer p.alive.Add(-1)

	logger := p.logger.With(zap.Int("worker_id", w.ID))
	for {
		select {
		case <-p.quit:
			logger.Info("worker exiting")
			return
		default:
		}

		select {
		case <-p.quit:
			logger.Info("worker exiting")
			return
		case s := <-p.jobs:
			if !w.Active() {
				logger.Warn("sample abandoned by deactivated worker", zap.Uint64("sample_id", s.ID()))
				return
			}
			p.process(w, s, logger)
		}
	}
}

// process owns s from claim to resolution.
func (p *Pool) process(w *Worker, s *sample.Sample, logger *zap.Logger) {
	if err := s.Claim(); err != nil {
		logger.Error("claim sample", zap.Uint64("sample_id", s.ID()), zap.Error(err))
		return
	}
	w.current.Store(s)
	defer w.current.Store(nil)
	p.deps.Metrics.AddBusy(1)
	defer p.deps.Metrics.AddBusy(-1)

	start := time.Now()
	logger = logger.With(
		zap.Uint64("sample_id", s.ID()),
		zap.String("session_id", s.SessionID()),
	)
	logger.Info("processing started", zap.String("path", s.Path()))

	ctx := p.ctx
	if p.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
		defer cancel()
	}

	v, err := p.analyze(ctx, s, logger)
	latency := time.Since(start)
	if err != nil {
		if ferr := s.Fail(err); ferr != nil {
			logger.Error("mark sample failed", zap.Error(ferr))
		}
		p.deps.Metrics.IncFailed()
		logger.Error("processing failed", zap.Duration("latency", latency), zap.Error(err))
	} else {
		if cerr := s.Complete(v); cerr != nil {
			logger.Error("mark sample completed", zap.Error(cerr))
		}
		p.deps.Metrics.IncCompleted(string(v.Classification))
		logger.Info("processing completed",
			zap.Duration("latency", latency),
			zap.String("sha256", s.Fingerprint().SHA256),
			zap.String("classification", string(v.Classification)),
			zap.Float64("score", v.Score),
		)
	}
	p.deps.Metrics.ObserveAnalysis(latency.Seconds())

	p.journal(s, logger)
	p.deps.Resolver.Resolve(s)
}

// analyze fingerprints s and returns a cached verdict for its content or
// runs the sandbox. Concurrent samples with identical content share one
// sandbox run.
func (p *Pool) analyze(ctx context.Context, s *sample.Sample, logger *zap.Logger) (*sample.Verdict, error) {
	fp, err := hasher.Fingerprint(s.Path())
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	s.SetFingerprint(fp)

	if v := p.lookup(ctx, fp.SHA256, logger); v != nil {
		return v, nil
	}

	res, err, shared := p.flight.Do(fp.SHA256, func() (any, error) {
		if v := p.lookup(ctx, fp.SHA256, logger); v != nil {
			return v, nil
		}
		v, err := p.deps.Analyzer.Analyze(ctx, s)
		if err != nil {
			return nil, err
		}
		p.persist(fp.SHA256, v, logger)
		return v, nil
	})
	if shared {
		logger.Debug("shared in-flight analysis", zap.String("sha256", fp.SHA256))
	}
	if err != nil {
		return nil, err
	}
	return res.(*sample.Verdict), nil
}

// lookup is the cache-aside read: cache first, then the store, which
// backfills the cache.
func (p *Pool) lookup(ctx context.Context, sha string, logger *zap.Logger) *sample.Verdict {
	if p.deps.Cache != nil {
		v, ok, err := p.deps.Cache.Get(ctx, sha)
		if err != nil {
			logger.Warn("verdict cache read", zap.Error(err))
		} else if ok {
			p.deps.Metrics.IncCacheHit("cache")
			return v
		}
	}

	v, err := p.deps.Store.GetVerdict(ctx, sha)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		logger.Warn("result store read", zap.Error(err))
		return nil
	}
	p.deps.Metrics.IncCacheHit("store")
	if p.deps.Cache != nil {
		if err := p.deps.Cache.Set(ctx, sha, v); err != nil {
			logger.Warn("verdict cache backfill", zap.Error(err))
		}
	}
	return v
}

func (p *Pool) persist(sha string, v *sample.Verdict, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.deps.Store.SaveVerdict(ctx, sha, v); err != nil {
		logger.Error("save verdict", zap.String("sha256", sha), zap.Error(err))
	}
	if p.deps.Cache != nil {
		if err := p.deps.Cache.Set(ctx, sha, v); err != nil {
			logger.Warn("verdict cache write", zap.Error(err))
		}
	}
}

func (p *Pool) journal(s *sample.Sample, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.deps.Store.SaveSample(ctx, repository.RecordFor(s)); err != nil {
		logger.Error("save sample journal", zap.Error(err))
	}
}
