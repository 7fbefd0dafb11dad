package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mtiwari1/peekaboo/internal/cache"
	"github.com/mtiwari1/peekaboo/internal/config"
	"github.com/mtiwari1/peekaboo/internal/daemon"
	"github.com/mtiwari1/peekaboo/internal/grpcserver"
	"github.com/mtiwari1/peekaboo/internal/listener"
	"github.com/mtiwari1/peekaboo/internal/logging"
	"github.com/mtiwari1/peekaboo/internal/metrics"
	"github.com/mtiwari1/peekaboo/internal/repository"
	"github.com/mtiwari1/peekaboo/internal/restapi"
	"github.com/mtiwari1/peekaboo/internal/sample"
	"github.com/mtiwari1/peekaboo/internal/sandbox"
	"github.com/mtiwari1/peekaboo/internal/session"
	"github.com/mtiwari1/peekaboo/internal/shutdown"
	"github.com/mtiwari1/peekaboo/internal/worker"
)

const startupTimeout = 10 * time.Second

// run starts the daemon and returns the process exit code. Startup errors
// return 1; after startup the shutdown coordinator exits the process.
func run(opts options) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "peekaboo:", err)
		return 1
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}

	// ── Structured logger ──
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, "peekaboo:", err)
		return 1
	}
	defer logger.Sync()
	logger.Info("starting Peekaboo",
		zap.String("version", version),
		zap.Int("workers", cfg.WorkerCount),
		zap.String("sandbox_mode", cfg.Sandbox.Mode),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	var cleanups []func()
	fail := func(msg string, err error) int {
		logger.Error(msg, zap.Error(err))
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return 1
	}

	// ── Result store ──
	store, err := repository.Open(startCtx, cfg.DBURL)
	if err != nil {
		return fail("open result store", err)
	}
	cleanups = append(cleanups, func() { store.Close() })
	logger.Info("result store connected", zap.String("driver", store.Driver()))

	// ── Verdict cache (optional) ──
	var verdicts worker.Cache
	if cfg.Redis.Addr != "" {
		vc, err := cache.New(startCtx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return fail("connect verdict cache", err)
		}
		verdicts = vc
		cleanups = append(cleanups, func() { vc.Close() })
		logger.Info("verdict cache connected", zap.String("addr", cfg.Redis.Addr))
	}

	// ── Privileges and PID file ──
	if err := daemon.DropPrivileges(cfg.User, cfg.Group, logger); err != nil {
		return fail("drop privileges", err)
	}
	pidfile := daemon.NewPidfile(cfg.PidFile)
	if err := pidfile.Write(); err != nil {
		return fail("write pid file", err)
	}
	cleanups = append(cleanups, func() {
		if err := pidfile.Remove(); err != nil {
			logger.Warn("remove pid file", zap.Error(err))
		}
	})

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ── Sandbox adapter ──
	adapter, err := sandbox.New(cfg.Sandbox, logger.Named("sandbox"))
	if err != nil {
		return fail("build sandbox adapter", err)
	}
	logger.Info("sandbox adapter ready", zap.String("backend", adapter.Name()))

	// ── Sessions and worker pool ──
	sessions := session.NewMap(cfg.WriteTimeout, logger.Named("session"))
	pool := worker.NewPool(worker.Config{
		Workers:         cfg.WorkerCount,
		QueueSize:       cfg.QueueSize,
		AnalysisTimeout: cfg.AnalysisTimeout,
	}, worker.Deps{
		Analyzer: adapter,
		Store:    store,
		Cache:    verdicts,
		Resolver: sessions,
		Metrics:  m,
		Logger:   logger.Named("worker"),
	})
	pool.Start()

	// ── Unix socket listener ──
	srv := listener.New(listener.Config{
		SocketFile:     cfg.SocketFile,
		Backlog:        cfg.BacklogSize(),
		RequestTimeout: cfg.RequestTimeout,
	}, pool, sessions, &sample.Sequence{}, m, logger.Named("listener"))
	if err := srv.Listen(); err != nil {
		pool.Close()
		return fail("couldn't initialise Peekaboo server", err)
	}
	cleanups = append(cleanups, func() { srv.Close() })

	// ── Control surfaces (optional) ──
	control := grpcserver.NewServer(store, pool, sessions, logger.Named("grpc"))
	if cfg.Control.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Control.GRPCAddr)
		if err != nil {
			pool.Close()
			return fail("listen gRPC", err)
		}
		gs := grpcserver.NewGRPCServer(control)
		go grpcserver.Serve(gs, lis, logger.Named("grpc"))
		cleanups = append(cleanups, gs.Stop)
	}
	if cfg.Control.HTTPAddr != "" {
		mux := http.NewServeMux()
		restapi.NewHandler(control, store, cfg.SocketFile,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger.Named("http")).RegisterRoutes(mux)
		httpSrv := restapi.NewServer(cfg.Control.HTTPAddr, mux)
		go func() {
			logger.Info("HTTP ops server listening", zap.String("addr", cfg.Control.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP serve", zap.Error(err))
			}
		}()
		cleanups = append(cleanups, func() { httpSrv.Close() })
	}

	// ── Shutdown coordinator ──
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	coord := shutdown.New(shutdown.Config{
		Timeout: cfg.ShutdownTimeout,
		Restore: func() { signal.Reset(syscall.SIGINT, syscall.SIGTERM) },
	}, pool, logger.Named("shutdown"))
	coord.OnDrain(func() { daemon.NotifyStopping(logger) })
	coord.OnDrain(func() { srv.Close() })
	for _, fn := range cleanups {
		coord.OnCleanup(fn)
	}
	coord.OnCleanup(stopRun)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go coord.Run(sigCh)

	// Intake that stops on its own leaves nothing to serve.
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("listener stopped", zap.Error(err))
			coord.Terminate(shutdown.ExitAborted)
		}
	}()

	daemon.NotifyReady(logger)
	logger.Info("Peekaboo is ready", zap.String("socket", srv.Addr()))

	// The adapter owns the main goroutine. If it stops on its own the
	// daemon cannot analyse anything and terminates.
	err = adapter.Run(runCtx)
	if coord.Phase() != shutdown.Terminating {
		logger.Error("sandbox adapter stopped", zap.String("backend", adapter.Name()), zap.Error(err))
	}
	return coord.Terminate(shutdown.ExitAborted)
}
