package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/xqueue-grader/internal/adapter/queue/xqueue"
	"github.com/fairyhunter13/xqueue-grader/internal/config"
	"github.com/fairyhunter13/xqueue-grader/internal/domain"
)

// workerJoinTimeout bounds how long shutdown waits for a worker that is
// mid-submission before giving up on it.
const workerJoinTimeout = 60 * time.Second

// Exit codes surfaced by Wait/Shutdown.
const (
	ExitOK         = 0
	ExitWorkerLost = 1
	ExitJoinFailed = 9
)

// Supervisor owns the worker pool for one configuration document. It
// starts CONNECTIONS workers per client, watches them at the manager poll
// time, reloads itself when the document changes on disk, and escalates a
// dead worker into a full shutdown.
type Supervisor struct {
	registry *Registry
	log      *slog.Logger

	mu      sync.Mutex
	cfg     config.Config
	workers []*xqueue.Worker

	shuttingDown atomic.Bool

	// missedConfig tolerates the document vanishing for exactly one tick,
	// which happens when deploy tooling replaces it non-atomically.
	missedConfig bool
	lastModTime  time.Time
}

// NewSupervisor builds a supervisor over a loaded configuration.
func NewSupervisor(cfg config.Config, reg *Registry) *Supervisor {
	return &Supervisor{
		registry: reg,
		cfg:      cfg,
		log:      slog.Default().With(slog.String("component", "supervisor")),
	}
}

// Start builds and launches all configured workers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, err := os.Stat(s.cfg.Path); err == nil {
		s.lastModTime = info.ModTime()
	}
	workers, err := s.buildWorkers(s.cfg)
	if err != nil {
		return err
	}
	s.workers = workers
	for _, w := range s.workers {
		go w.Run(ctx)
	}
	s.log.Info("workers started", slog.Int("count", len(s.workers)))
	return nil
}

// buildWorkers constructs one worker per configured connection. Handlers
// are built once per client and shared by its workers; each worker still
// owns a private HTTP session.
func (s *Supervisor) buildWorkers(cfg config.Config) ([]*xqueue.Worker, error) {
	var workers []*xqueue.Worker
	for _, cl := range cfg.Clients {
		if cl.Class != "" {
			// Thread/process client classes collapsed into goroutine
			// workers; the key survives in old documents.
			s.log.Warn("CLASS is ignored", slog.String("queue", cl.QueueName), slog.String("class", cl.Class))
		}
		handlers := make([]domain.Handler, 0, len(cl.Handlers))
		for i, hc := range cl.Handlers {
			h, err := s.registry.New(HandlerContext{
				ConfigPath:   cfg.Path,
				QueueName:    cl.QueueName,
				HandlerIndex: i,
				Handler:      hc,
			})
			if err != nil {
				return nil, fmt.Errorf("op=app.buildWorkers: queue %s: %w", cl.QueueName, err)
			}
			handlers = append(handlers, h)
		}
		for i := 0; i < cl.Connections; i++ {
			client := xqueue.NewClient(cl.Server, cl.QueueName, cl.Auth, cfg.Manager)
			workers = append(workers, xqueue.NewWorker(
				client,
				handlers,
				cfg.Manager.PollIntervalDuration(),
				cfg.Manager.IdlePollIntervalDuration(),
				cfg.Manager.LoginPollIntervalDuration(),
			))
		}
	}
	return workers, nil
}

// WorkerCount returns how many workers are currently configured.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// ProcessingCount returns how many workers are mid-submission.
func (s *Supervisor) ProcessingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.Processing() {
			n++
		}
	}
	return n
}

// Wait blocks until shutdown, returning the process exit code. Each
// manager poll tick it checks worker liveness and the document's mtime.
// With quitIfEmpty set and nothing configured it returns immediately.
func (s *Supervisor) Wait(ctx context.Context, quitIfEmpty bool) int {
	if quitIfEmpty && s.WorkerCount() == 0 {
		s.log.Info("no clients configured, exiting")
		return ExitOK
	}
	ticker := time.NewTicker(s.cfg.Manager.PollTimeDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Shutdown()
		case <-ticker.C:
			if s.workerDied() {
				s.log.Error("worker died unexpectedly, stopping the pool")
				s.Shutdown()
				return ExitWorkerLost
			}
			if code, fatal := s.checkConfig(ctx); fatal {
				s.Shutdown()
				return code
			}
		}
	}
}

// workerDied reports whether any worker loop exited without a shutdown
// having been requested.
func (s *Supervisor) workerDied() bool {
	if s.shuttingDown.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		select {
		case <-w.Done():
			return true
		default:
		}
	}
	return false
}

// checkConfig polls the document for hot reload. A vanished file is
// tolerated for one tick; a second consecutive miss, or a reload that
// fails, is fatal.
func (s *Supervisor) checkConfig(ctx context.Context) (int, bool) {
	info, err := os.Stat(s.cfg.Path)
	if err != nil {
		if s.missedConfig {
			s.log.Error("configuration file is gone", slog.String("path", s.cfg.Path))
			return ExitWorkerLost, true
		}
		s.missedConfig = true
		s.log.Warn("configuration file missing, tolerating one tick", slog.String("path", s.cfg.Path))
		return ExitOK, false
	}
	s.missedConfig = false
	if !info.ModTime().After(s.lastModTime) {
		return ExitOK, false
	}
	s.log.Info("configuration changed, reloading", slog.String("path", s.cfg.Path))
	if err := s.Reload(ctx); err != nil {
		s.log.Error("reload failed", slog.Any("error", err))
		return ExitWorkerLost, true
	}
	return ExitOK, false
}

// Reload atomically replaces the pool: stop and join every worker, read
// the document again, then build and start the new pool.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.stopWorkers()
	cfg, err := config.Load(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("op=app.Reload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if info, err := os.Stat(cfg.Path); err == nil {
		s.lastModTime = info.ModTime()
	}
	workers, err := s.buildWorkers(cfg)
	if err != nil {
		return fmt.Errorf("op=app.Reload: %w", err)
	}
	s.cfg = cfg
	s.workers = workers
	for _, w := range s.workers {
		go w.Run(ctx)
	}
	s.log.Info("reload complete", slog.Int("count", len(s.workers)))
	return nil
}

// Shutdown stops every worker and waits for in-flight submissions to
// drain. Idempotent; later calls return ExitOK without doing anything.
func (s *Supervisor) Shutdown() int {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return ExitOK
	}
	s.log.Info("shutting down")
	if !s.stopWorkers() {
		return ExitJoinFailed
	}
	return ExitOK
}

// stopWorkers signals every worker and joins them, reporting whether all
// of them exited within the join timeout.
func (s *Supervisor) stopWorkers() bool {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()

	for _, w := range workers {
		w.Shutdown()
	}
	joined := true
	deadline := time.Now().Add(workerJoinTimeout)
	for _, w := range workers {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		t := time.NewTimer(remaining)
		select {
		case <-w.Done():
			t.Stop()
		case <-t.C:
			s.log.Error("worker did not stop in time",
				slog.String("queue", w.QueueName()),
				slog.String("client_id", w.ID))
			joined = false
		}
	}
	return joined
}
