package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/vitaliisemenov/multipkg/internal/config"
	"github.com/vitaliisemenov/multipkg/internal/core"
	"github.com/vitaliisemenov/multipkg/internal/interp"
	"github.com/vitaliisemenov/multipkg/pkg/metrics"
)

// BubbleSpec selects the activation a worker holds. Zero value means "main
// environment only".
type BubbleSpec struct {
	Name    string
	Version string
}

func (s BubbleSpec) String() string {
	if s.Name == "" {
		return ""
	}
	return core.NormalizeName(s.Name) + "==" + s.Version
}

// BubbleResolver resolves a committed bubble's root path.
type BubbleResolver interface {
	Get(ctx context.Context, name, version string) (*core.Bubble, error)
}

// Handle identifies an in-flight asynchronous execution.
type Handle struct {
	done   chan struct{}
	cancel context.CancelFunc
	result *Result
	err    error
}

// Pool maintains the worker daemons. Daemons start on demand, idle-timeout
// after the configured period, and are evicted least-recently-used when the
// pool reaches its upper bound. A worker restart is transparent to callers
// except via a latency spike.
type Pool struct {
	cfg      *config.Config
	registry *interp.Registry
	bubbles  BubbleResolver
	clock    clockwork.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	workers *lru.Cache[string, *Worker]
	stopCh  chan struct{}
	stopped bool
}

// NewPool creates the worker pool and starts its idle reaper.
func NewPool(cfg *config.Config, registry *interp.Registry, bubbles BubbleResolver, clock clockwork.Clock, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		cfg:      cfg,
		registry: registry,
		bubbles:  bubbles,
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	cache, err := lru.NewWithEvict[string, *Worker](cfg.Worker.MaxWorkers, func(key string, w *Worker) {
		w.Stop()
		metrics.WorkerEvictionsTotal.WithLabelValues("lru").Inc()
		metrics.WorkerPoolSize.Dec()
		logger.Info("worker evicted", "worker", key)
	})
	if err != nil {
		return nil, err
	}
	p.workers = cache

	go p.reapIdle()
	return p, nil
}

// Execute runs code on the worker for the target interpreter and bubble
// spec, blocking until completion or timeout.
func (p *Pool) Execute(ctx context.Context, interpreterVersion string, spec BubbleSpec, code string) (*Result, error) {
	w, err := p.worker(ctx, interpreterVersion, spec)
	if err != nil {
		return nil, err
	}
	w.touch(p.clock.Now())

	execCtx, cancel := context.WithTimeout(ctx, p.cfg.Worker.RequestTimeout)
	defer cancel()
	return w.Execute(execCtx, code)
}

// ExecuteAsync starts a non-blocking execution. Await blocks on the handle;
// Cancel requests cooperative cancellation.
func (p *Pool) ExecuteAsync(ctx context.Context, interpreterVersion string, spec BubbleSpec, code string) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(h.done)
		h.result, h.err = p.Execute(runCtx, interpreterVersion, spec, code)
	}()
	return h
}

// Await blocks until the handle's execution finishes.
func (p *Pool) Await(h *Handle) (*Result, error) {
	<-h.done
	return h.result, h.err
}

// Cancel requests cancellation of an in-flight execution.
func (p *Pool) Cancel(h *Handle) {
	h.cancel()
}

// Status describes the pool's live workers.
func (p *Pool) Status() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers.Keys()
}

// Stop terminates every worker and the idle reaper.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.workers.Purge()
}

// worker returns the pooled worker for the key, creating it on demand.
func (p *Pool) worker(ctx context.Context, interpreterVersion string, spec BubbleSpec) (*Worker, error) {
	key := interpreterVersion
	if s := spec.String(); s != "" {
		key += "/" + s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, fmt.Errorf("worker pool is stopped")
	}

	if w, ok := p.workers.Get(key); ok {
		return w, nil
	}

	target, err := p.registry.Lookup(ctx, interpreterVersion)
	if err != nil {
		return nil, err
	}

	bubbleRoot := ""
	if spec.Name != "" {
		bub, err := p.bubbles.Get(ctx, spec.Name, spec.Version)
		if err != nil {
			return nil, err
		}
		bubbleRoot = bub.RootPath
	}

	w := newWorker(key, target.ExecutablePath, spec.String(),
		bubbleSearchPath(bubbleRoot, p.cfg.InstallRoot), p.logger)
	p.workers.Add(key, w)
	metrics.WorkerPoolSize.Inc()
	p.logger.Info("worker created", "worker", key)
	return w, nil
}

// reapIdle evicts workers that exceeded the idle timeout.
func (p *Pool) reapIdle() {
	interval := p.cfg.Worker.IdleTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.Chan():
		}

		p.mu.Lock()
		for _, key := range p.workers.Keys() {
			w, ok := p.workers.Peek(key)
			if !ok {
				continue
			}
			last := w.LastUsed()
			if !last.IsZero() && p.clock.Since(last) > p.cfg.Worker.IdleTimeout {
				p.workers.Remove(key) // eviction callback stops the worker
				metrics.WorkerEvictionsTotal.WithLabelValues("idle").Inc()
			}
		}
		p.mu.Unlock()
	}
}
