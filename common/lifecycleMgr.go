package common

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// LifecycleMgr is the explicit process-lifecycle object. It owns the
// draining flag and the registry of background loops, and is passed (not
// imported) into every component that needs either. There is exactly one
// per process, created by the serve command.
type LifecycleMgr interface {
	// BeginDraining flips the draining flag. Every submission observed
	// afterwards is refused with 503 + Retry-After.
	BeginDraining()
	IsDraining() bool

	// RegisterWorker/WorkerDone track background loops so Teardown can
	// wait for them (bounded by the drain timeout).
	RegisterWorker(name string)
	WorkerDone(name string)

	// Context is canceled once draining has begun and the drain timeout
	// elapsed; loops select on it.
	Context() context.Context

	// Teardown drains, waits for registered workers up to the drain
	// timeout, then cancels the context.
	Teardown()
}

type lifecycleMgr struct {
	draining     int32
	drainTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	mu      sync.Mutex
	workers map[string]int
	logger  ILogger
}

func NewLifecycleMgr(drainTimeout time.Duration, logger ILogger) LifecycleMgr {
	ctx, cancel := context.WithCancel(context.Background())
	return &lifecycleMgr{
		drainTimeout: drainTimeout,
		ctx:          ctx,
		cancel:       cancel,
		workers:      make(map[string]int),
		logger:       logger,
	}
}

// HookSignals begins draining on SIGTERM/SIGINT and tears down once
// inflight work finishes (or the drain timeout passes).
func HookSignals(lcm LifecycleMgr) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-ch
		lcm.Teardown()
	}()
}

func (l *lifecycleMgr) BeginDraining() {
	if atomic.CompareAndSwapInt32(&l.draining, 0, 1) && l.logger != nil {
		l.logger.Log(LogWarning, "draining: refusing new submissions")
	}
}

func (l *lifecycleMgr) IsDraining() bool {
	return atomic.LoadInt32(&l.draining) == 1
}

func (l *lifecycleMgr) RegisterWorker(name string) {
	l.mu.Lock()
	l.workers[name]++
	l.mu.Unlock()
	l.wg.Add(1)
}

func (l *lifecycleMgr) WorkerDone(name string) {
	l.mu.Lock()
	if l.workers[name] > 0 {
		l.workers[name]--
	}
	l.mu.Unlock()
	l.wg.Done()
}

func (l *lifecycleMgr) Context() context.Context {
	return l.ctx
}

func (l *lifecycleMgr) Teardown() {
	l.BeginDraining()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.drainTimeout):
		if l.logger != nil {
			l.logger.Log(LogWarning, "drain timeout reached; abandoning inflight work")
		}
	}
	l.cancel()
}
