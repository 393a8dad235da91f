package gate

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultDrainTimeout bounds how long Shutdown waits for in-flight request
// handlers before proceeding anyway.
const DefaultDrainTimeout = 30 * time.Second

var (
	// ErrShuttingDown is returned by Enter once shutdown has begun.
	ErrShuttingDown = errors.New("shutting down")

	// ErrDrainTimeout is returned by Shutdown when in-flight handlers did
	// not finish within the drain timeout. Shutdown proceeds regardless.
	ErrDrainTimeout = errors.New("drain timed out")
)

const capacity = math.MaxInt32

// Gate is the process-wide reader/writer coordinator that makes graceful
// shutdown consistent with in-flight work. Every request handler holds the
// shared side for its duration; Shutdown acquires the exclusive side, which
// guarantees no handler is executing once it returns.
type Gate struct {
	sem      *semaphore.Weighted
	shutdown chan struct{}
	once     sync.Once
}

// New creates an open gate.
func New() *Gate {
	return &Gate{
		sem:      semaphore.NewWeighted(capacity),
		shutdown: make(chan struct{}),
	}
}

// Enter acquires the shared side. Only shutdown's exclusive acquisition can
// exhaust the gate, so a failed acquire means shutdown has begun: handlers
// fail fast rather than queue behind the drain.
func (g *Gate) Enter() error {
	select {
	case <-g.shutdown:
		return ErrShuttingDown
	default:
	}
	if !g.sem.TryAcquire(1) {
		return ErrShuttingDown
	}
	return nil
}

// Leave releases the shared side. Every Enter that returned nil must be
// paired with exactly one Leave on all exit paths.
func (g *Gate) Leave() {
	g.sem.Release(1)
}

// Closing reports whether Shutdown has been called.
func (g *Gate) Closing() bool {
	select {
	case <-g.shutdown:
		return true
	default:
		return false
	}
}

// Shutdown closes the gate to new entrants and waits up to timeout for
// in-flight holders to leave. A non-positive timeout uses
// DefaultDrainTimeout. Returns ErrDrainTimeout when the wait expired; the
// caller should proceed with shutdown either way.
func (g *Gate) Shutdown(timeout time.Duration) error {
	g.once.Do(func() { close(g.shutdown) })

	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := g.sem.Acquire(ctx, capacity); err != nil {
		return ErrDrainTimeout
	}
	return nil
}
