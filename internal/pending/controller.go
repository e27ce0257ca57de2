// Package pending bounds every exchange with the backend by a deadline and
// keeps track of what is in flight so it can be aborted on shutdown.
package pending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskdesk/internal/apperr"
)

// DefaultTimeout matches the longest a conversation turn is expected to run.
const DefaultTimeout = 120 * time.Second

// Controller runs collaborator calls under a per-call deadline.
type Controller struct {
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	inflight map[string]map[uint64]context.CancelFunc
	closed   bool
}

// New creates a controller. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		timeout:  timeout,
		logger:   logger,
		inflight: make(map[string]map[uint64]context.CancelFunc),
	}
}

// ErrClosed is returned for calls started after Close.
var ErrClosed = errors.New("pending: controller closed")

// Timeout returns the per-call deadline.
func (c *Controller) Timeout() time.Duration {
	return c.timeout
}

// Do runs fn with a context that expires after the controller timeout. key
// groups calls for Cancel; op names the call in logs and errors. The returned
// error is classified with apperr.
func (c *Controller) Do(ctx context.Context, key, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, ok := c.register(key, cancel)
	if !ok {
		return apperr.Wrap(op, ErrClosed)
	}
	defer c.unregister(key, id)

	start := time.Now()
	err := fn(callCtx)
	if err == nil {
		c.logger.Debug("request finished", "op", op, "key", key, "elapsed", time.Since(start))
		return nil
	}

	// A call that ran past its own deadline can surface as a transport error.
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(context.DeadlineExceeded, err)
	}
	wrapped := apperr.Wrap(op, err)
	c.logger.Warn("request failed",
		"op", op,
		"key", key,
		"kind", apperr.Classify(wrapped),
		"elapsed", time.Since(start),
		"error", err)
	return wrapped
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, c *Controller, key, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, key, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// InFlight reports the number of running calls under key.
func (c *Controller) InFlight(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight[key])
}

// Cancel aborts every running call under key.
func (c *Controller) Cancel(key string) {
	c.mu.Lock()
	calls := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()

	for _, cancel := range calls {
		cancel()
	}
}

// Close aborts every running call and rejects new ones.
func (c *Controller) Close() {
	c.mu.Lock()
	all := c.inflight
	c.inflight = make(map[string]map[uint64]context.CancelFunc)
	c.closed = true
	c.mu.Unlock()

	for _, calls := range all {
		for _, cancel := range calls {
			cancel()
		}
	}
}

func (c *Controller) register(key string, cancel context.CancelFunc) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, false
	}
	c.nextID++
	calls, ok := c.inflight[key]
	if !ok {
		calls = make(map[uint64]context.CancelFunc)
		c.inflight[key] = calls
	}
	calls[c.nextID] = cancel
	return c.nextID, true
}

func (c *Controller) unregister(key string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := c.inflight[key]
	delete(calls, id)
	if len(calls) == 0 {
		delete(c.inflight, key)
	}
}
