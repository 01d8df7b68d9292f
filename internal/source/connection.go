package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiona/multicam/internal/backend"
)

var (
	// ErrConnectFailed reports an exhausted connect budget. It is a
	// reportable, non-fatal outcome: the source is excluded from further
	// processing and the run continues for the remaining sources.
	ErrConnectFailed = errors.New("source: connect failed after all attempts")

	// ErrNotConnected reports a pull against a connection that holds no
	// live handle.
	ErrNotConnected = errors.New("source: not connected")

	// ErrConnectionClosed reports use of a connection after Close.
	ErrConnectionClosed = errors.New("source: connection closed")
)

// Connection binds one Source to one backend handle.
//
// State machine: Disconnected → Connecting → Connected → Disconnected (on
// failure) → Closed (terminal). The handle is released on every transition
// out of Connected and on Closed; no exit path leaks it.
type Connection struct {
	src          Source
	backend      backend.Backend
	probeTimeout time.Duration

	mu     sync.Mutex
	state  State
	handle backend.Handle
	probe  *backend.Frame

	// Frame dimensions are fixed per source after the first successful
	// connect; reconnects reuse them.
	width  int
	height int
}

// NewConnection creates a disconnected connection. probeTimeout bounds the
// single probing read performed inside each connect attempt.
func NewConnection(src Source, b backend.Backend, probeTimeout time.Duration) *Connection {
	return &Connection{
		src:          src,
		backend:      b,
		probeTimeout: probeTimeout,
		state:        Disconnected,
	}
}

// Source returns the immutable source identity.
func (c *Connection) Source() Source { return c.src }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dimensions returns the frame size learned from the first successful
// connect, or zeros before that.
func (c *Connection) Dimensions() (width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// Connect attempts, in order, up to maxAttempts times: open the backend
// handle, then read one probing frame within the probe timeout. On either
// failure the handle is released and the next attempt starts after
// retryInterval. Exhaustion returns ErrConnectFailed and leaves the
// connection Disconnected.
//
// Retry parameters are call-site configuration: initial connects and
// mid-stream recovery may run with different budgets.
func (c *Connection) Connect(ctx context.Context, maxAttempts int, retryInterval time.Duration) error {
	if maxAttempts < 1 {
		return fmt.Errorf("source: invalid connect budget %d (must be >= 1)", maxAttempts)
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state == Connected {
		// Re-connect: drop the stale handle first.
		c.releaseLocked()
	}
	c.state = Connecting
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(Disconnected)
			return err
		}

		probe, handle, err := c.attempt(ctx)
		if err == nil {
			c.mu.Lock()
			if c.state == Closed {
				// Closed raced the attempt; do not leak the fresh handle.
				c.mu.Unlock()
				handle.Close()
				return ErrConnectionClosed
			}
			c.handle = handle
			c.probe = probe
			c.state = Connected
			if c.width == 0 {
				c.width, c.height = probe.Width, probe.Height
			}
			c.mu.Unlock()

			slog.Info("source: connected",
				"source", c.src.Name,
				"attempt", attempt,
				"resolution", fmt.Sprintf("%dx%d", probe.Width, probe.Height),
			)
			return nil
		}

		lastErr = err
		slog.Warn("source: connect attempt failed",
			"source", c.src.Name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)

		if attempt < maxAttempts {
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
				c.setState(Disconnected)
				return ctx.Err()
			}
		}
	}

	c.setState(Disconnected)
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, c.src.Name, maxAttempts, lastErr)
}

// attempt opens a handle and probes it for one frame. On any failure the
// handle is closed before returning.
func (c *Connection) attempt(ctx context.Context) (*backend.Frame, backend.Handle, error) {
	handle, err := c.backend.Open(ctx, c.src.URI)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}

	probe, err := handle.ReadFrame(ctx, c.probeTimeout)
	if err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("probe read: %w", err)
	}
	return probe, handle, nil
}

// TakeProbe returns the probing frame captured by the last successful
// Connect, at most once. It is real captured data and counts as a read.
func (c *Connection) TakeProbe() *backend.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	probe := c.probe
	c.probe = nil
	return probe
}

// PullFrame performs one bounded read. On backend.ErrTimeout the connection
// stays Connected (no frame yet is not a failure). On any other error the
// handle is released and the connection transitions to Disconnected: retry
// policy lives in the capture loop, not here, so the same primitive serves
// both continuous read loops and probing.
func (c *Connection) PullFrame(ctx context.Context, timeout time.Duration) (*backend.Frame, error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.state != Connected || c.handle == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	handle := c.handle
	c.mu.Unlock()

	frame, err := handle.ReadFrame(ctx, timeout)
	if err == nil {
		return frame, nil
	}
	if errors.Is(err, backend.ErrTimeout) {
		return nil, err
	}

	// Broken session: release the handle and report the failure upward.
	c.mu.Lock()
	if c.state == Connected && c.handle == handle {
		c.releaseLocked()
		c.state = Disconnected
	}
	c.mu.Unlock()

	slog.Warn("source: read failed, connection dropped", "source", c.src.Name, "error", err)
	return nil, err
}

// Close releases the backend handle and moves to the terminal state.
// Idempotent and safe to call from any state.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	c.releaseLocked()
	c.state = Closed
	return nil
}

func (c *Connection) releaseLocked() {
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			slog.Error("source: handle close failed", "source", c.src.Name, "error", err)
		}
		c.handle = nil
	}
	c.probe = nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = s
	}
	c.mu.Unlock()
}
