package backend

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// syntheticBackend generates black RGB frames at a configured rate with an
// optional scriptable failure plan, so connection recovery and FPS
// accounting can be exercised without cameras.
//
// URI form:
//
//	synthetic://cam-1?fps=25&width=64&height=48&fail_opens=2&fail_reads_after=10
//
// fail_opens=N fails the first N Open calls for that URI (the counter is
// shared across handles, so retry budgets make progress). fail_reads_after=M
// breaks the session after M successful reads, simulating a dropped stream.
type syntheticBackend struct {
	mu    sync.Mutex
	opens map[string]int
}

func newSyntheticBackend() *syntheticBackend {
	return &syntheticBackend{opens: make(map[string]int)}
}

func (b *syntheticBackend) Kind() string { return "synthetic" }

type syntheticParams struct {
	name           string
	fps            float64
	width          int
	height         int
	failOpens      int
	failReadsAfter int
}

func parseSyntheticURI(uri string) (syntheticParams, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return syntheticParams{}, fmt.Errorf("backend: invalid synthetic URI %q: %w", uri, err)
	}
	if u.Scheme != "synthetic" {
		return syntheticParams{}, fmt.Errorf("backend: synthetic backend cannot open scheme %q", u.Scheme)
	}

	p := syntheticParams{name: u.Host, fps: 25, width: 64, height: 48}
	q := u.Query()

	if v := q.Get("fps"); v != "" {
		p.fps, err = strconv.ParseFloat(v, 64)
		if err != nil || p.fps <= 0 {
			return syntheticParams{}, fmt.Errorf("backend: invalid fps %q in %q", v, uri)
		}
	}
	for _, opt := range []struct {
		key string
		dst *int
	}{
		{"width", &p.width},
		{"height", &p.height},
		{"fail_opens", &p.failOpens},
		{"fail_reads_after", &p.failReadsAfter},
	} {
		if v := q.Get(opt.key); v != "" {
			*opt.dst, err = strconv.Atoi(v)
			if err != nil || *opt.dst < 0 {
				return syntheticParams{}, fmt.Errorf("backend: invalid %s %q in %q", opt.key, v, uri)
			}
		}
	}
	return p, nil
}

func (b *syntheticBackend) Open(ctx context.Context, uri string) (Handle, error) {
	p, err := parseSyntheticURI(uri)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	attempt := b.opens[uri] + 1
	b.opens[uri] = attempt
	b.mu.Unlock()

	if attempt <= p.failOpens {
		return nil, fmt.Errorf("backend: synthetic open failure %d/%d for %s", attempt, p.failOpens, uri)
	}

	return &syntheticHandle{
		params:   p,
		interval: time.Duration(float64(time.Second) / p.fps),
		lastAt:   time.Now(),
	}, nil
}

type syntheticHandle struct {
	params   syntheticParams
	interval time.Duration

	mu     sync.Mutex
	lastAt time.Time
	reads  int
	seq    uint64

	closed atomic.Bool
}

func (h *syntheticHandle) ReadFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}

	h.mu.Lock()
	if h.params.failReadsAfter > 0 && h.reads >= h.params.failReadsAfter {
		h.mu.Unlock()
		return nil, fmt.Errorf("backend: synthetic stream %s broke after %d reads", h.params.name, h.reads)
	}
	due := h.lastAt.Add(h.interval)
	h.mu.Unlock()

	if wait := time.Until(due); wait > 0 {
		if wait > timeout {
			// The next frame is not due within the deadline: behave like a
			// real backend and time the read out after the full budget.
			select {
			case <-time.After(timeout):
				return nil, ErrTimeout
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if h.closed.Load() {
		return nil, ErrClosed
	}

	h.mu.Lock()
	h.lastAt = time.Now()
	h.reads++
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	return &Frame{
		Data:      make([]byte, h.params.width*h.params.height*3),
		Width:     h.params.width,
		Height:    h.params.height,
		Timestamp: time.Now(),
		Seq:       seq,
		TraceID:   uuid.New().String(),
	}, nil
}

func (h *syntheticHandle) Close() error {
	h.closed.Store(true)
	return nil
}
