package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInitOnce sync.Once

// initGst initializes the GStreamer runtime once and verifies it is usable
// by constructing a trivial element (fail-fast).
func initGst() error {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("backend: GStreamer not available: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// teardownGst releases process-wide GStreamer state. The runtime keeps its
// own global context alive for the process lifetime; per-handle pipelines
// are torn down in Close, so there is nothing further to release here.
func teardownGst() {
	slog.Debug("backend: gst teardown complete")
}

type gstBackend struct {
	opts Options
}

func newGstBackend(opts Options) (*gstBackend, error) {
	if opts.TargetFPS < 0.1 || opts.TargetFPS > 60 {
		return nil, fmt.Errorf("backend: invalid target FPS %.2f (must be 0.1-60)", opts.TargetFPS)
	}
	return &gstBackend{opts: opts}, nil
}

func (b *gstBackend) Kind() string { return "gst" }

// Open builds an RTSP decode pipeline for uri, moves it to PLAYING, and
// returns a handle whose ReadFrame drains the appsink. Frames arrive
// asynchronously once the pipeline reaches PLAYING (typically a few
// seconds); callers probe with ReadFrame and their own retry budget.
func (b *gstBackend) Open(ctx context.Context, uri string) (Handle, error) {
	if err := initGst(); err != nil {
		return nil, err
	}

	elems, err := buildRTSPPipeline(uri, b.opts)
	if err != nil {
		return nil, fmt.Errorf("backend: failed to build pipeline for %s: %w", uri, err)
	}

	h := &gstHandle{
		uri:     uri,
		elems:   elems,
		width:   b.opts.Width,
		height:  b.opts.Height,
		frames:  make(chan *Frame, 1),
		fatalCh: make(chan struct{}),
		quit:    make(chan struct{}),
	}

	elems.appSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: h.onNewSample,
	})

	if err := elems.pipeline.SetState(gst.StatePlaying); err != nil {
		elems.pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("backend: failed to start pipeline for %s: %w", uri, err)
	}

	h.wg.Add(1)
	go h.watchBus()

	slog.Info("backend: gst pipeline started",
		"uri", uri,
		"resolution", fmt.Sprintf("%dx%d", b.opts.Width, b.opts.Height),
		"target_fps", b.opts.TargetFPS,
	)

	return h, nil
}

// gstHandle is one live RTSP session. The appsink callback publishes into a
// single-slot channel (drop-old) and the bus watcher converts pipeline
// errors into a fatal state that ReadFrame surfaces.
type gstHandle struct {
	uri    string
	elems  *pipelineElements
	width  int
	height int

	frames chan *Frame
	seq    uint64

	fatalMu sync.Mutex
	fatal   error
	fatalCh chan struct{}

	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

func (h *gstHandle) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single corrupted sample should not kill the session.
		slog.Warn("backend: failed to pull sample, skipping frame", "uri", h.uri)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("backend: sample without buffer, skipping frame", "uri", h.uri)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("backend: empty buffer received", "uri", h.uri)
		return gst.FlowOK
	}

	// Copy out: GStreamer reuses the buffer after the callback returns.
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := &Frame{
		Data:      frameData,
		Width:     h.width,
		Height:    h.height,
		Timestamp: time.Now(),
		Seq:       atomic.AddUint64(&h.seq, 1),
		TraceID:   uuid.New().String(),
	}

	// Single-slot hand-off: keep only the latest frame if the reader lags.
	for {
		select {
		case h.frames <- frame:
			return gst.FlowOK
		default:
		}
		select {
		case <-h.frames:
		default:
		}
	}
}

// watchBus polls the pipeline bus until the handle is closed, converting
// errors and EOS into the handle's fatal state.
func (h *gstHandle) watchBus() {
	defer h.wg.Done()

	bus := h.elems.pipeline.GetPipelineBus()
	for {
		select {
		case <-h.quit:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("backend: end of stream", "uri", h.uri)
			h.setFatal(fmt.Errorf("backend: end of stream on %s", h.uri))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGstError(gerr)
			slog.Error("backend: pipeline error",
				"uri", h.uri,
				"error", gerr.Error(),
				"category", category.String(),
			)
			h.setFatal(fmt.Errorf("backend: pipeline error [%s] on %s: %s",
				category.String(), h.uri, gerr.Error()))
			return
		}
	}
}

func (h *gstHandle) setFatal(err error) {
	h.fatalMu.Lock()
	defer h.fatalMu.Unlock()
	if h.fatal == nil {
		h.fatal = err
		close(h.fatalCh)
	}
}

func (h *gstHandle) fatalErr() error {
	h.fatalMu.Lock()
	defer h.fatalMu.Unlock()
	return h.fatal
}

func (h *gstHandle) ReadFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if err := h.fatalErr(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-h.frames:
		return frame, nil
	case <-h.fatalCh:
		return nil, h.fatalErr()
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the pipeline down. Idempotent: the state transition runs
// exactly once, later calls return nil immediately.
func (h *gstHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(h.quit)
	if err := h.elems.pipeline.SetState(gst.StateNull); err != nil {
		slog.Error("backend: failed to stop pipeline", "uri", h.uri, "error", err)
	}
	h.wg.Wait()

	slog.Debug("backend: gst handle closed", "uri", h.uri, "frames", atomic.LoadUint64(&h.seq))
	return nil
}
