package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ffmpegBackend decodes RTSP through an ffmpeg child process per source:
// ffmpeg pulls and decodes the stream, scales it to the configured shape,
// and writes raw RGB frames to stdout where the handle slices them up.
// Process isolation means a crashing decoder kills one source, not the run.
type ffmpegBackend struct {
	opts Options
}

func newFFmpegBackend(opts Options) (*ffmpegBackend, error) {
	if opts.TargetFPS < 0.1 || opts.TargetFPS > 60 {
		return nil, fmt.Errorf("backend: invalid target FPS %.2f (must be 0.1-60)", opts.TargetFPS)
	}
	return &ffmpegBackend{opts: opts}, nil
}

func (b *ffmpegBackend) Kind() string { return "ffmpeg" }

// initFFmpeg verifies the ffmpeg binary is on PATH (fail-fast, mirroring the
// gst runtime check).
func initFFmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("backend: ffmpeg not available: %w", err)
	}
	return nil
}

// ffmpegArgs builds the decode command line: TCP transport, scale to the
// configured shape, rate-limit, raw RGB to stdout.
func ffmpegArgs(uri string, opts Options) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", uri,
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%s",
			opts.Width, opts.Height, strconv.FormatFloat(opts.TargetFPS, 'f', -1, 64)),
		"-pix_fmt", "rgb24",
		"-f", "rawvideo",
		"pipe:1",
	}
}

// Open starts the ffmpeg child and a reader goroutine slicing stdout into
// fixed-size frames. The process outlives the Open context; it is owned by
// the handle and terminated in Close.
func (b *ffmpegBackend) Open(ctx context.Context, uri string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := initFFmpeg(); err != nil {
		return nil, err
	}

	h := &ffmpegHandle{
		uri:       uri,
		width:     b.opts.Width,
		height:    b.opts.Height,
		frameSize: b.opts.Width * b.opts.Height * 3,
		frames:    make(chan *Frame, 1),
		fatalCh:   make(chan struct{}),
	}

	cmd := exec.Command("ffmpeg", ffmpegArgs(uri, b.opts)...)
	cmd.Stderr = &h.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: ffmpeg stdout pipe for %s: %w", uri, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend: failed to start ffmpeg for %s: %w", uri, err)
	}
	h.cmd = cmd

	h.wg.Add(1)
	go h.readFrames(stdout)

	slog.Info("backend: ffmpeg decoder started",
		"uri", uri,
		"resolution", fmt.Sprintf("%dx%d", b.opts.Width, b.opts.Height),
		"target_fps", b.opts.TargetFPS,
	)
	return h, nil
}

// ffmpegHandle is one live ffmpeg-decoded session. The reader goroutine
// publishes into a single-slot channel (drop-old); a dead child process
// becomes the handle's fatal state, surfaced by ReadFrame.
type ffmpegHandle struct {
	uri       string
	cmd       *exec.Cmd
	width     int
	height    int
	frameSize int

	frames chan *Frame
	seq    uint64

	// stderr is written by the child and read only after cmd.Wait.
	stderr bytes.Buffer

	fatalMu sync.Mutex
	fatal   error
	fatalCh chan struct{}

	wg     sync.WaitGroup
	closed atomic.Bool
}

// readFrames slices stdout into frameSize chunks until the pipe breaks.
// Exactly this goroutine calls cmd.Wait, after the pipe is drained.
func (h *ffmpegHandle) readFrames(stdout io.ReadCloser) {
	defer h.wg.Done()

	buf := make([]byte, h.frameSize)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			h.cmd.Wait()
			if h.closed.Load() {
				return
			}
			h.setFatal(fmt.Errorf("backend: ffmpeg stream ended on %s: %v%s",
				h.uri, err, stderrTail(h.stderr.Bytes())))
			return
		}

		data := make([]byte, len(buf))
		copy(data, buf)

		frame := &Frame{
			Data:      data,
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
			default:
				select {
				case <-h.frames:
				default:
				}
				continue
			}
			break
		}
	}
}

// stderrTail trims the child's stderr to the last few lines for error text.
func stderrTail(b []byte) string {
	const max = 512
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return fmt.Sprintf(" (ffmpeg: %s)", b)
}

func (h *ffmpegHandle) setFatal(err error) {
	h.fatalMu.Lock()
	defer h.fatalMu.Unlock()
	if h.fatal == nil {
		h.fatal = err
		close(h.fatalCh)
		slog.Error("backend: ffmpeg session broke", "uri", h.uri, "error", err)
	}
}

func (h *ffmpegHandle) fatalErr() error {
	h.fatalMu.Lock()
	defer h.fatalMu.Unlock()
	return h.fatal
}

func (h *ffmpegHandle) ReadFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
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

// Close kills the child process and waits for the reader to drain out.
// Idempotent: the kill runs exactly once, later calls return nil.
func (h *ffmpegHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	h.wg.Wait()

	slog.Debug("backend: ffmpeg handle closed", "uri", h.uri, "frames", atomic.LoadUint64(&h.seq))
	return nil
}
