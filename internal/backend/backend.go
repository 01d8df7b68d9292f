// Package backend abstracts the decode/transport layer behind a small
// capability interface: open a source URI, pull decoded frames with a
// bounded wait, close the handle. The ingestion core is agnostic to which
// concrete backend satisfies it.
//
// Three backends ship with the module:
//
//   - "gst": GStreamer RTSP pipeline (requires gstreamer1.0 runtime)
//   - "ffmpeg": ffmpeg child process per source decoding to raw RGB
//     (requires the ffmpeg binary on PATH)
//   - "synthetic": timed frame generator with a scriptable failure plan,
//     used by tests and for dry runs without cameras
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Frame is a single decoded image buffer with capture metadata.
//
// Data is shared by reference downstream and MUST NOT be modified after the
// frame leaves the backend (immutability contract, zero-copy hand-off).
type Frame struct {
	// Data contains raw RGB bytes, Width*Height*3.
	Data []byte

	// Width and Height are fixed per source after the first successful open.
	Width  int
	Height int

	// Timestamp is when the backend produced the frame (capture time, not
	// the time a consumer observed it).
	Timestamp time.Time

	// Seq is a per-handle monotonic sequence number.
	Seq uint64

	// TraceID is a unique identifier for correlating a frame across log lines.
	TraceID string
}

var (
	// ErrTimeout reports that no frame arrived within the read deadline.
	// It is not a failure: the caller simply retries the pull.
	ErrTimeout = errors.New("backend: frame read timed out")

	// ErrClosed reports a read on a closed handle.
	ErrClosed = errors.New("backend: handle closed")

	// ErrUnknownBackend reports an unrecognized backend kind. This is a
	// configuration error surfaced at setup, before any connection attempt.
	ErrUnknownBackend = errors.New("backend: unknown backend kind")
)

// Handle is one open session against a source.
//
// Implementations must guarantee:
//   - ReadFrame blocks at most `timeout` (or until ctx is done)
//   - ReadFrame returns ErrTimeout for "no frame yet" and a different error
//     for a broken session; callers branch on errors.Is(err, ErrTimeout)
//   - Close is idempotent and releases all session resources
type Handle interface {
	ReadFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	Close() error
}

// Backend opens handles for source URIs.
type Backend interface {
	// Kind returns the registry name of this backend ("gst", "ffmpeg",
	// "synthetic").
	Kind() string

	// Open establishes a session for uri. A returned handle is live until
	// Close; open failures are returned as errors, never panics.
	Open(ctx context.Context, uri string) (Handle, error)
}

// Options carries backend-wide tuning. The gst and ffmpeg backends scale
// every source to Width x Height and rate-limit to TargetFPS; the synthetic
// backend ignores Options and reads its shape from the source URI.
type Options struct {
	Width     int
	Height    int
	TargetFPS float64
}

// DefaultOptions returns the 720p defaults used when no tuning is supplied.
func DefaultOptions() Options {
	return Options{Width: 1280, Height: 720, TargetFPS: 25}
}

// New constructs a backend by kind. Unknown kinds fail fast with
// ErrUnknownBackend so that a misconfigured source is excluded at setup
// without affecting the rest of the run.
func New(kind string, opts Options) (Backend, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts = DefaultOptions()
	}
	switch kind {
	case "gst":
		return newGstBackend(opts)
	case "ffmpeg":
		return newFFmpegBackend(opts)
	case "synthetic":
		return newSyntheticBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}

// Setup performs process-wide backend initialization once at startup and
// returns the matching teardown. Initialization is explicit rather than
// hidden in first use so a broken runtime fails the run before any source
// is touched.
func Setup(kind string) (teardown func(), err error) {
	switch kind {
	case "gst":
		if err := initGst(); err != nil {
			return nil, err
		}
		return teardownGst, nil
	case "ffmpeg":
		if err := initFFmpeg(); err != nil {
			return nil, err
		}
		return func() {}, nil
	case "synthetic":
		return func() {}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
