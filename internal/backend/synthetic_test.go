package backend

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseSyntheticURI(t *testing.T) {
	cases := []struct {
		uri     string
		want    syntheticParams
		wantErr bool
	}{
		{
			uri:  "synthetic://cam-1",
			want: syntheticParams{name: "cam-1", fps: 25, width: 64, height: 48},
		},
		{
			uri: "synthetic://cam-2?fps=10&width=320&height=240&fail_opens=2&fail_reads_after=5",
			want: syntheticParams{
				name: "cam-2", fps: 10, width: 320, height: 240,
				failOpens: 2, failReadsAfter: 5,
			},
		},
		{uri: "rtsp://cam-3", wantErr: true},
		{uri: "synthetic://cam-4?fps=0", wantErr: true},
		{uri: "synthetic://cam-5?fps=abc", wantErr: true},
		{uri: "synthetic://cam-6?width=-1", wantErr: true},
	}

	for _, tc := range cases {
		got, err := parseSyntheticURI(tc.uri)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected an error", tc.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.uri, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.uri, got, tc.want)
		}
	}
}

func TestSyntheticFailOpensSharedAcrossAttempts(t *testing.T) {
	b := newSyntheticBackend()
	uri := "synthetic://cam-1?fps=100&fail_opens=2"
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.Open(ctx, uri); err == nil {
			t.Fatalf("open %d should fail", i+1)
		}
	}
	h, err := b.Open(ctx, uri)
	if err != nil {
		t.Fatalf("open 3 should succeed: %v", err)
	}
	h.Close()
}

func TestSyntheticReadPacing(t *testing.T) {
	b := newSyntheticBackend()
	h, err := b.Open(context.Background(), "synthetic://cam-1?fps=100&width=8&height=8")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	// 100 FPS: the first frame is due ~10ms after open.
	frame, err := h.ReadFrame(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Data) != 8*8*3 {
		t.Errorf("frame size = %d, want %d", len(frame.Data), 8*8*3)
	}
	if frame.Seq != 1 || frame.TraceID == "" {
		t.Errorf("frame metadata incomplete: seq=%d trace=%q", frame.Seq, frame.TraceID)
	}

	// A deadline shorter than the frame interval times out.
	if _, err := h.ReadFrame(context.Background(), time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestSyntheticBreaksAfterConfiguredReads(t *testing.T) {
	b := newSyntheticBackend()
	h, err := b.Open(context.Background(), "synthetic://cam-1?fps=200&fail_reads_after=3")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.ReadFrame(ctx, 100*time.Millisecond); err != nil {
			t.Fatalf("read %d: %v", i+1, err)
		}
	}
	_, err = h.ReadFrame(ctx, 100*time.Millisecond)
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a session failure after 3 reads, got %v", err)
	}
}

func TestSyntheticClosedHandle(t *testing.T) {
	b := newSyntheticBackend()
	h, err := b.Open(context.Background(), "synthetic://cam-1?fps=200")
	if err != nil {
		t.Fatal(err)
	}
	h.Close()
	h.Close() // idempotent

	if _, err := h.ReadFrame(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("read on closed handle = %v, want ErrClosed", err)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New("ffmpeg", Options{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := Setup("ffmpeg"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Setup: expected ErrUnknownBackend, got %v", err)
	}
}

func TestGstBackendValidatesOptions(t *testing.T) {
	if _, err := newGstBackend(Options{Width: 1280, Height: 720, TargetFPS: 500}); err == nil {
		t.Error("expected an error for an out-of-range target FPS")
	}
}

func TestFramerateCaps(t *testing.T) {
	cases := []struct {
		fps  float64
		want string
	}{
		{25, "video/x-raw,format=RGB,width=640,height=480,framerate=25/1"},
		{0.5, "video/x-raw,format=RGB,width=640,height=480,framerate=1/2"},
		{2.5, "video/x-raw,format=RGB,width=640,height=480,framerate=5/2"},
		{29.97, "video/x-raw,format=RGB,width=640,height=480,framerate=2997/100"},
	}
	for _, tc := range cases {
		if got := framerateCaps(640, 480, tc.fps); got != tc.want {
			t.Errorf("framerateCaps(%.1f) = %q, want %q", tc.fps, got, tc.want)
		}
	}
}
