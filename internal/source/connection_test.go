package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/visiona/multicam/internal/backend"
)

func newTestBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := backend.New("synthetic", backend.Options{})
	if err != nil {
		t.Fatalf("failed to create synthetic backend: %v", err)
	}
	return b
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	b := newTestBackend(t)
	src := Source{Name: "cam-1", URI: "synthetic://cam-1?fps=200&fail_opens=2"}
	conn := NewConnection(src, b, 200*time.Millisecond)
	defer conn.Close()

	const retryInterval = 30 * time.Millisecond
	started := time.Now()
	if err := conn.Connect(context.Background(), 5, retryInterval); err != nil {
		t.Fatalf("expected connect to succeed on attempt 3, got %v", err)
	}
	elapsed := time.Since(started)

	// Two failed attempts means two waits before the third succeeds.
	if elapsed < 2*retryInterval {
		t.Errorf("connect returned after %v, expected at least %v of retry waits", elapsed, 2*retryInterval)
	}
	if got := conn.State(); got != Connected {
		t.Errorf("state = %v, want connected", got)
	}

	probe := conn.TakeProbe()
	if probe == nil {
		t.Fatal("expected a probing frame after connect")
	}
	if conn.TakeProbe() != nil {
		t.Error("TakeProbe returned the probe twice")
	}
	t.Logf("connected in %v, probe %dx%d", elapsed, probe.Width, probe.Height)
}

func TestConnectExhaustsBudget(t *testing.T) {
	b := newTestBackend(t)
	// Exactly 3 scripted open failures against a budget of 3: the failed
	// Connect must consume all three and no more.
	src := Source{Name: "cam-dead", URI: "synthetic://cam-dead?fps=200&fail_opens=3"}
	conn := NewConnection(src, b, 200*time.Millisecond)
	defer conn.Close()

	const retryInterval = 20 * time.Millisecond
	started := time.Now()
	err := conn.Connect(context.Background(), 3, retryInterval)
	elapsed := time.Since(started)

	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if elapsed < 2*retryInterval {
		t.Errorf("3 attempts finished in %v, expected at least %v between them", elapsed, 2*retryInterval)
	}
	if got := conn.State(); got != Disconnected {
		t.Errorf("state after exhaustion = %v, want disconnected", got)
	}

	// No handle survives a failed connect.
	if _, err := conn.PullFrame(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PullFrame after failed connect = %v, want ErrNotConnected", err)
	}

	// Attempt-count check: the backend fails exactly the first 3 opens, so
	// a single follow-up attempt succeeding proves the failed Connect made
	// exactly 3 attempts. A 4th attempt above would have connected; fewer
	// than 3 and this open would still be scripted to fail.
	if err := conn.Connect(context.Background(), 1, 0); err != nil {
		t.Fatalf("follow-up single attempt should succeed (open #4): %v", err)
	}
	if got := conn.State(); got != Connected {
		t.Errorf("state after follow-up connect = %v, want connected", got)
	}
}

func TestPullFrameTimeoutKeepsConnection(t *testing.T) {
	b := newTestBackend(t)
	// 20 FPS: next frame due 50ms after the probe.
	src := Source{Name: "cam-slow", URI: "synthetic://cam-slow?fps=20"}
	conn := NewConnection(src, b, 200*time.Millisecond)
	defer conn.Close()

	if err := conn.Connect(context.Background(), 1, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := conn.PullFrame(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, backend.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := conn.State(); got != Connected {
		t.Errorf("state after timeout = %v, want connected (timeout is not a failure)", got)
	}

	// With a generous deadline the next frame arrives.
	frame, err := conn.PullFrame(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("pull with long deadline: %v", err)
	}
	if frame == nil || len(frame.Data) == 0 {
		t.Error("pulled frame is empty")
	}
}

func TestPullFrameFailureDropsConnection(t *testing.T) {
	b := newTestBackend(t)
	// The probe consumes the single allowed read; the next pull breaks.
	src := Source{Name: "cam-flaky", URI: "synthetic://cam-flaky?fps=200&fail_reads_after=1"}
	conn := NewConnection(src, b, 200*time.Millisecond)
	defer conn.Close()

	if err := conn.Connect(context.Background(), 1, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := conn.PullFrame(context.Background(), 100*time.Millisecond)
	if err == nil || errors.Is(err, backend.ErrTimeout) {
		t.Fatalf("expected a session failure, got %v", err)
	}
	if got := conn.State(); got != Disconnected {
		t.Errorf("state after read failure = %v, want disconnected", got)
	}
}

func TestReconnectAfterFailure(t *testing.T) {
	b := newTestBackend(t)
	src := Source{Name: "cam-recover", URI: "synthetic://cam-recover?fps=200&fail_reads_after=1"}
	conn := NewConnection(src, b, 200*time.Millisecond)
	defer conn.Close()

	if err := conn.Connect(context.Background(), 1, 0); err != nil {
		t.Fatalf("initial connect: %v", err)
	}
	if _, err := conn.PullFrame(context.Background(), 100*time.Millisecond); err == nil {
		t.Fatal("expected the session to break")
	}

	// The same connection reconnects; a fresh handle has a fresh read budget.
	if err := conn.Connect(context.Background(), 2, 10*time.Millisecond); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := conn.State(); got != Connected {
		t.Errorf("state after reconnect = %v, want connected", got)
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	b := newTestBackend(t)
	src := Source{Name: "cam-close", URI: "synthetic://cam-close?fps=200"}
	conn := NewConnection(src, b, 200*time.Millisecond)

	if err := conn.Connect(context.Background(), 1, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := conn.Close(); err != nil {
			t.Fatalf("close call %d: %v", i+1, err)
		}
	}
	if got := conn.State(); got != Closed {
		t.Errorf("state = %v, want closed", got)
	}

	if err := conn.Connect(context.Background(), 1, 0); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Connect after Close = %v, want ErrConnectionClosed", err)
	}
	if _, err := conn.PullFrame(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("PullFrame after Close = %v, want ErrConnectionClosed", err)
	}
}

func TestConnectAbortsOnCancel(t *testing.T) {
	b := newTestBackend(t)
	src := Source{Name: "cam-cancel", URI: "synthetic://cam-cancel?fail_opens=100"}
	conn := NewConnection(src, b, 50*time.Millisecond)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	err := conn.Connect(ctx, 100, 200*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("cancelled connect took %v, expected prompt abort", elapsed)
	}
	if got := conn.State(); got != Disconnected {
		t.Errorf("state after cancel = %v, want disconnected", got)
	}
}
