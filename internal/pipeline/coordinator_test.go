package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/guardsys/guard/internal/camera"
	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/detect"
	"github.com/guardsys/guard/internal/event"
)

// fakeSource never yields frames; the loops idle until stopped.
type fakeSource struct {
	opens    atomic.Int32
	releases atomic.Int32
}

func (s *fakeSource) Open(_, _, _, _ int) error { s.opens.Add(1); return nil }
func (s *fakeSource) Read() (camera.Frame, bool) {
	time.Sleep(time.Millisecond)
	return camera.Frame{}, false
}
func (s *fakeSource) Release() { s.releases.Add(1) }

func newTestCoordinator(source FrameSource) *Coordinator {
	cfg := config.PipelineConfig{
		UserID:      "alice",
		Interval:    10 * time.Millisecond,
		Cooldown:    5 * time.Second,
		StopTimeout: time.Second,
	}
	return NewCoordinator(cfg, config.CameraConfig{}, source, nil,
		detect.Rule{ClassIndex: -1}, nil, nil, nil, nil, zap.NewNop())
}

func TestStartStopCaptureIdempotent(t *testing.T) {
	source := &fakeSource{}
	c := newTestCoordinator(source)
	ctx := context.Background()

	if err := c.StartCapture(ctx); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if !c.Running() {
		t.Fatal("Running should report true after start")
	}
	if err := c.StartCapture(ctx); err != nil {
		t.Fatalf("second StartCapture failed: %v", err)
	}
	if got := source.opens.Load(); got != 1 {
		t.Fatalf("device opened %d times, want 1", got)
	}

	if err := c.StopCapture(); err != nil {
		t.Fatalf("StopCapture failed: %v", err)
	}
	if c.Running() {
		t.Fatal("Running should report false after stop")
	}
	if err := c.StopCapture(); err != nil {
		t.Fatalf("second StopCapture failed: %v", err)
	}
	if got := source.releases.Load(); got != 1 {
		t.Fatalf("device released %d times, want 1", got)
	}
}

func TestStartDetectionRequiresDetector(t *testing.T) {
	c := newTestCoordinator(&fakeSource{})

	if err := c.StartDetection(); err == nil {
		t.Fatal("StartDetection without a detector should fail")
	}
	if c.Detecting() {
		t.Fatal("Detecting should stay false")
	}
	// StopDetection on an idle coordinator is a no-op.
	c.StopDetection()
}

// recordingStore reports the context state each Save observed.
type recordingStore struct {
	saves chan error
}

func (s *recordingStore) Save(ctx context.Context, _ *event.FallEvent) error {
	s.saves <- ctx.Err()
	return nil
}

func TestHandleFallPersistsAfterContextCancel(t *testing.T) {
	st := &recordingStore{saves: make(chan error, 1)}
	c := newTestCoordinator(&fakeSource{})
	c.store = st

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := event.New("alice", "Kitchen", 0.9, nil)
	c.handleFall(ctx, ev, gocv.Mat{})

	select {
	case err := <-st.saves:
		if err != nil {
			t.Fatalf("save observed a cancelled context: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("event was never saved")
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)

	c := newTestCoordinator(&fakeSource{})
	c.cfg.RetentionDays = 7
	if got := c.RetentionCutoff(now); !got.Equal(now.AddDate(0, 0, -7)) {
		t.Fatalf("cutoff = %v", got)
	}

	// Unset retention falls back to 30 days.
	c.cfg.RetentionDays = 0
	if got := c.RetentionCutoff(now); !got.Equal(now.AddDate(0, 0, -30)) {
		t.Fatalf("default cutoff = %v", got)
	}
}
