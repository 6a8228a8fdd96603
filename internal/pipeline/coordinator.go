// Package pipeline runs the real-time detection pipeline: an acquisition
// loop feeding a single-slot latest-frame handoff, and a processing loop
// that detects falls, applies the cooldown and fans confirmed events out to
// the store, the notifier and the broadcaster.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/guardsys/guard/internal/camera"
	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/detect"
	"github.com/guardsys/guard/internal/event"
)

// FrameSource yields frames from the capture device at its native pace.
type FrameSource interface {
	Open(index, width, height, fps int) error
	Read() (camera.Frame, bool)
	Release()
}

// EventStore receives confirmed events; failures are logged, never fatal.
type EventStore interface {
	Save(ctx context.Context, ev *event.FallEvent) error
}

// Dispatcher fans an event out to the user's notification channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, ev *event.FallEvent)
}

// AlertSink receives the out-of-band fall notice for connected viewers.
type AlertSink interface {
	BroadcastAlert(ev *event.FallEvent)
}

// ScreenshotStore captures and uploads the event still image.
type ScreenshotStore interface {
	Capture(mat gocv.Mat) ([]byte, error)
	Upload(ctx context.Context, userID, eventID string, jpeg []byte) (string, error)
}

// Coordinator owns the two pipeline loops and the shared frame slots.
type Coordinator struct {
	cfg      config.PipelineConfig
	camCfg   config.CameraConfig
	source   FrameSource
	detector detect.Detector // nil when no model is configured
	rule     detect.Rule
	store    EventStore
	notifier Dispatcher
	alerts   AlertSink
	shots    ScreenshotStore
	logger   *zap.Logger

	gate *fallGate

	// latest raw frame, overwritten by acquisition, snapshotted by processing
	latestMu  sync.Mutex
	latest    camera.Frame
	hasLatest bool

	// latest annotated frame, consumed by the broadcaster
	processedMu  sync.Mutex
	processed    gocv.Mat
	hasProcessed bool

	capturing atomic.Bool
	detecting atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewCoordinator wires the pipeline. detector, store, notifier, alerts and
// shots may be nil; the corresponding side effect is then skipped.
func NewCoordinator(cfg config.PipelineConfig, camCfg config.CameraConfig,
	source FrameSource, detector detect.Detector, rule detect.Rule,
	store EventStore, notifier Dispatcher, alerts AlertSink,
	shots ScreenshotStore, logger *zap.Logger) *Coordinator {

	return &Coordinator{
		cfg:      cfg,
		camCfg:   camCfg,
		source:   source,
		detector: detector,
		rule:     rule,
		store:    store,
		notifier: notifier,
		alerts:   alerts,
		shots:    shots,
		logger:   logger.Named("pipeline"),
		gate:     newFallGate(cfg.Cooldown),
	}
}

// SetAlertSink installs the viewer alert sink. The broadcaster consumes the
// coordinator's frames, so it is built after the coordinator and attached
// here. Must be called before StartCapture.
func (c *Coordinator) SetAlertSink(sink AlertSink) {
	c.alerts = sink
}

// StartCapture opens the device and starts both loops. Calling it while
// already capturing is a no-op.
func (c *Coordinator) StartCapture(ctx context.Context) error {
	if !c.capturing.CompareAndSwap(false, true) {
		c.logger.Warn("capture already running")
		return nil
	}

	if err := c.source.Open(c.camCfg.Index, c.camCfg.Width, c.camCfg.Height, c.camCfg.FPS); err != nil {
		c.capturing.Store(false)
		return fmt.Errorf("open frame source: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.acquisitionLoop(loopCtx)
	go c.processingLoop(loopCtx)

	c.logger.Info("capture started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("cooldown", c.cfg.Cooldown))
	return nil
}

// StopCapture signals both loops, waits for them within the configured stop
// timeout and then releases the device. Idempotent.
func (c *Coordinator) StopCapture() error {
	if !c.capturing.CompareAndSwap(true, false) {
		return nil
	}

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timeout := c.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
		c.logger.Info("capture stopped")
	case <-time.After(timeout):
		c.logger.Warn("capture stop timed out, releasing device anyway",
			zap.Duration("timeout", timeout))
	}

	c.source.Release()
	c.dropFrames()
	return nil
}

// StartDetection enables fall detection on processing ticks. Idempotent.
func (c *Coordinator) StartDetection() error {
	if c.detector == nil {
		return fmt.Errorf("no detector configured")
	}
	if c.detecting.CompareAndSwap(false, true) {
		c.logger.Info("detection started")
	}
	return nil
}

// StopDetection disables fall detection. Idempotent.
func (c *Coordinator) StopDetection() {
	if c.detecting.CompareAndSwap(true, false) {
		c.logger.Info("detection stopped")
	}
}

// Running reports whether the capture loops are active.
func (c *Coordinator) Running() bool { return c.capturing.Load() }

// Detecting reports whether detection is enabled.
func (c *Coordinator) Detecting() bool { return c.detecting.Load() }

// acquisitionLoop reads frames at the source's native pace and overwrites
// the latest-frame slot. Read failures are retried with backoff and never
// terminate the loop.
func (c *Coordinator) acquisitionLoop(ctx context.Context) {
	defer c.wg.Done()

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 100 * time.Millisecond
	ebo.MaxInterval = 5 * time.Second
	ebo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, ok := c.source.Read()
		if !ok {
			wait := ebo.NextBackOff()
			c.logger.Warn("frame read failed, retrying",
				zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		ebo.Reset()

		// Overwrite semantics: newest always wins, nothing queues.
		c.latestMu.Lock()
		if c.hasLatest {
			c.latest.Close()
		}
		c.latest = frame
		c.hasLatest = true
		c.latestMu.Unlock()
	}
}

// processingLoop snapshots the latest frame every tick, runs detection and
// publishes the annotated frame for the broadcaster.
func (c *Coordinator) processingLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.processTick(ctx)
		}
	}
}

func (c *Coordinator) processTick(ctx context.Context) {
	snap, ok := c.snapshotLatest()
	if !ok {
		return
	}

	if !c.detecting.Load() || c.detector == nil {
		c.publishProcessed(snap.Mat)
		return
	}

	detections, err := c.detector.Detect(ctx, snap)
	if err != nil {
		// Capability failure degrades to zero detections this tick.
		c.logger.Warn("detector failed, treating as no detections",
			zap.Error(err))
		detections = nil
	}

	fall, maxConfidence := c.rule.Classify(detections)
	if fall && !c.gate.Allow(time.Now()) {
		c.logger.Debug("fall suppressed by cooldown")
		fall = false
	}

	detect.Annotate(&snap.Mat, detections, c.rule, fall)

	if fall {
		ev := event.New(c.cfg.UserID, c.cfg.Location, maxConfidence, detections)
		c.logger.Warn("fall detected",
			zap.String("event_id", ev.ID),
			zap.Float64("confidence", maxConfidence),
			zap.Int("detections", len(detections)))
		c.handleFall(ctx, ev, snap.Mat)
	}

	c.publishProcessed(snap.Mat)
}

// handleFall fires the downstream side effects without blocking the
// processing loop. The screenshot is captured synchronously (cheap encode)
// so the frame buffer can be released; upload, persistence and notification
// run in the background.
func (c *Coordinator) handleFall(ctx context.Context, ev *event.FallEvent, mat gocv.Mat) {
	var jpeg []byte
	if c.shots != nil {
		var err error
		if jpeg, err = c.shots.Capture(mat); err != nil {
			c.logger.Error("screenshot capture failed",
				zap.String("event_id", ev.ID), zap.Error(err))
		}
	}

	// A confirmed event must outlive a capture stop: the loops' context is
	// cancelled on StopCapture, but upload, persistence and notification
	// for an event that already happened may not be abandoned with it.
	ctx = context.WithoutCancel(ctx)

	go func() {
		if len(jpeg) > 0 {
			ref, err := c.shots.Upload(ctx, ev.UserID, ev.ID, jpeg)
			if err != nil {
				c.logger.Error("screenshot upload failed",
					zap.String("event_id", ev.ID), zap.Error(err))
			} else {
				ev.ScreenshotRef = ref
			}
		}

		// Store and fan-out are independent best-effort consumers.
		var wg sync.WaitGroup
		if c.store != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.store.Save(ctx, ev); err != nil {
					c.logger.Error("event save failed",
						zap.String("event_id", ev.ID), zap.Error(err))
				}
			}()
		}
		if c.notifier != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.notifier.Dispatch(ctx, ev.UserID, ev)
			}()
		}
		wg.Wait()
	}()

	if c.alerts != nil {
		c.alerts.BroadcastAlert(ev)
	}
}

// snapshotLatest copies the latest frame under the slot lock. The copy is
// owned by the processing loop; the writer's buffer is never shared.
func (c *Coordinator) snapshotLatest() (camera.Frame, bool) {
	c.latestMu.Lock()
	defer c.latestMu.Unlock()
	if !c.hasLatest {
		return camera.Frame{}, false
	}
	return c.latest.Clone(), true
}

// publishProcessed hands the annotated frame to the broadcaster slot,
// taking ownership of mat.
func (c *Coordinator) publishProcessed(mat gocv.Mat) {
	c.processedMu.Lock()
	if c.hasProcessed {
		c.processed.Close()
	}
	c.processed = mat
	c.hasProcessed = true
	c.processedMu.Unlock()
}

// SnapshotProcessed returns a copy of the current annotated frame for the
// broadcaster. The caller owns the returned Mat.
func (c *Coordinator) SnapshotProcessed() (gocv.Mat, bool) {
	c.processedMu.Lock()
	defer c.processedMu.Unlock()
	if !c.hasProcessed {
		return gocv.Mat{}, false
	}
	return c.processed.Clone(), true
}

// dropFrames clears both frame slots after the loops have exited.
func (c *Coordinator) dropFrames() {
	c.latestMu.Lock()
	if c.hasLatest {
		c.latest.Close()
		c.hasLatest = false
	}
	c.latestMu.Unlock()

	c.processedMu.Lock()
	if c.hasProcessed {
		c.processed.Close()
		c.hasProcessed = false
	}
	c.processedMu.Unlock()
}

// RetentionCutoff computes the retention cutoff for the configured window.
func (c *Coordinator) RetentionCutoff(now time.Time) time.Time {
	days := c.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	return now.AddDate(0, 0, -days)
}
