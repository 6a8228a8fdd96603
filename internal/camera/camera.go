// Package camera wraps a capture device and yields timestamped frames.
// It is a pure I/O boundary with no detection logic.
package camera

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Frame is a timestamped pixel buffer in BGR layout. A Frame is owned
// exclusively by whichever loop currently holds it; share only via Clone.
type Frame struct {
	Mat       gocv.Mat
	Timestamp time.Time
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	return Frame{Mat: f.Mat.Clone(), Timestamp: f.Timestamp}
}

// Close releases the underlying pixel buffer.
func (f Frame) Close() {
	if f.Mat.Ptr() != nil {
		f.Mat.Close()
	}
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Mat.Ptr() == nil || f.Mat.Empty()
}

// Camera owns a gocv video capture device.
type Camera struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	logger *zap.Logger
}

// New returns an unopened camera.
func New(logger *zap.Logger) *Camera {
	return &Camera{logger: logger.Named("camera")}
}

// Open opens the capture device at index with the requested resolution and
// frame rate, and verifies a test read. Opening an already open camera
// releases the previous device first.
func (c *Camera) Open(index, width, height, fps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cap != nil {
		c.cap.Close()
		c.cap = nil
	}

	cap, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return fmt.Errorf("open capture device %d: %w", index, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("capture device %d is not available", index)
	}

	cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	cap.Set(gocv.VideoCaptureFPS, float64(fps))
	// Keep the device buffer shallow for low latency.
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	test := gocv.NewMat()
	defer test.Close()
	if ok := cap.Read(&test); !ok || test.Empty() {
		cap.Close()
		return fmt.Errorf("capture device %d: test frame read failed", index)
	}

	c.cap = cap
	c.logger.Info("camera opened",
		zap.Int("index", index),
		zap.Float64("width", cap.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", cap.Get(gocv.VideoCaptureFrameHeight)),
		zap.Float64("fps", cap.Get(gocv.VideoCaptureFPS)))
	return nil
}

// Read grabs the next frame from the device at its native pace.
// Returns ok=false on a failed read or when the device is closed.
func (c *Camera) Read() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cap == nil {
		return Frame{}, false
	}

	mat := gocv.NewMat()
	if ok := c.cap.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return Frame{}, false
	}
	return Frame{Mat: mat, Timestamp: time.Now()}, true
}

// Release closes the capture device. Safe to call when already released.
func (c *Camera) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cap != nil {
		c.cap.Close()
		c.cap = nil
		c.logger.Info("camera released")
	}
}

// IsOpen reports whether a device is currently held.
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap != nil
}
