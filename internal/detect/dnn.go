package detect

import (
	"context"
	"fmt"
	"image"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/guardsys/guard/internal/camera"
	"github.com/guardsys/guard/internal/event"
)

// DNNConfig configures the ONNX-backed detector.
type DNNConfig struct {
	ModelPath           string
	InputSize           int
	ConfidenceThreshold float64
	NMSThreshold        float64
	// ClassNames maps class indices to labels. Index order must match the
	// model's training label set.
	ClassNames []string
}

// DNNDetector runs an ONNX object-detection model through the gocv DNN
// module. Outputs are expected in the common single-tensor layout of
// [cx, cy, w, h, objectness, per-class scores...] rows.
type DNNDetector struct {
	mu     sync.Mutex
	net    gocv.Net
	cfg    DNNConfig
	logger *zap.Logger
}

// NewDNNDetector loads the model and prepares the network.
func NewDNNDetector(cfg DNNConfig, logger *zap.Logger) (*DNNDetector, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.45
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load model %s: network is empty", cfg.ModelPath)
	}

	d := &DNNDetector{
		net:    net,
		cfg:    cfg,
		logger: logger.Named("detector"),
	}
	d.logger.Info("detection model loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("classes", len(cfg.ClassNames)))
	return d, nil
}

// Detect runs one inference pass over the frame.
func (d *DNNDetector) Detect(ctx context.Context, frame camera.Frame) ([]event.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(frame.Mat, 1.0/255.0,
		image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return d.parseOutput(output, frame.Mat.Cols(), frame.Mat.Rows())
}

// parseOutput decodes detection rows and applies confidence filtering plus
// non-maximum suppression.
func (d *DNNDetector) parseOutput(output gocv.Mat, frameW, frameH int) ([]event.Detection, error) {
	rows := output.Total() / output.Size()[len(output.Size())-1]
	cols := output.Size()[len(output.Size())-1]
	reshaped := output.Reshape(1, rows)
	defer reshaped.Close()

	scaleX := float32(frameW) / float32(d.cfg.InputSize)
	scaleY := float32(frameH) / float32(d.cfg.InputSize)

	var boxes []image.Rectangle
	var scores []float32
	var classIDs []int

	for i := 0; i < rows; i++ {
		objectness := reshaped.GetFloatAt(i, 4)
		if float64(objectness) < d.cfg.ConfidenceThreshold {
			continue
		}

		bestClass, bestScore := 0, float32(0)
		for c := 5; c < cols; c++ {
			if s := reshaped.GetFloatAt(i, c); s > bestScore {
				bestScore = s
				bestClass = c - 5
			}
		}

		confidence := objectness * bestScore
		if float64(confidence) < d.cfg.ConfidenceThreshold {
			continue
		}

		cx := reshaped.GetFloatAt(i, 0) * scaleX
		cy := reshaped.GetFloatAt(i, 1) * scaleY
		w := reshaped.GetFloatAt(i, 2) * scaleX
		h := reshaped.GetFloatAt(i, 3) * scaleY

		boxes = append(boxes, image.Rect(
			int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, confidence)
		classIDs = append(classIDs, bestClass)
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, float32(d.cfg.ConfidenceThreshold), float32(d.cfg.NMSThreshold))

	detections := make([]event.Detection, 0, len(keep))
	for _, idx := range keep {
		box := boxes[idx]
		detections = append(detections, event.Detection{
			ClassID:    classIDs[idx],
			ClassName:  d.className(classIDs[idx]),
			Confidence: float64(scores[idx]),
			Box:        [4]int{box.Min.X, box.Min.Y, box.Max.X, box.Max.Y},
			Center:     [2]int{(box.Min.X + box.Max.X) / 2, (box.Min.Y + box.Max.Y) / 2},
		})
	}
	return detections, nil
}

func (d *DNNDetector) className(id int) string {
	if id >= 0 && id < len(d.cfg.ClassNames) {
		return d.cfg.ClassNames[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// Close releases the network.
func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
