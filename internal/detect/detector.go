// Package detect defines the detection capability consumed by the pipeline
// and the rule that classifies detections as falls.
package detect

import (
	"context"
	"strings"

	"github.com/guardsys/guard/internal/camera"
	"github.com/guardsys/guard/internal/event"
)

// Detector is the classification capability: frame in, detections out.
// A returned error is treated by the caller as zero detections for that
// tick; the detector is not retried.
type Detector interface {
	Detect(ctx context.Context, frame camera.Frame) ([]event.Detection, error)
	Close() error
}

// Rule decides whether a detection counts as a fall. Either an explicit
// class-name allow-list or a reserved class index may match; the index rule
// is disabled with a negative index.
type Rule struct {
	ClassNames []string
	ClassIndex int
}

// IsFall reports whether the detection matches the rule.
func (r Rule) IsFall(d event.Detection) bool {
	for _, name := range r.ClassNames {
		if strings.EqualFold(d.ClassName, name) {
			return true
		}
	}
	return r.ClassIndex >= 0 && d.ClassID == r.ClassIndex
}

// Classify scans detections and returns whether any is a fall together with
// the maximum confidence across the matching ones.
func (r Rule) Classify(detections []event.Detection) (fall bool, maxConfidence float64) {
	for _, d := range detections {
		if r.IsFall(d) {
			fall = true
			if d.Confidence > maxConfidence {
				maxConfidence = d.Confidence
			}
		}
	}
	return fall, maxConfidence
}
