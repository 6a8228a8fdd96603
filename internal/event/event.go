// Package event defines the fall event data model shared by the pipeline,
// store, notifier and broadcaster.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event lifecycle status values.
const (
	StatusDetected     = "detected"
	StatusAcknowledged = "acknowledged"
)

// Detection is a single classified detection returned by the detector.
// Immutable once produced.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	// Box is the bounding box as [x1, y1, x2, y2] in pixel coordinates.
	Box [4]int `json:"bbox"`
	// Center is the box midpoint as [x, y].
	Center [2]int `json:"center"`
}

// FallEvent is a confirmed fall. Created exactly once per confirmed fall by
// the pipeline coordinator; the ID is assigned at creation, before any
// persistence attempt, and is never reused.
type FallEvent struct {
	ID            string      `json:"id" db:"id"`
	UserID        string      `json:"user_id" db:"user_id"`
	Timestamp     time.Time   `json:"timestamp" db:"timestamp"`
	Confidence    float64     `json:"confidence" db:"confidence"`
	Detections    []Detection `json:"detections"`
	ScreenshotRef string      `json:"screenshot_ref" db:"screenshot_ref"`
	Location      string      `json:"location" db:"location"`
	Status        string      `json:"status" db:"status"`
	Processed     bool        `json:"processed" db:"processed"`
}

// New builds a FallEvent with a fresh unique ID and the detected status.
func New(userID, location string, confidence float64, detections []Detection) *FallEvent {
	return &FallEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		Timestamp:  time.Now(),
		Confidence: confidence,
		Detections: detections,
		Location:   location,
		Status:     StatusDetected,
	}
}
