package detect

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/guardsys/guard/internal/event"
)

var (
	fallColor   = color.RGBA{R: 255}          // red boxes for fall detections
	normalColor = color.RGBA{G: 255}          // green boxes otherwise
	labelText   = color.RGBA{R: 255, G: 255, B: 255}
)

// Annotate draws detection boxes, labels and a status banner directly onto
// the Mat. The caller owns the Mat; falls are decided by the rule.
func Annotate(mat *gocv.Mat, detections []event.Detection, rule Rule, fall bool) {
	for _, d := range detections {
		boxColor := normalColor
		thickness := 2
		if rule.IsFall(d) {
			boxColor = fallColor
			thickness = 3
		}

		rect := image.Rect(d.Box[0], d.Box[1], d.Box[2], d.Box[3])
		gocv.Rectangle(mat, rect, boxColor, thickness)

		label := fmt.Sprintf("%s: %.2f", d.ClassName, d.Confidence)
		labelSize := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.6, 2)
		bg := image.Rect(rect.Min.X, rect.Min.Y-labelSize.Y-10, rect.Min.X+labelSize.X+10, rect.Min.Y)
		gocv.Rectangle(mat, bg, boxColor, -1)
		gocv.PutText(mat, label, image.Pt(rect.Min.X+5, rect.Min.Y-5),
			gocv.FontHersheySimplex, 0.6, labelText, 2)
	}

	status := "Normal"
	statusColor := normalColor
	if fall {
		status = "FALL DETECTED"
		statusColor = fallColor
	}
	gocv.PutText(mat, status, image.Pt(10, 30), gocv.FontHersheySimplex, 1.0, statusColor, 2)
}
