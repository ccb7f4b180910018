package main

import (
	"image"

	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/fogleman/gg"
)

// Draw the regions of interest over a copy of the frame
func annotate(frame *nn.Frame, result *nn.FrameResult) *image.RGBA {
	img := frameToRGBA(frame)
	if result == nil {
		return img
	}
	dc := gg.NewContextForRGBA(img)
	dc.SetLineWidth(3)
	for _, region := range result.Regions {
		for _, box := range region.Boxes {
			dc.SetRGB(1, 0.2, 0.2)
			dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
			dc.Stroke()
			dc.SetRGB(1, 1, 1)
			dc.DrawString(region.Label, float64(box.X)+4, float64(box.Y)+16)
		}
	}
	return img
}
