package detector

import (
	"fmt"

	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/nn"
)

// Label of plate detections when the model config has no labels
const DefaultPlateLabel = "plate"

// plateRegion decodes a single class region detector:
//
//	0: boxes  [1,N,4] ymin,xmin,ymax,xmax, normalized or in pixels
//	1: scores [1,N]
type plateRegion struct {
	tensorModel
}

func NewPlateRegion(deps *Deps) Detector {
	return &plateRegion{tensorModel{deps: deps}}
}

func (d *plateRegion) Detect(in *Input) ([]nn.RawDetection, error) {
	outs, err := d.run(in)
	if err != nil {
		return nil, err
	}
	return decodePlates(outs, in)
}

func decodePlates(outs []infer.Output, in *Input) ([]nn.RawDetection, error) {
	if len(outs) < 2 {
		return nil, fmt.Errorf("expected 2 output tensors from plate model, but got %v", len(outs))
	}
	boxes, scores := &outs[0], &outs[1]
	if len(boxes.Shape) == 0 || boxes.Shape[len(boxes.Shape)-1] != 4 {
		return nil, fmt.Errorf("plate boxes tensor has unexpected shape %v", boxes.Shape)
	}
	n := min(len(boxes.Data)/4, len(scores.Data))

	label := DefaultPlateLabel
	if len(in.Labels) != 0 && in.Labels[0] != "" {
		label = in.Labels[0]
	}

	normalized := true
	for _, v := range boxes.Data[:n*4] {
		if v > 1 {
			normalized = false
			break
		}
	}
	width := float32(in.Width)
	height := float32(in.Height)
	sx, sy := float32(1), float32(1)
	if normalized {
		sx, sy = width, height
	}

	dets := make([]nn.RawDetection, 0, n)
	for i := 0; i < n; i++ {
		conf := scores.Data[i]
		if conf < in.MinConfidence {
			continue
		}
		b := boxes.Data[i*4 : i*4+4]
		dets = append(dets, nn.RawDetection{
			Label:      label,
			Confidence: conf,
			Box:        nn.RectFromCorners(b[1]*sx, b[0]*sy, b[3]*sx, b[2]*sy).Clip(width, height),
		})
	}
	dets = nn.SuppressOverlaps(dets, nn.DefaultNmsIouThreshold, false)
	return capDetections(dets, in.NumDetections), nil
}
