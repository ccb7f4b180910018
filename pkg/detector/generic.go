package detector

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/nn"
)

// generic decodes the outputs of an SSD style model (TensorFlow Object Detection API):
//
//	0: boxes   [1,N,4] ymin,xmin,ymax,xmax, normalized to 0..1
//	1: classes [1,N]   label index
//	2: scores  [1,N]
//	3: count   [1]     number of valid detections
type generic struct {
	tensorModel
}

func NewGeneric(deps *Deps) Detector {
	return &generic{tensorModel{deps: deps}}
}

func (d *generic) Detect(in *Input) ([]nn.RawDetection, error) {
	outs, err := d.run(in)
	if err != nil {
		return nil, err
	}
	return decodeSSD(outs, in)
}

func decodeSSD(outs []infer.Output, in *Input) ([]nn.RawDetection, error) {
	if len(outs) < 3 {
		return nil, fmt.Errorf("expected 4 output tensors from SSD model, but got %v", len(outs))
	}
	boxes, classes, scores := &outs[0], &outs[1], &outs[2]
	if len(boxes.Shape) == 0 || boxes.Shape[len(boxes.Shape)-1] != 4 {
		return nil, fmt.Errorf("SSD boxes tensor has unexpected shape %v", boxes.Shape)
	}
	n := min(len(boxes.Data)/4, len(classes.Data), len(scores.Data))
	if len(outs) >= 4 && len(outs[3].Data) != 0 {
		n = min(n, max(0, int(outs[3].Data[0])))
	}

	width := float32(in.Width)
	height := float32(in.Height)
	dets := make([]nn.RawDetection, 0, n)
	for i := 0; i < n; i++ {
		conf := scores.Data[i]
		if conf < in.MinConfidence {
			continue
		}
		label := nn.LabelAt(in.Labels, int(classes.Data[i]))
		if label == "" {
			continue
		}
		b := boxes.Data[i*4 : i*4+4]
		box := nn.RectFromCorners(b[1]*width, b[0]*height, b[3]*width, b[2]*height).Clip(width, height)
		dets = append(dets, nn.RawDetection{
			Label:      label,
			Confidence: conf,
			Box:        box,
		})
	}
	sortByConfidence(dets)
	return capDetections(dets, in.NumDetections), nil
}

func sortByConfidence(dets []nn.RawDetection) {
	slices.SortStableFunc(dets, func(a, b nn.RawDetection) int {
		if a.Confidence > b.Confidence {
			return -1
		} else if a.Confidence < b.Confidence {
			return 1
		}
		return 0
	})
}
