package detector

import (
	"fmt"

	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/nn"
)

// cascadeStageA decodes a YOLO style model with a single output tensor.
// Two layouts are understood:
//
//	[1,N,5+C] one row per candidate: cx,cy,w,h,objectness,class scores (YOLOv5)
//	[1,4+C,N] one column per candidate: cx,cy,w,h,class scores (YOLOv8 and later)
//
// Coordinates may be normalized (0..1) or in model input pixels.
type cascadeStageA struct {
	tensorModel
}

func NewCascadeStageA(deps *Deps) Detector {
	return &cascadeStageA{tensorModel{deps: deps}}
}

func (d *cascadeStageA) Detect(in *Input) ([]nn.RawDetection, error) {
	outs, err := d.run(in)
	if err != nil {
		return nil, err
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("YOLO model produced no outputs")
	}
	return decodeYOLO(&outs[0], in)
}

func decodeYOLO(out *infer.Output, in *Input) ([]nn.RawDetection, error) {
	if len(out.Shape) != 3 {
		return nil, fmt.Errorf("expected YOLO output shape [1,N,attributes], but got %v", out.Shape)
	}
	// With a known label count the attribute axis can be identified exactly.
	// Otherwise assume there are more candidates than attributes.
	transposed := out.Shape[1] < out.Shape[2]
	if n := len(in.Labels); n != 0 {
		isAttrs := func(d int) bool { return d == 4+n || d == 5+n }
		if isAttrs(out.Shape[2]) {
			transposed = false
		} else if isAttrs(out.Shape[1]) {
			transposed = true
		}
	}
	var nCandidates, nAttrs int
	if transposed {
		nAttrs, nCandidates = out.Shape[1], out.Shape[2]
	} else {
		nCandidates, nAttrs = out.Shape[1], out.Shape[2]
	}
	if len(out.Data) < nCandidates*nAttrs {
		return nil, fmt.Errorf("YOLO output has %v values, but shape %v needs %v", len(out.Data), out.Shape, nCandidates*nAttrs)
	}

	// Objectness is present in the row layout, unless the label count says otherwise.
	// Four attributes is a box-only output, where every candidate has confidence 1.
	hasObjectness := !transposed && nAttrs > 4
	if n := len(in.Labels); n != 0 {
		if nAttrs == 5+n {
			hasObjectness = true
		} else if nAttrs == 4+n {
			hasObjectness = false
		}
	}
	firstClass := 4
	if hasObjectness {
		firstClass = 5
	}
	nClasses := nAttrs - firstClass
	if nAttrs < firstClass {
		return nil, fmt.Errorf("YOLO output has too few attributes (%v)", nAttrs)
	}

	at := func(i, attr int) float32 {
		if transposed {
			return out.Data[attr*nCandidates+i]
		}
		return out.Data[i*nAttrs+attr]
	}

	// If no coordinate exceeds 1, the model emits normalized coordinates
	normalized := true
	for i := 0; i < nCandidates && normalized; i++ {
		for a := 0; a < 4; a++ {
			if at(i, a) > 1 {
				normalized = false
				break
			}
		}
	}
	sx, sy := float32(1), float32(1)
	if normalized {
		sx, sy = float32(in.Width), float32(in.Height)
	}

	dets := []nn.RawDetection{}
	for i := 0; i < nCandidates; i++ {
		cls := 0
		conf := float32(1)
		if nClasses > 0 {
			best := at(i, firstClass)
			for c := 1; c < nClasses; c++ {
				if v := at(i, firstClass+c); v > best {
					best = v
					cls = c
				}
			}
			conf = best
		}
		if hasObjectness {
			conf *= at(i, 4)
		}
		if conf < in.MinConfidence {
			continue
		}
		label := nn.LabelAt(in.Labels, cls)
		if label == "" {
			continue
		}
		cx, cy := at(i, 0)*sx, at(i, 1)*sy
		w, h := at(i, 2)*sx, at(i, 3)*sy
		box := nn.Rect{X: cx - w/2, Y: cy - h/2, Width: w, Height: h}.Clip(float32(in.Width), float32(in.Height))
		if box.IsEmpty() {
			continue
		}
		dets = append(dets, nn.RawDetection{
			Label:      label,
			Confidence: conf,
			Box:        box,
		})
	}
	dets = nn.SuppressOverlaps(dets, nn.DefaultNmsIouThreshold, true)
	sortByConfidence(dets)
	return capDetections(dets, in.NumDetections), nil
}
