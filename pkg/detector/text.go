package detector

import (
	"errors"

	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/cyclopcam/roidetect/pkg/ocr"
	"github.com/cyclopcam/roidetect/pkg/weights"
)

// textRecognition reads words from the working image.
// Each word is a detection whose label is the text that was read.
type textRecognition struct {
	deps    *Deps
	weights *weights.Mapping
	reader  ocr.Reader
}

func NewTextRecognition(deps *Deps) Detector {
	return &textRecognition{deps: deps}
}

func (d *textRecognition) Detect(in *Input) ([]nn.RawDetection, error) {
	reader, err := d.open(in)
	if err != nil {
		return nil, err
	}
	words, err := reader.Read(in.Image)
	if err != nil {
		return nil, err
	}
	dets := make([]nn.RawDetection, 0, len(words))
	for _, w := range words {
		if w.Confidence < in.MinConfidence {
			continue
		}
		dets = append(dets, nn.RawDetection{
			Label:      w.Text,
			Confidence: w.Confidence,
			Box:        w.Box.Clip(float32(in.Width), float32(in.Height)),
		})
	}
	sortByConfidence(dets)
	return capDetections(dets, in.NumDetections), nil
}

func (d *textRecognition) open(in *Input) (ocr.Reader, error) {
	if in.Weights == nil {
		return nil, errors.New("no weights")
	}
	if d.reader != nil && d.weights == in.Weights {
		return d.reader, nil
	}
	d.release()
	if d.deps.OpenReader == nil {
		return nil, errors.New("no text reader is configured")
	}
	reader, err := d.deps.OpenReader(in.Weights.Path())
	if err != nil {
		return nil, err
	}
	in.Weights.Retain()
	d.weights = in.Weights
	d.reader = reader
	return reader, nil
}

func (d *textRecognition) release() {
	if d.reader != nil {
		if err := d.reader.Close(); err != nil {
			d.deps.Log.Warnf("Error closing text reader: %v", err)
		}
		d.reader = nil
	}
	if d.weights != nil {
		d.weights.Release()
		d.weights = nil
	}
}

func (d *textRecognition) Close() error {
	d.release()
	return nil
}
