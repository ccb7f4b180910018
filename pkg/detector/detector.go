// Package detector turns a prepared model input image into raw detections.
// There is one detector variant per model category.
package detector

import (
	"errors"
	"image"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/cyclopcam/roidetect/pkg/ocr"
	"github.com/cyclopcam/roidetect/pkg/weights"
)

// Input to a detector.
type Input struct {
	Image         *image.RGBA      // Working image, already resampled to Width x Height
	Width         int              // Model input width
	Height        int              // Model input height
	Weights       *weights.Mapping // Mapped weights file. Detectors that keep it beyond Detect must Retain it.
	Labels        []string
	Quantized     bool
	NumDetections int     // Maximum number of detections to return (0 = no limit)
	Mean          float32 // Normalization for float input tensors: (v - Mean) / Std
	Std           float32
	MinConfidence float32 // Detections below this can be discarded early
}

// Detector finds objects in an image. Implementations are not safe for concurrent use.
type Detector interface {
	Detect(in *Input) ([]nn.RawDetection, error)
	Close() error
}

// Shared resources that detectors are built from
type Deps struct {
	Log        logs.Log
	Backends   *infer.Registry // Inference engines, by weights file extension
	OpenReader ocr.OpenFunc    // Text reader for TextRecognition. If nil, text models produce an error.
	Options    infer.Options
}

// Factory creates a detector for one category
type Factory func(deps *Deps) Detector

// Registry owns one detector per category. Detectors are created on first use
// and live until the registry is closed.
type Registry struct {
	deps Deps

	lock      sync.Mutex
	factories map[nn.Category]Factory
	instances map[nn.Category]Detector
	warned    map[nn.Category]bool
}

// Create a registry with the standard detector for every category
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:      deps,
		factories: map[nn.Category]Factory{},
		instances: map[nn.Category]Detector{},
		warned:    map[nn.Category]bool{},
	}
	r.factories[nn.CategoryGeneric] = NewGeneric
	r.factories[nn.CategoryCascadeStageA] = NewCascadeStageA
	r.factories[nn.CategoryPlateRegion] = NewPlateRegion
	r.factories[nn.CategoryTextRecognition] = NewTextRecognition
	return r
}

// Register replaces the factory for a category. An existing detector for that category is closed.
func (r *Registry) Register(category nn.Category, factory Factory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if d := r.instances[category]; d != nil {
		if err := d.Close(); err != nil {
			r.deps.Log.Warnf("Error closing %v detector: %v", category, err)
		}
		delete(r.instances, category)
	}
	r.factories[category] = factory
	delete(r.warned, category)
}

// Detect runs the detector for 'category'.
// A category with no detector produces no detections and no error.
func (r *Registry) Detect(category nn.Category, in *Input) ([]nn.RawDetection, error) {
	d := r.detector(category)
	if d == nil {
		return nil, nil
	}
	return d.Detect(in)
}

func (r *Registry) detector(category nn.Category) Detector {
	r.lock.Lock()
	defer r.lock.Unlock()
	if d := r.instances[category]; d != nil {
		return d
	}
	factory := r.factories[category]
	if factory == nil {
		if !r.warned[category] {
			r.deps.Log.Warnf("No detector for model category '%v'. Models of this category produce no results", category)
			r.warned[category] = true
		}
		return nil
	}
	d := factory(&r.deps)
	r.instances[category] = d
	return d
}

// Close all detectors
func (r *Registry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	var errs []error
	for category, d := range r.instances {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.instances, category)
	}
	return errors.Join(errs...)
}

// Keep the highest confidence detections, if there are more than 'limit'.
// 'dets' must already be sorted by descending confidence.
func capDetections(dets []nn.RawDetection, limit int) []nn.RawDetection {
	if limit > 0 && len(dets) > limit {
		return dets[:limit]
	}
	return dets
}
