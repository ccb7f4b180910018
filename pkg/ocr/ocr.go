// Package ocr defines the text reader used by the text recognition detector
package ocr

import (
	"image"

	"github.com/cyclopcam/roidetect/pkg/nn"
)

// A word found in an image
type Word struct {
	Text       string
	Confidence float32 // 0..1
	Box        nn.Rect // In image pixels
}

// Reader finds words in an image. It is not safe for concurrent use.
type Reader interface {
	Read(img *image.RGBA) ([]Word, error)
	Close() error
}

// OpenFunc creates a reader from a weights file, such as "/models/eng.traineddata"
type OpenFunc func(weightsPath string) (Reader, error)
