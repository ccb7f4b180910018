// Package tesseract reads text with the Tesseract OCR engine
package tesseract

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/cyclopcam/roidetect/pkg/ocr"
	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

type reader struct {
	client *gosseract.Client
}

// Open a reader for a traineddata file.
// The directory of the file is the tessdata prefix, and the file name is the language,
// so "/models/eng.traineddata" reads English.
func Open(weightsPath string) (ocr.Reader, error) {
	dir, file := filepath.Split(weightsPath)
	lang := strings.TrimSuffix(file, filepath.Ext(file))
	if lang == "" {
		return nil, fmt.Errorf("no language in OCR weights path '%v'", weightsPath)
	}

	client := gosseract.NewClient()
	if dir != "" {
		if err := client.SetTessdataPrefix(dir); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(lang); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return &reader{client: client}, nil
}

func (r *reader) Read(img *image.RGBA) ([]ocr.Word, error) {
	png, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	if err := r.client.SetImageFromBytes(png); err != nil {
		return nil, fmt.Errorf("failed to set OCR image: %w", err)
	}
	boxes, err := r.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounding boxes: %w", err)
	}
	words := make([]ocr.Word, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		words = append(words, ocr.Word{
			Text:       text,
			Confidence: float32(b.Confidence / 100),
			Box: nn.Rect{
				X:      float32(b.Box.Min.X),
				Y:      float32(b.Box.Min.Y),
				Width:  float32(b.Box.Dx()),
				Height: float32(b.Box.Dy()),
			},
		})
	}
	return words, nil
}

func (r *reader) Close() error {
	return r.client.Close()
}

func encodePNG(img *image.RGBA) ([]byte, error) {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	pix := img.Pix
	if img.Stride != w*4 {
		pix = make([]byte, 0, w*h*4)
		for y := 0; y < h; y++ {
			pix = append(pix, img.Pix[y*img.Stride:y*img.Stride+w*4]...)
		}
	}
	rgba, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, pix)
	if err != nil {
		return nil, err
	}
	defer rgba.Close()
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)
	buf, err := gocv.IMEncode(gocv.PNGFileExt, bgr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
