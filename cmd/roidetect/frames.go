package main

import (
	"image"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/roidetect/pkg/nn"
)

// Read a JPEG or PNG file into a frame
func readFrame(filename string) (nn.Frame, error) {
	img, err := cimg.ReadFile(filename)
	if err != nil {
		return nn.Frame{}, err
	}
	return imageToFrame(img), nil
}

// Decode a compressed image into a frame
func decodeFrame(encoded []byte) (nn.Frame, error) {
	img, err := cimg.Decompress(encoded)
	if err != nil {
		return nn.Frame{}, err
	}
	return imageToFrame(img), nil
}

func imageToFrame(img *cimg.Image) nn.Frame {
	if img.Format != cimg.PixelFormatRGB && img.Format != cimg.PixelFormatRGBA {
		img = img.ToRGB()
	}
	return nn.Frame{
		NChan:  img.NChan(),
		Width:  img.Width,
		Height: img.Height,
		Stride: img.Stride,
		Pixels: img.Pixels,
	}
}

// Copy a frame into a new RGBA image
func frameToRGBA(f *nn.Frame) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	stride := f.RowStride()
	for y := 0; y < f.Height; y++ {
		src := f.Pixels[y*stride : y*stride+f.Width*f.NChan]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			out[x*4] = src[x*f.NChan]
			out[x*4+1] = src[x*f.NChan+1]
			out[x*4+2] = src[x*f.NChan+2]
			out[x*4+3] = 255
		}
	}
	return dst
}
