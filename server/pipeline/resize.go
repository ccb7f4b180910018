package pipeline

import (
	"fmt"
	"image"

	"github.com/cyclopcam/roidetect/pkg/nn"
	"github.com/cyclopcam/roidetect/pkg/pagealloc"
	"golang.org/x/image/draw"
)

type ResizeQuality int

const (
	ResizeQualityLow ResizeQuality = iota
	ResizeQualityHigh
)

func (q ResizeQuality) interpolator() draw.Interpolator {
	if q == ResizeQualityHigh {
		// Of the x/image kernels, CatmullRom is the sharpest
		return draw.CatmullRom
	}
	return draw.ApproxBiLinear
}

// Parse "low" or "high"
func ParseResizeQuality(s string) (ResizeQuality, error) {
	switch s {
	case "", "low":
		return ResizeQualityLow, nil
	case "high":
		return ResizeQualityHigh, nil
	}
	return ResizeQualityLow, fmt.Errorf("Unknown resize quality '%v' (expected low or high)", s)
}

// Images that are reused from one frame to the next.
// Owned by the consumer goroutine.
type imageBuffers struct {
	working *image.RGBA     // Model input image
	pool    *pagealloc.Pool // Page aligned memory for 'working'
	scratch *image.RGBA     // RGBA copy of 3 channel frames
}

// Return the working image for the given model input size, allocating it if the size changed.
// The memory is page aligned, because some accelerators require that of their input.
func (b *imageBuffers) workingImage(width, height int) *image.RGBA {
	if b.working != nil && b.working.Rect.Dx() == width && b.working.Rect.Dy() == height {
		return b.working
	}
	size := width * height * 4
	if b.pool == nil || b.pool.Size() != size {
		b.pool = pagealloc.NewPool(size)
	} else if b.working != nil {
		b.pool.Put(b.working.Pix)
	}
	b.working = &image.RGBA{
		Pix:    b.pool.Get(),
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	return b.working
}

// Wrap the frame as an image.Image, without copying if it's already RGBA.
func (b *imageBuffers) frameImage(f *nn.Frame) *image.RGBA {
	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.NChan == 4 {
		return &image.RGBA{
			Pix:    f.Pixels,
			Stride: f.RowStride(),
			Rect:   rect,
		}
	}
	if b.scratch == nil || b.scratch.Rect != rect {
		b.scratch = image.NewRGBA(rect)
	}
	dst := b.scratch
	srcStride := f.RowStride()
	for y := 0; y < f.Height; y++ {
		src := f.Pixels[y*srcStride : y*srcStride+f.Width*3]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+f.Width*4]
		for x := 0; x < f.Width; x++ {
			out[x*4] = src[x*3]
			out[x*4+1] = src[x*3+1]
			out[x*4+2] = src[x*3+2]
			out[x*4+3] = 255
		}
	}
	return dst
}

// Resample the frame into the working image, using the frame -> model transform.
// There is no letterboxing. The whole frame is stretched over the whole model input.
func (b *imageBuffers) prepare(f *nn.Frame, xform *nn.TransformPair, quality ResizeQuality) *image.RGBA {
	dst := b.workingImage(xform.ModelWidth, xform.ModelHeight)
	src := b.frameImage(f)
	if f.Width == xform.ModelWidth && f.Height == xform.ModelHeight && xform.Forward == nn.IdentityAffine() {
		draw.Copy(dst, image.Point{}, src, src.Rect, draw.Src, nil)
		return dst
	}
	quality.interpolator().Transform(dst, xform.Forward.Aff3(), src, src.Rect, draw.Src, nil)
	return dst
}
