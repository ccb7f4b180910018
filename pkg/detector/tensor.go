package detector

import (
	"fmt"

	"github.com/cyclopcam/roidetect/pkg/infer"
	"github.com/cyclopcam/roidetect/pkg/weights"
)

// tensorModel keeps an interpreter alive for as long as the weights mapping stays the same.
// It is the shared part of all detectors that run an inference engine.
type tensorModel struct {
	deps    *Deps
	weights *weights.Mapping
	interp  infer.Interpreter
	input   infer.Input
}

// Return an interpreter for in.Weights, building a new one if the weights changed
func (t *tensorModel) interpreter(in *Input) (infer.Interpreter, error) {
	if in.Weights == nil {
		return nil, fmt.Errorf("no weights")
	}
	if t.interp != nil && t.weights == in.Weights {
		return t.interp, nil
	}
	t.release()

	if t.deps.Backends == nil {
		return nil, infer.ErrNoBackend
	}
	opts := t.deps.Options
	opts.InputWidth = in.Width
	opts.InputHeight = in.Height
	interp, err := t.deps.Backends.Load(in.Weights.Name(), in.Weights.Bytes(), opts)
	if err != nil {
		return nil, err
	}
	info := interp.InputInfo()
	if err := checkInputShape(&info, in.Width, in.Height); err != nil {
		interp.Close()
		return nil, fmt.Errorf("%v: %w", in.Weights.Name(), err)
	}
	// The engine may reference the mapped bytes directly, so they must outlive it
	in.Weights.Retain()
	t.weights = in.Weights
	t.interp = interp
	t.deps.Log.Infof("Loaded %v (input %v %v)", in.Weights.Name(), info.DType, info.Shape)
	if msg := quantizationMismatch(in.Quantized, info.DType); msg != "" {
		t.deps.Log.Warnf("%v: %v", in.Weights.Name(), msg)
	}
	return interp, nil
}

// The engine's input type wins, but a config that disagrees with it is probably stale
func quantizationMismatch(quantized bool, dtype infer.DType) string {
	if quantized == (dtype == infer.DTypeUInt8) {
		return ""
	}
	if quantized {
		return fmt.Sprintf("model config says quantized, but the engine takes %v input", dtype)
	}
	return fmt.Sprintf("model config says not quantized, but the engine takes %v input", dtype)
}

// Run the model over the working image
func (t *tensorModel) run(in *Input) ([]infer.Output, error) {
	interp, err := t.interpreter(in)
	if err != nil {
		return nil, err
	}
	info := interp.InputInfo()
	fillInput(&t.input, &info, in)
	return interp.Run(&t.input)
}

func (t *tensorModel) release() {
	if t.interp != nil {
		if err := t.interp.Close(); err != nil {
			t.deps.Log.Warnf("Error closing interpreter: %v", err)
		}
		t.interp = nil
	}
	if t.weights != nil {
		t.weights.Release()
		t.weights = nil
	}
}

func (t *tensorModel) Close() error {
	t.release()
	return nil
}

// The engine's input must be a 3 channel image of the model's configured size
func checkInputShape(info *infer.TensorInfo, width, height int) error {
	if len(info.Shape) != 4 {
		return fmt.Errorf("expected a 4 dimensional input tensor, but got %v", info.Shape)
	}
	var h, w, c int
	if info.Layout() == infer.LayoutNCHW {
		c, h, w = info.Shape[1], info.Shape[2], info.Shape[3]
	} else {
		h, w, c = info.Shape[1], info.Shape[2], info.Shape[3]
	}
	// Dynamic dimensions are negative
	if (h > 0 && h != height) || (w > 0 && w != width) {
		return fmt.Errorf("model input is %vx%v, but config says %vx%v", w, h, width, height)
	}
	if c > 0 && c != 3 {
		return fmt.Errorf("model input has %v channels, expected 3", c)
	}
	return nil
}

// Fill the engine's input tensor from the RGBA working image.
// uint8 tensors get raw RGB, and float tensors get (v - mean) / std.
// dst's buffers are reused between calls.
func fillInput(dst *infer.Input, info *infer.TensorInfo, in *Input) {
	width, height := in.Width, in.Height
	layout := info.Layout()
	if layout == infer.LayoutNCHW {
		dst.Shape = append(dst.Shape[:0], 1, 3, height, width)
	} else {
		dst.Shape = append(dst.Shape[:0], 1, height, width, 3)
	}
	n := width * height * 3
	img := in.Image
	stride := img.Stride
	plane := width * height

	if info.DType == infer.DTypeUInt8 {
		if cap(dst.UInt8) < n {
			dst.UInt8 = make([]uint8, n)
		}
		dst.UInt8 = dst.UInt8[:n]
		dst.Float32 = nil
		out := dst.UInt8
		for y := 0; y < height; y++ {
			src := img.Pix[y*stride : y*stride+width*4]
			for x := 0; x < width; x++ {
				r, g, b := src[x*4], src[x*4+1], src[x*4+2]
				if layout == infer.LayoutNCHW {
					p := y*width + x
					out[p] = r
					out[plane+p] = g
					out[2*plane+p] = b
				} else {
					p := (y*width + x) * 3
					out[p] = r
					out[p+1] = g
					out[p+2] = b
				}
			}
		}
		return
	}

	std := in.Std
	if std == 0 {
		std = 1
	}
	mean := in.Mean
	scale := 1 / std
	if cap(dst.Float32) < n {
		dst.Float32 = make([]float32, n)
	}
	dst.Float32 = dst.Float32[:n]
	dst.UInt8 = nil
	out := dst.Float32
	for y := 0; y < height; y++ {
		src := img.Pix[y*stride : y*stride+width*4]
		for x := 0; x < width; x++ {
			r := (float32(src[x*4]) - mean) * scale
			g := (float32(src[x*4+1]) - mean) * scale
			b := (float32(src[x*4+2]) - mean) * scale
			if layout == infer.LayoutNCHW {
				p := y*width + x
				out[p] = r
				out[plane+p] = g
				out[2*plane+p] = b
			} else {
				p := (y*width + x) * 3
				out[p] = r
				out[p+1] = g
				out[p+2] = b
			}
		}
	}
}
