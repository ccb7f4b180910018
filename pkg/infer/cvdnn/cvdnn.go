// Package cvdnn runs models with the OpenCV DNN module.
// OpenCV reads darknet, caffe, tensorflow and onnx models, so this is the fallback backend.
package cvdnn

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/cyclopcam/roidetect/pkg/infer"
	"gocv.io/x/gocv"
)

// Backend loads models with gocv.ReadNetBytes.
// Framework is the OpenCV framework name, such as "onnx" or "tensorflow". If empty, it is
// guessed from the extension of the weights file, and defaults to "onnx".
// OpenCV cannot report the input size of a model, so it comes from Options.
type Backend struct {
	Framework string
}

func (b *Backend) Name() string {
	return "opencv"
}

func (b *Backend) Extensions() []string {
	return []string{".pb", ".caffemodel", ".weights"}
}

func frameworkForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".pb":
		return "tensorflow"
	case ".caffemodel":
		return "caffe"
	case ".weights":
		return "darknet"
	}
	return "onnx"
}

// LoadFile is like Load, but picks the framework from the file extension
func (b *Backend) LoadFile(fileName string, weights []byte, opts infer.Options) (infer.Interpreter, error) {
	framework := b.Framework
	if framework == "" {
		framework = frameworkForExt(filepath.Ext(fileName))
	}
	return b.load(framework, weights, opts)
}

func (b *Backend) Load(weights []byte, opts infer.Options) (infer.Interpreter, error) {
	framework := b.Framework
	if framework == "" {
		framework = "onnx"
	}
	return b.load(framework, weights, opts)
}

func (b *Backend) load(framework string, weights []byte, opts infer.Options) (infer.Interpreter, error) {
	if opts.InputWidth <= 0 || opts.InputHeight <= 0 {
		return nil, errors.New("opencv backend needs an input size")
	}
	net, err := gocv.ReadNetBytes(framework, weights, nil)
	if err != nil {
		return nil, err
	}
	if net.Empty() {
		net.Close()
		return nil, fmt.Errorf("opencv could not read %v model", framework)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	return &interpreter{
		net: net,
		input: infer.TensorInfo{
			DType: infer.DTypeFloat32,
			Shape: []int{1, 3, opts.InputHeight, opts.InputWidth},
		},
	}, nil
}

type interpreter struct {
	net   gocv.Net
	input infer.TensorInfo
}

func (m *interpreter) InputInfo() infer.TensorInfo {
	return m.input
}

func (m *interpreter) Run(input *infer.Input) ([]infer.Output, error) {
	if len(input.Float32) != m.input.NumElements() {
		return nil, fmt.Errorf("input has %v elements, expected %v", len(input.Float32), m.input.NumElements())
	}
	blob, err := gocv.NewMatWithSizesFromBytes(m.input.Shape, gocv.MatTypeCV32F, float32Bytes(input.Float32))
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	m.net.SetInput(blob, "")
	out := m.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	return []infer.Output{{
		Shape: out.Size(),
		Data:  append([]float32(nil), data...),
	}}, nil
}

func (m *interpreter) Close() error {
	return m.net.Close()
}

// Reinterpret the float32 slice as bytes, without copying
func float32Bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}
