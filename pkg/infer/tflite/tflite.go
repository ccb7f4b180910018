// Package tflite runs models with the TensorFlow Lite C library
package tflite

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/roidetect/pkg/infer"
	tflite "github.com/mattn/go-tflite"
)

type Backend struct{}

func (Backend) Name() string {
	return "tflite"
}

func (Backend) Extensions() []string {
	return []string{".tflite"}
}

func (Backend) Load(weights []byte, opts infer.Options) (infer.Interpreter, error) {
	model := tflite.NewModel(weights)
	if model == nil {
		return nil, errors.New("failed to create model")
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, errors.New("interpreter options failed to be created")
	}
	if opts.NumThreads > 0 {
		options.SetNumThread(opts.NumThreads)
	}
	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to create interpreter")
	}
	m := &interpreter{
		model:   model,
		options: options,
		interp:  interp,
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		m.Close()
		return nil, fmt.Errorf("failed to allocate tensors: %v", status)
	}
	return m, nil
}

type interpreter struct {
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
}

func (m *interpreter) InputInfo() infer.TensorInfo {
	t := m.interp.GetInputTensor(0)
	info := infer.TensorInfo{
		Name:  t.Name(),
		DType: infer.DTypeFloat32,
	}
	if t.Type() == tflite.UInt8 {
		info.DType = infer.DTypeUInt8
	}
	for i := 0; i < t.NumDims(); i++ {
		info.Shape = append(info.Shape, t.Dim(i))
	}
	return info
}

func (m *interpreter) Run(input *infer.Input) ([]infer.Output, error) {
	t := m.interp.GetInputTensor(0)
	var status tflite.Status
	if t.Type() == tflite.UInt8 {
		status = t.CopyFromBuffer(input.UInt8)
	} else {
		status = t.CopyFromBuffer(input.Float32)
	}
	if status != tflite.OK {
		return nil, errors.New("copying to input tensor failed")
	}
	if status := m.interp.Invoke(); status != tflite.OK {
		return nil, errors.New("invoke failed")
	}

	n := m.interp.GetOutputTensorCount()
	outputs := make([]infer.Output, 0, n)
	for i := 0; i < n; i++ {
		ot := m.interp.GetOutputTensor(i)
		out := infer.Output{}
		for d := 0; d < ot.NumDims(); d++ {
			out.Shape = append(out.Shape, ot.Dim(d))
		}
		switch ot.Type() {
		case tflite.Float32:
			out.Data = append([]float32(nil), ot.Float32s()...)
		case tflite.UInt8:
			// Dequantize
			q := ot.QuantizationParams()
			raw := ot.UInt8s()
			out.Data = make([]float32, len(raw))
			for j, v := range raw {
				out.Data[j] = float32(q.Scale) * float32(int(v)-q.ZeroPoint)
			}
		default:
			return nil, fmt.Errorf("unsupported output tensor type %v", ot.Type())
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (m *interpreter) Close() error {
	if m.interp != nil {
		m.interp.Delete()
		m.interp = nil
	}
	if m.options != nil {
		m.options.Delete()
		m.options = nil
	}
	if m.model != nil {
		m.model.Delete()
		m.model = nil
	}
	return nil
}
