// Package onnx runs models with ONNX Runtime
package onnx

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/roidetect/pkg/infer"
	ort "github.com/yalue/onnxruntime_go"
)

var initLock sync.Mutex

// Backend creates ONNX Runtime sessions.
// LibraryPath is the location of the onnxruntime shared library. If empty, the default search path is used.
type Backend struct {
	LibraryPath string
}

func (b *Backend) Name() string {
	return "onnxruntime"
}

func (b *Backend) Extensions() []string {
	return []string{".onnx"}
}

// The environment is process-wide, and may only be initialized once
func (b *Backend) initialize() error {
	initLock.Lock()
	defer initLock.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if b.LibraryPath != "" {
		ort.SetSharedLibraryPath(b.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	return nil
}

func (b *Backend) Load(weights []byte, opts infer.Options) (infer.Interpreter, error) {
	if err := b.initialize(); err != nil {
		return nil, err
	}
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(weights)
	if err != nil {
		return nil, err
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input, but model has %v", len(inputs))
	}
	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	if opts.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, err
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(weights, []string{inputs[0].Name}, outputNames, options)
	if err != nil {
		return nil, err
	}

	info := infer.TensorInfo{
		Name:  inputs[0].Name,
		DType: infer.DTypeFloat32,
	}
	if inputs[0].DataType == ort.TensorElementDataTypeUint8 {
		info.DType = infer.DTypeUInt8
	}
	for _, d := range inputs[0].Dimensions {
		info.Shape = append(info.Shape, int(d))
	}

	return &interpreter{
		session:  session,
		input:    info,
		nOutputs: len(outputs),
	}, nil
}

type interpreter struct {
	session  *ort.DynamicAdvancedSession
	input    infer.TensorInfo
	nOutputs int
}

func (m *interpreter) InputInfo() infer.TensorInfo {
	return m.input
}

func (m *interpreter) Run(input *infer.Input) ([]infer.Output, error) {
	shape := make([]int64, len(input.Shape))
	for i, d := range input.Shape {
		shape[i] = int64(d)
	}
	var in ort.Value
	if m.input.DType == infer.DTypeUInt8 {
		t, err := ort.NewTensor(ort.NewShape(shape...), input.UInt8)
		if err != nil {
			return nil, err
		}
		in = t
	} else {
		t, err := ort.NewTensor(ort.NewShape(shape...), input.Float32)
		if err != nil {
			return nil, err
		}
		in = t
	}
	defer in.Destroy()

	// Nil outputs are allocated by onnxruntime
	outs := make([]ort.Value, m.nOutputs)
	if err := m.session.Run([]ort.Value{in}, outs); err != nil {
		return nil, err
	}
	defer func() {
		for _, o := range outs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	results := make([]infer.Output, 0, len(outs))
	for i, o := range outs {
		t, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %v is not a float32 tensor", i)
		}
		r := infer.Output{
			Data: append([]float32(nil), t.GetData()...),
		}
		for _, d := range t.GetShape() {
			r.Shape = append(r.Shape, int(d))
		}
		results = append(results, r)
	}
	return results, nil
}

func (m *interpreter) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
