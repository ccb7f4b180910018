// Package infer is the boundary between the detectors and the inference engines.
// The detectors treat an engine as a black box that turns an input tensor into
// output tensors.
package infer

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

var ErrNoBackend = errors.New("no inference backend for weights file")

type DType int

const (
	DTypeFloat32 DType = iota
	DTypeUInt8
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeUInt8:
		return "uint8"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Layout of an image tensor
type Layout int

const (
	LayoutNHWC Layout = iota // [1, height, width, channels] (tflite)
	LayoutNCHW               // [1, channels, height, width] (onnx, opencv)
)

type TensorInfo struct {
	Name  string
	DType DType
	Shape []int
}

// Layout infers the image layout from a 4 dimensional shape.
// If the channel count is in position 1 (and not also in position 3), it's NCHW.
func (t *TensorInfo) Layout() Layout {
	if len(t.Shape) == 4 && (t.Shape[1] == 3 || t.Shape[1] == 1) && t.Shape[3] != 3 && t.Shape[3] != 1 {
		return LayoutNCHW
	}
	return LayoutNHWC
}

// Number of elements. Dynamic (negative) dimensions count as 1.
func (t *TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		if d > 0 {
			n *= d
		}
	}
	return n
}

// Input to an interpreter. Exactly one of Float32 or UInt8 is populated, matching the input DType.
type Input struct {
	Shape   []int
	Float32 []float32
	UInt8   []uint8
}

// Output of an interpreter. Quantized outputs are converted to float32 by the backend.
type Output struct {
	Shape []int
	Data  []float32
}

// Interpreter runs one model. It is not safe for concurrent use.
type Interpreter interface {
	InputInfo() TensorInfo
	Run(input *Input) ([]Output, error)
	Close() error
}

type Options struct {
	NumThreads  int // Zero lets the engine decide
	InputWidth  int // Hint for backends that cannot read the input shape from the model
	InputHeight int
}

// Backend creates interpreters from the raw bytes of a weights file.
// The bytes must remain valid for the lifetime of the interpreter.
type Backend interface {
	Name() string
	Extensions() []string // eg [".tflite"]
	Load(weights []byte, opts Options) (Interpreter, error)
}

// FileLoader is implemented by backends that need the weights file name,
// for example to choose between several model formats.
type FileLoader interface {
	LoadFile(fileName string, weights []byte, opts Options) (Interpreter, error)
}

// Registry picks a backend by weights file extension
type Registry struct {
	lock     sync.Mutex
	byExt    map[string]Backend
	fallback Backend
}

func NewRegistry() *Registry {
	return &Registry{
		byExt: map[string]Backend{},
	}
}

// Register a backend for all of its extensions. Later registrations replace earlier ones.
func (r *Registry) Register(b Backend) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, ext := range b.Extensions() {
		r.byExt[strings.ToLower(ext)] = b
	}
}

// SetFallback sets the backend that is used when no extension matches
func (r *Registry) SetFallback(b Backend) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.fallback = b
}

// ForFile returns the backend for a weights file
func (r *Registry) ForFile(fileName string) (Backend, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	ext := strings.ToLower(filepath.Ext(fileName))
	if b := r.byExt[ext]; b != nil {
		return b, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoBackend, fileName)
}

// Names of all registered backends, sorted
func (r *Registry) Names() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	seen := map[string]bool{}
	names := []string{}
	add := func(b Backend) {
		if b != nil && !seen[b.Name()] {
			seen[b.Name()] = true
			names = append(names, b.Name())
		}
	}
	for _, b := range r.byExt {
		add(b)
	}
	add(r.fallback)
	slices.Sort(names)
	return names
}

// Load creates an interpreter for the weights file, using the backend registered for its extension.
func (r *Registry) Load(fileName string, weights []byte, opts Options) (Interpreter, error) {
	b, err := r.ForFile(fileName)
	if err != nil {
		return nil, err
	}
	var interp Interpreter
	if fl, ok := b.(FileLoader); ok {
		interp, err = fl.LoadFile(fileName, weights, opts)
	} else {
		interp, err = b.Load(weights, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%v failed to load %v: %w", b.Name(), fileName, err)
	}
	return interp, nil
}
