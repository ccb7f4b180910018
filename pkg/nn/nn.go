// Package nn holds the data model shared by the detection pipeline:
// model configuration, rules, raw detections and regions of interest.
// Detector implementations live in the detector package, and inference
// backends live under infer.
package nn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Category selects both the detector backend and the rule acceptance logic for a model.
type Category string

const (
	CategoryGeneric         Category = "generic"          // Generic object detector (SSD style outputs)
	CategoryCascadeStageA   Category = "cascade_a"        // YOLO style detector, first stage of a cascade
	CategoryPlateRegion     Category = "plate_region"     // Licence plate region detector
	CategoryTextRecognition Category = "text_recognition" // OCR. Detection labels are the recognized text
)

// All categories that have a detector
var Categories = []Category{CategoryGeneric, CategoryCascadeStageA, CategoryPlateRegion, CategoryTextRecognition}

// Rule is a per-label acceptance criterion for a model's detections
type Rule struct {
	Label       string  `json:"label"`                 // Matched case-insensitively, after trimming whitespace
	Confidence  float32 `json:"confidence"`            // Minimum confidence, between 0 and 1
	MinWidth    float32 `json:"minWidth,omitempty"`    // Minimum width of an accepted box, in frame pixels (0 = no limit)
	MinHeight   float32 `json:"minHeight,omitempty"`   // Minimum height of an accepted box, in frame pixels (0 = no limit)
	AspectRatio float32 `json:"aspectRatio,omitempty"` // Expected width/height. Informational, for consumers of the ROI.
	NextModel   string  `json:"nextModel,omitempty"`   // ID of a model to run on accepted regions. Not executed by the pipeline.
}

// ModelConfig is saved in a JSON file along with the weights of the NN model.
// It is produced by the model sync service, and is treated as read-only here.
type ModelConfig struct {
	ID            string   `json:"id"`
	Category      Category `json:"category"`
	WeightsFile   string   `json:"weightsFile"`   // eg "ssd_mobilenet_v1.tflite". Relative to the model directory.
	Width         int      `json:"width"`         // eg 300
	Height        int      `json:"height"`        // eg 300
	Quantized     bool     `json:"quantized"`     // True if the model takes uint8 input
	Mean          float32  `json:"mean"`          // Normalization for float input: (v - mean) / std
	Std           float32  `json:"std"`           // Zero is treated as 1
	Labels        []string `json:"labels"`        // eg ["person", "bicycle", "car", ...]
	NumDetections int      `json:"numDetections"` // Maximum number of detections the model emits (0 = no limit)
	Rules         []Rule   `json:"rules"`
}

// Active is false if the model's input dimensions are not positive.
// Such a model is inert, and no analysis is performed with it.
func (m *ModelConfig) Active() bool {
	return m.Width > 0 && m.Height > 0
}

// MinRuleConfidence returns the lowest confidence threshold of all rules.
// This is only a hint for the inference engine to discard obvious junk early.
func (m *ModelConfig) MinRuleConfidence() float32 {
	if len(m.Rules) == 0 {
		return 0
	}
	lowest := m.Rules[0].Confidence
	for _, r := range m.Rules[1:] {
		lowest = min(lowest, r.Confidence)
	}
	return max(0, lowest)
}

// ResolvedLabels returns the label list, falling back to COCO for generic models without labels.
func (m *ModelConfig) ResolvedLabels() []string {
	if len(m.Labels) == 0 && m.Category == CategoryGeneric {
		return COCOClasses
	}
	return m.Labels
}

// NormStd returns the standard deviation used for normalization, treating zero as 1
func (m *ModelConfig) NormStd() float32 {
	if m.Std == 0 {
		return 1
	}
	return m.Std
}

// Validate returns an error if the config is unusable for reasons other than being inert.
func (m *ModelConfig) Validate() error {
	if m.WeightsFile == "" {
		return fmt.Errorf("Model '%v' has no weights file", m.ID)
	}
	for i, r := range m.Rules {
		if NormalizeLabel(r.Label) == "" {
			return fmt.Errorf("Model '%v' rule %v has no label", m.ID, i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("Model '%v' rule %v confidence %v is outside [0,1]", m.ID, i, r.Confidence)
		}
	}
	return nil
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error loading model config %v: %w", filename, err)
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}

// ApplyClassFile loads labels from a class file, unless the config already has labels.
// Returns true if the labels were taken from the file.
func (m *ModelConfig) ApplyClassFile(filename string) (bool, error) {
	if len(m.Labels) != 0 {
		return false, nil
	}
	classes, err := LoadClassFile(filename)
	if err != nil {
		return false, err
	}
	m.Labels = classes
	return true, nil
}

// Frame is a raster image from the camera.
// NChan is 3 for RGB or 4 for RGBA.
type Frame struct {
	NChan  int
	Width  int
	Height int
	Stride int // Bytes per row. Zero means Width*NChan.
	Pixels []byte
}

// Return a frame that wraps packed pixels
func WholeFrame(nchan int, pixels []byte, width, height int) Frame {
	return Frame{
		NChan:  nchan,
		Width:  width,
		Height: height,
		Stride: width * nchan,
		Pixels: pixels,
	}
}

func (f *Frame) RowStride() int {
	if f.Stride == 0 {
		return f.Width * f.NChan
	}
	return f.Stride
}

// Validate returns an error if the frame's pixel buffer does not match its dimensions
func (f *Frame) Validate() error {
	if f.NChan != 3 && f.NChan != 4 {
		return fmt.Errorf("Unsupported frame channel count %v", f.NChan)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("Invalid frame size %vx%v", f.Width, f.Height)
	}
	need := (f.Height-1)*f.RowStride() + f.Width*f.NChan
	if len(f.Pixels) < need {
		return fmt.Errorf("Frame buffer is %v bytes, but %vx%vx%v needs %v", len(f.Pixels), f.Width, f.Height, f.NChan, need)
	}
	return nil
}

// RawDetection is an object found by a detector, in model input coordinates
type RawDetection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// RegionOfInterest is the set of boxes (in frame coordinates) that satisfied one rule
type RegionOfInterest struct {
	Label string `json:"label"`
	Boxes []Rect `json:"boxes"`
}

// Results of analyzing one frame. Only produced when Regions is not empty.
type FrameResult struct {
	Seq         uint64             `json:"seq"` // Sequence number handed out when the frame was submitted
	ModelID     string             `json:"modelID"`
	FrameWidth  int                `json:"frameWidth"`
	FrameHeight int                `json:"frameHeight"`
	Regions     []RegionOfInterest `json:"regions"`
	Elapsed     time.Duration      `json:"elapsed"`
}
