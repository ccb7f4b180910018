package nn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRectIOU(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 10, Height: 10}
	b := Rect{X: 5, Y: 0, Width: 10, Height: 10}
	require.InDelta(t, 50.0/150.0, a.IOU(b), 1e-6)
	require.Equal(t, float32(1), a.IOU(a))
	require.Equal(t, float32(0), a.IOU(Rect{X: 20, Y: 20, Width: 1, Height: 1}))
	require.Equal(t, float32(0), Rect{}.IOU(Rect{}))
}

func TestRectFromCorners(t *testing.T) {
	r := RectFromCorners(10, 20, 2, 4)
	require.Equal(t, Rect{X: 2, Y: 4, Width: 8, Height: 16}, r)
	require.Equal(t, float32(10), r.X2())
	require.Equal(t, float32(20), r.Y2())
}

func TestRectClip(t *testing.T) {
	r := Rect{X: -5, Y: 90, Width: 20, Height: 20}.Clip(100, 100)
	require.Equal(t, Rect{X: 0, Y: 90, Width: 15, Height: 10}, r)
	require.True(t, Rect{X: 200, Y: 0, Width: 5, Height: 5}.Clip(100, 100).IsEmpty())
}

func TestSuppressOverlaps(t *testing.T) {
	dets := []RawDetection{
		{Label: "car", Confidence: 0.6, Box: Rect{X: 1, Y: 1, Width: 100, Height: 100}},
		{Label: "car", Confidence: 0.9, Box: Rect{X: 0, Y: 0, Width: 100, Height: 100}},
		{Label: "person", Confidence: 0.8, Box: Rect{X: 0, Y: 0, Width: 100, Height: 100}},
		{Label: "car", Confidence: 0.7, Box: Rect{X: 300, Y: 300, Width: 50, Height: 50}},
	}
	kept := SuppressOverlaps(dets, DefaultNmsIouThreshold, true)
	require.Len(t, kept, 3)
	require.Equal(t, float32(0.9), kept[0].Confidence)
	require.Equal(t, "person", kept[1].Label)
	require.Equal(t, float32(0.7), kept[2].Confidence)

	// Without class separation, the person box is suppressed by the stronger car
	kept = SuppressOverlaps(dets, DefaultNmsIouThreshold, false)
	require.Len(t, kept, 2)
	require.Equal(t, "car", kept[0].Label)
	require.Equal(t, float32(0.7), kept[1].Confidence)
}

func TestModelConfigHelpers(t *testing.T) {
	m := ModelConfig{ID: "a", Category: CategoryGeneric, WeightsFile: "a.tflite", Width: 300, Height: 300}
	require.True(t, m.Active())
	require.Equal(t, COCOClasses, m.ResolvedLabels())
	require.Equal(t, float32(1), m.NormStd())
	require.Equal(t, float32(0), m.MinRuleConfidence())
	m.Rules = []Rule{{Label: "car", Confidence: 0.5}, {Label: " Person ", Confidence: 0.3}}
	require.Equal(t, float32(0.3), m.MinRuleConfidence())
	require.NoError(t, m.Validate())
	m.Rules = append(m.Rules, Rule{Label: "  ", Confidence: 0.5})
	require.Error(t, m.Validate())

	m.Width = 0
	require.False(t, m.Active())

	plate := ModelConfig{Category: CategoryPlateRegion}
	require.Empty(t, plate.ResolvedLabels())
}

func TestApplyClassFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "classes.txt")
	require.NoError(t, os.WriteFile(file, []byte("plate\n\n  sign \r\nlogo"), 0644))

	m := ModelConfig{ID: "a", Category: CategoryCascadeStageA}
	applied, err := m.ApplyClassFile(file)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, []string{"plate", "sign", "logo"}, m.Labels)

	// Labels in the config win
	m.Labels = []string{"car"}
	applied, err = m.ApplyClassFile(file)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, []string{"car"}, m.Labels)

	m.Labels = nil
	_, err = m.ApplyClassFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	require.Empty(t, m.Labels)
}

func TestFrameValidate(t *testing.T) {
	f := WholeFrame(3, make([]byte, 4*2*3), 4, 2)
	require.NoError(t, f.Validate())
	f.Pixels = f.Pixels[:10]
	require.Error(t, f.Validate())
	f = WholeFrame(1, make([]byte, 8), 4, 2)
	require.Error(t, f.Validate())
}
