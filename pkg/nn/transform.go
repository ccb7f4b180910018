package nn

import (
	"errors"
	"math"

	"golang.org/x/image/math/f64"
)

// ErrDegenerateTransform is returned when any frame or model dimension is not positive.
// There is no meaningful mapping in that case, so callers must skip analysis.
var ErrDegenerateTransform = errors.New("degenerate transform: frame and model dimensions must be positive")

// Affine is a 2x3 affine matrix, in the same row-major layout as f64.Aff3:
//
//	| a0 a1 a2 |
//	| a3 a4 a5 |
//
// so that x' = a0*x + a1*y + a2, y' = a3*x + a4*y + a5.
type Affine f64.Aff3

// Identity transform
func IdentityAffine() Affine {
	return Affine{1, 0, 0, 0, 1, 0}
}

func (a Affine) Aff3() f64.Aff3 {
	return f64.Aff3(a)
}

func (a Affine) ApplyPoint(x, y float64) (float64, float64) {
	return a[0]*x + a[1]*y + a[2], a[3]*x + a[4]*y + a[5]
}

// Map a rect, and return the axis aligned bounds of the mapped corners.
func (a Affine) ApplyRect(r Rect) Rect {
	xs := [4]float64{float64(r.X), float64(r.X2()), float64(r.X), float64(r.X2())}
	ys := [4]float64{float64(r.Y), float64(r.Y), float64(r.Y2()), float64(r.Y2())}
	x1, y1 := math.Inf(1), math.Inf(1)
	x2, y2 := math.Inf(-1), math.Inf(-1)
	for i := 0; i < 4; i++ {
		px, py := a.ApplyPoint(xs[i], ys[i])
		x1 = min(x1, px)
		y1 = min(y1, py)
		x2 = max(x2, px)
		y2 = max(y2, py)
	}
	return Rect{X: float32(x1), Y: float32(y1), Width: float32(x2 - x1), Height: float32(y2 - y1)}
}

// Map a width and height through the linear part of the transform (translation is ignored).
// The result is the size of the bounding box of the mapped extent.
func (a Affine) ApplySize(width, height float32) (float32, float32) {
	w := float64(width)
	h := float64(height)
	return float32(math.Abs(a[0]*w) + math.Abs(a[1]*h)), float32(math.Abs(a[3]*w) + math.Abs(a[4]*h))
}

// Compose returns the transform that applies 'a' first, and then 'b'.
func (a Affine) Then(b Affine) Affine {
	return Affine{
		b[0]*a[0] + b[1]*a[3], b[0]*a[1] + b[1]*a[4], b[0]*a[2] + b[1]*a[5] + b[2],
		b[3]*a[0] + b[4]*a[3], b[3]*a[1] + b[4]*a[4], b[3]*a[2] + b[4]*a[5] + b[5],
	}
}

// Inverse returns the exact algebraic inverse. ok is false if the matrix is singular.
func (a Affine) Inverse() (inv Affine, ok bool) {
	det := a[0]*a[4] - a[1]*a[3]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Affine{}, false
	}
	invDet := 1 / det
	inv[0] = a[4] * invDet
	inv[1] = -a[1] * invDet
	inv[3] = -a[3] * invDet
	inv[4] = a[0] * invDet
	inv[2] = -(inv[0]*a[2] + inv[1]*a[5])
	inv[5] = -(inv[3]*a[2] + inv[4]*a[5])
	return inv, true
}

// TransformPair holds the frame -> model input transform and its inverse.
// The two are always computed together from the same dimensions.
type TransformPair struct {
	FrameWidth  int
	FrameHeight int
	ModelWidth  int
	ModelHeight int
	Forward     Affine // frame space -> model input space
	Inverse     Affine // model input space -> frame space
}

// MakeTransformPair computes the mapping of the full frame onto the model's input rectangle.
// The frame is stretched to fill the model input (no letterboxing), so the aspect ratio
// is not preserved. rotationDeg rotates about the centre of the model input. The pipeline
// always passes zero.
func MakeTransformPair(frameWidth, frameHeight, modelWidth, modelHeight int, rotationDeg float64) (TransformPair, error) {
	if frameWidth <= 0 || frameHeight <= 0 || modelWidth <= 0 || modelHeight <= 0 {
		return TransformPair{}, ErrDegenerateTransform
	}
	sx := float64(modelWidth) / float64(frameWidth)
	sy := float64(modelHeight) / float64(frameHeight)
	forward := Affine{sx, 0, 0, 0, sy, 0}
	if rotationDeg != 0 {
		cx := float64(modelWidth) / 2
		cy := float64(modelHeight) / 2
		s, c := math.Sincos(rotationDeg * math.Pi / 180)
		toOrigin := Affine{1, 0, -cx, 0, 1, -cy}
		rotate := Affine{c, -s, 0, s, c, 0}
		back := Affine{1, 0, cx, 0, 1, cy}
		forward = forward.Then(toOrigin).Then(rotate).Then(back)
	}
	inverse, ok := forward.Inverse()
	if !ok {
		return TransformPair{}, ErrDegenerateTransform
	}
	return TransformPair{
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		ModelWidth:  modelWidth,
		ModelHeight: modelHeight,
		Forward:     forward,
		Inverse:     inverse,
	}, nil
}

// Matches returns true if the pair was computed from exactly these dimensions
func (t *TransformPair) Matches(frameWidth, frameHeight, modelWidth, modelHeight int) bool {
	return t.FrameWidth == frameWidth && t.FrameHeight == frameHeight && t.ModelWidth == modelWidth && t.ModelHeight == modelHeight
}

// Equal returns true if every coefficient of a and b differs by at most eps
func (a Affine) Equal(b Affine, eps float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}
