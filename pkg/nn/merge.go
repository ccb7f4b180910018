package nn

import (
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
)

// The IoU above which two boxes of the same class are considered duplicates
const DefaultNmsIouThreshold = 0.45

// SuppressOverlaps performs greedy non-maximum suppression.
// Boxes are visited in order of descending confidence, and any box of the same label
// that overlaps an already retained box by more than minIoU is discarded.
// If perClass is false, the label is ignored and all boxes compete with each other.
// Returns the retained detections, sorted by descending confidence.
func SuppressOverlaps(input []RawDetection, minIoU float32, perClass bool) []RawDetection {
	if len(input) < 2 {
		return input
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ca, cb := input[a].Confidence, input[b].Confidence
		if ca > cb {
			return -1
		} else if ca < cb {
			return 1
		}
		return 0
	})

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(input))
	for _, d := range input {
		fb.Add(d.Box.X, d.Box.Y, d.Box.X2(), d.Box.Y2())
	}
	fb.Finish()

	deleted := make([]bool, len(input))
	retain := make([]RawDetection, 0, len(input))
	nearby := []int{}
	for _, i := range order {
		if deleted[i] {
			continue
		}
		in := input[i]
		retain = append(retain, in)
		nearby = fb.SearchFast(in.Box.X, in.Box.Y, in.Box.X2(), in.Box.Y2(), nearby)
		for _, j := range nearby {
			if j == i || deleted[j] {
				continue
			}
			if perClass && !LabelsMatch(in.Label, input[j].Label) {
				continue
			}
			if input[j].Confidence > in.Confidence {
				// Already visited, and retained
				continue
			}
			if in.Box.IOU(input[j].Box) > minIoU {
				deleted[j] = true
			}
		}
	}
	return retain
}
