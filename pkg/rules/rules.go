// Package rules decides which raw detections become regions of interest.
package rules

import (
	"unicode/utf8"

	"github.com/cyclopcam/roidetect/pkg/nn"
)

// Boxes that cover this fraction of the frame (or more) in either dimension are rejected
// by generic models. They are almost always false positives.
const MaxFrameFraction = 0.97

// Text shorter than this is too ambiguous to be useful
const MinTextLength = 4

// Apply evaluates every rule against the detections, in rule order.
// Each rule with at least one surviving detection produces one region of interest,
// with the surviving boxes mapped into frame coordinates by 'inverse'.
// A detection may satisfy more than one rule.
func Apply(category nn.Category, detections []nn.RawDetection, rules []nn.Rule, inverse nn.Affine, frameWidth, frameHeight int) []nn.RegionOfInterest {
	regions := []nn.RegionOfInterest{}
	for i := range rules {
		rule := &rules[i]
		var boxes []nn.Rect
		for j := range detections {
			det := &detections[j]
			if Accept(category, det, rule, inverse, frameWidth, frameHeight) {
				boxes = append(boxes, inverse.ApplyRect(det.Box))
			}
		}
		if len(boxes) != 0 {
			regions = append(regions, nn.RegionOfInterest{
				Label: rule.Label,
				Boxes: boxes,
			})
		}
	}
	return regions
}

// Accept returns true if a single detection satisfies a rule
func Accept(category nn.Category, det *nn.RawDetection, rule *nn.Rule, inverse nn.Affine, frameWidth, frameHeight int) bool {
	if !nn.LabelsMatch(det.Label, rule.Label) || det.Confidence < rule.Confidence {
		return false
	}
	switch category {
	case nn.CategoryTextRecognition:
		return utf8.RuneCountInString(det.Label) >= MinTextLength
	case nn.CategoryPlateRegion, nn.CategoryCascadeStageA:
		return true
	default:
		return acceptSize(det, rule, inverse, frameWidth, frameHeight)
	}
}

// Sizes are compared in frame pixels
func acceptSize(det *nn.RawDetection, rule *nn.Rule, inverse nn.Affine, frameWidth, frameHeight int) bool {
	w, h := inverse.ApplySize(det.Box.Width, det.Box.Height)
	if h >= MaxFrameFraction*float32(frameHeight) || w >= MaxFrameFraction*float32(frameWidth) {
		return false
	}
	return h >= rule.MinHeight && w >= rule.MinWidth
}
