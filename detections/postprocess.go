package detections

import (
	"fmt"
	"sort"

	"github.com/Tutortoise/detection-stream-service/models"
	"github.com/chewxy/math32"
)

// candidate is a box in network input space, before NMS.
type candidate struct {
	x1, y1, x2, y2 float32
	score          float32
	class          int
}

// PostprocessOptions tune the decoding of a raw YOLO output tensor.
type PostprocessOptions struct {
	NumClasses    int
	ConfThreshold float32
	IouThreshold  float32
	MaxDetections int
	InputWidth    int
	InputHeight   int
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}

// processPredictions turns a [1, dim1, dim2] YOLO output into boxes in source
// pixel space, sorted by descending confidence.
func processPredictions(predictions []float32, dim1, dim2 int, opts PostprocessOptions, lb Letterbox) ([]models.Box, error) {
	if len(predictions) != dim1*dim2 {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), dim1*dim2)
	}

	// Exports disagree on whether channels or anchors come first. Anchors
	// always outnumber channels.
	channelsFirst := dim1 < dim2
	channels, anchors := dim1, dim2
	if !channelsFirst {
		channels, anchors = dim2, dim1
	}

	candidates := decodeOutput(predictions, channels, anchors, channelsFirst, opts)
	kept := nonMaxSuppression(candidates, opts.IouThreshold)
	if opts.MaxDetections > 0 && len(kept) > opts.MaxDetections {
		kept = kept[:opts.MaxDetections]
	}

	boxes := make([]models.Box, 0, len(kept))
	w, h := float32(lb.SrcWidth), float32(lb.SrcHeight)
	for _, c := range kept {
		x1, y1 := lb.ToSource(c.x1, c.y1)
		x2, y2 := lb.ToSource(c.x2, c.y2)
		boxes = append(boxes, models.Box{
			X1:         clamp(x1, 0, w),
			Y1:         clamp(y1, 0, h),
			X2:         clamp(x2, 0, w),
			Y2:         clamp(y2, 0, h),
			Confidence: c.score,
			Class:      c.class,
		})
	}
	return boxes, nil
}

func decodeOutput(data []float32, channels, anchors int, channelsFirst bool, opts PostprocessOptions) []candidate {
	numClasses := opts.NumClasses
	hasObjectness := channels == numClasses+5
	if !hasObjectness {
		numClasses = channels - 4
	}
	if numClasses <= 0 {
		return nil
	}
	classOffset := 4
	if hasObjectness {
		classOffset = 5
	}

	at := func(anchor, channel int) float32 {
		if channelsFirst {
			return data[channel*anchors+anchor]
		}
		return data[anchor*channels+channel]
	}

	var candidates []candidate
	for i := 0; i < anchors; i++ {
		var bestScore float32
		classID := 0
		seenLogits := false
		for c := 0; c < numClasses; c++ {
			score := at(i, classOffset+c)
			if score < 0 || score > 1 {
				seenLogits = true
			}
			if seenLogits {
				score = sigmoid(score)
			}
			if score > bestScore {
				bestScore = score
				classID = c
			}
		}

		objectness := float32(1)
		if hasObjectness {
			objectness = at(i, 4)
			if objectness < 0 || objectness > 1 {
				objectness = sigmoid(objectness)
			}
		}

		score := bestScore * objectness
		if score < opts.ConfThreshold {
			continue
		}

		x, y, w, h := at(i, 0), at(i, 1), at(i, 2), at(i, 3)
		if m := math32.Max(math32.Max(x, y), math32.Max(w, h)); m > 0 && m <= 2 {
			x *= float32(opts.InputWidth)
			w *= float32(opts.InputWidth)
			y *= float32(opts.InputHeight)
			h *= float32(opts.InputHeight)
		}

		candidates = append(candidates, candidate{
			x1:    x - w/2,
			y1:    y - h/2,
			x2:    x + w/2,
			y2:    y + h/2,
			score: score,
			class: classID,
		})
	}
	return candidates
}

// nonMaxSuppression keeps the best box of every overlapping group of the
// same class. The result is sorted by descending score.
func nonMaxSuppression(boxes []candidate, threshold float32) []candidate {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].score > boxes[j].score
	})

	suppressed := make([]bool, len(boxes))
	kept := make([]candidate, 0, len(boxes))
	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] || boxes[j].class != boxes[i].class {
				continue
			}
			if calculateIOU(boxes[i], boxes[j]) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(a, b candidate) float32 {
	x1 := math32.Max(a.x1, b.x1)
	y1 := math32.Max(a.y1, b.y1)
	x2 := math32.Min(a.x2, b.x2)
	y2 := math32.Min(a.y2, b.y2)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := math32.Max(0, a.x2-a.x1) * math32.Max(0, a.y2-a.y1)
	area2 := math32.Max(0, b.x2-b.x1) * math32.Max(0, b.y2-b.y1)
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
