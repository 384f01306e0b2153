package detections

const (
	DefaultInputSize = 640
	ConfThreshold    = 0.25
	IouThreshold     = 0.7
	MaxDetections    = 300
	// LetterboxFill is the grey used to pad letterboxed frames.
	LetterboxFill = 114

	// DefaultOutputChannels and DefaultOutputAnchors describe a YOLOv5u/v8
	// COCO head: 4 box coordinates plus 80 class scores for 8400 anchors.
	DefaultOutputChannels = 84
	DefaultOutputAnchors  = 8400

	UnknownClassName = "object"
)
