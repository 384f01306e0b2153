package models

import "time"

// Detection is the wire form of one detected object, in source-pixel space.
type Detection struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	Conf float64 `json:"conf"`
	Cls  int     `json:"cls"`
	Name string  `json:"name"`
}

// Box is a raw detector output box. Corners are in source-pixel space.
type Box struct {
	X1, Y1, X2, Y2 float32
	Confidence     float32
	Class          int
}

// Result is one result group returned by a detector call.
type Result struct {
	Boxes []Box
	Names map[int]string
}

type ProcessingTimings struct {
	SessionID   string
	Frame       int64
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
