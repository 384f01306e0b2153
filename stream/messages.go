package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/models"
)

// imageField is the only key read from an inbound message. It is matched
// exactly, unlike encoding/json struct tags.
const imageField = "image"

// FrameResponse answers a frame that went through inference.
type FrameResponse struct {
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Detections []models.Detection `json:"detections"`
}

// EmptyResponse answers a message that carried no image.
type EmptyResponse struct {
	Detections []models.Detection `json:"detections"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ErrorMessage wraps an ErrorResponse for the report-errors mode.
type ErrorMessage struct {
	Error ErrorResponse `json:"error"`
}

// ProtocolError reports an inbound message with the wrong shape.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// parseRequest decodes a message and returns its image payload. ok is false
// when the message has no image: the field is missing or holds a falsy value
// (null, false, 0, "", [] or {}).
func parseRequest(data []byte) (payload string, ok bool, err error) {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return "", false, &ProtocolError{Message: "message must be an object"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", false, &ProtocolError{Message: "malformed message", Cause: err}
	}

	raw, found := fields[imageField]
	if !found {
		return "", false, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false, &ProtocolError{Message: "malformed image field", Cause: err}
	}
	if isFalsy(value) {
		return "", false, nil
	}
	payload, isString := value.(string)
	if !isString {
		return "", false, &ProtocolError{Message: "image must be a string"}
	}
	return payload, true, nil
}

func isFalsy(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case float64:
		return v == 0
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// flattenResults serializes every box of every result group, in order.
func flattenResults(results []models.Result) []models.Detection {
	out := make([]models.Detection, 0)
	for _, result := range results {
		for _, box := range result.Boxes {
			name, ok := result.Names[box.Class]
			if !ok {
				name = detections.UnknownClassName
			}
			out = append(out, models.Detection{
				X1:   float64(box.X1),
				Y1:   float64(box.Y1),
				X2:   float64(box.X2),
				Y2:   float64(box.Y2),
				Conf: float64(box.Confidence),
				Cls:  box.Class,
				Name: name,
			})
		}
	}
	return out
}
