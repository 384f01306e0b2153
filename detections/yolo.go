package detections

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/detection-stream-service/models"
)

// Detector runs object detection on a single frame.
type Detector interface {
	// Detect returns the result groups for img. timings may be nil.
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Result, error)
	Close() error
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

type YOLOOptions struct {
	PoolSize      int
	ConfThreshold float32
	IouThreshold  float32
	Classes       []string
}

func (o *YOLOOptions) withDefaults() YOLOOptions {
	opts := YOLOOptions{}
	if o != nil {
		opts = *o
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.ConfThreshold <= 0 {
		opts.ConfThreshold = ConfThreshold
	}
	if opts.IouThreshold <= 0 {
		opts.IouThreshold = IouThreshold
	}
	if len(opts.Classes) == 0 {
		opts.Classes = COCOClasses
	}
	return opts
}

// YOLO is a Detector backed by an ONNX export of a YOLO model.
type YOLO struct {
	layout       ModelLayout
	pool         *SessionPool
	preprocessor *Preprocessor
	post         PostprocessOptions
	names        map[int]string
}

// NewYOLO loads the model at modelPath onto device. The ONNX Runtime
// environment must be initialized.
func NewYOLO(modelPath string, device Device, options *YOLOOptions) (*YOLO, error) {
	opts := options.withDefaults()

	layout, err := InspectModel(modelPath)
	if err != nil {
		return nil, err
	}

	pool, err := NewSessionPool(opts.PoolSize, func() (*ModelSession, error) {
		return initSession(modelPath, layout, device)
	})
	if err != nil {
		return nil, err
	}

	return &YOLO{
		layout:       layout,
		pool:         pool,
		preprocessor: NewPreprocessor(layout.InputWidth, layout.InputHeight),
		post: PostprocessOptions{
			NumClasses:    len(opts.Classes),
			ConfThreshold: opts.ConfThreshold,
			IouThreshold:  opts.IouThreshold,
			MaxDetections: MaxDetections,
			InputWidth:    layout.InputWidth,
			InputHeight:   layout.InputHeight,
		},
		names: ClassNames(opts.Classes),
	}, nil
}

func (y *YOLO) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Result, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	session, err := y.pool.Acquire(ctx)
	if err != nil {
		return nil, &ProcessingError{Message: "acquire session", Cause: err}
	}
	defer y.pool.Release(session)

	prepStart := time.Now()
	lb := y.preprocessor.Process(img, session.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := session.Session.Run(); err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	shape := y.layout.OutputShape
	boxes, err := processPredictions(session.Output.GetData(), int(shape[1]), int(shape[2]), y.post, lb)
	if err != nil {
		return nil, &ProcessingError{Message: "process predictions", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)

	return []models.Result{{Boxes: boxes, Names: y.names}}, nil
}

func (y *YOLO) Metrics() PoolSnapshot {
	return y.pool.GetMetrics()
}

func (y *YOLO) Close() error {
	y.pool.Destroy()
	return nil
}
