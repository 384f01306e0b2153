package detections

import (
	"fmt"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// ModelSession is one ONNX Runtime session with its own bound tensors.
// Sessions are not safe for concurrent Run calls, so they live in a SessionPool.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}

// ModelLayout describes the tensors of a YOLO export.
type ModelLayout struct {
	InputName   string
	OutputName  string
	InputWidth  int
	InputHeight int
	OutputShape ort.Shape
}

// InspectModel reads the input and output shapes from the model file.
// Dynamic dimensions fall back to the default YOLO COCO layout.
func InspectModel(modelPath string) (ModelLayout, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return ModelLayout{}, fmt.Errorf("error reading model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return ModelLayout{}, fmt.Errorf("unexpected model signature: %d inputs, %d outputs", len(inputs), len(outputs))
	}

	layout := ModelLayout{
		InputName:   inputs[0].Name,
		OutputName:  outputs[0].Name,
		InputWidth:  DefaultInputSize,
		InputHeight: DefaultInputSize,
		OutputShape: ort.NewShape(1, DefaultOutputChannels, DefaultOutputAnchors),
	}

	in := inputs[0].Dimensions
	if len(in) != 4 {
		return ModelLayout{}, fmt.Errorf("unexpected input shape %v", in)
	}
	if in[2] > 0 {
		layout.InputHeight = int(in[2])
	}
	if in[3] > 0 {
		layout.InputWidth = int(in[3])
	}

	out := outputs[0].Dimensions
	if len(out) == 3 && out[1] > 0 && out[2] > 0 {
		layout.OutputShape = ort.NewShape(1, out[1], out[2])
	}
	return layout, nil
}

func initSession(modelPath string, layout ModelLayout, device Device) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	if device.IsAccelerator() {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	inputShape := ort.NewShape(1, 3, int64(layout.InputHeight), int64(layout.InputWidth))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](layout.OutputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{layout.InputName},
		[]string{layout.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}
