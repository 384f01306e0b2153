package detections

import (
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

// Device is the compute backend inference runs on.
type Device struct {
	Name     string   // "cuda" or "cpu"
	Features []string // CPU SIMD features, informational
}

const (
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

func (d Device) String() string {
	return d.Name
}

func (d Device) IsAccelerator() bool {
	return d.Name == DeviceCUDA
}

// SelectDevice picks the fastest available backend. The ONNX Runtime
// environment must already be initialized. If the CUDA execution provider
// can be attached to a session, CUDA wins, otherwise we run on the CPU.
func SelectDevice() Device {
	d := Device{Name: DeviceCPU, Features: cpuFeatures()}
	if cudaAvailable() {
		d.Name = DeviceCUDA
	}
	return d
}

func cudaAvailable() bool {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return false
	}
	defer options.Destroy()

	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return false
	}
	defer cudaOptions.Destroy()

	return options.AppendExecutionProviderCUDA(cudaOptions) == nil
}

func cpuFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512 {
			features = append(features, "avx512")
		}
		if cpu.X86.HasAVX2 {
			features = append(features, "avx2")
		}
		if cpu.X86.HasSSE41 {
			features = append(features, "sse4.1")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "neon")
		}
		if cpu.ARM64.HasSVE {
			features = append(features, "sve")
		}
	}
	return features
}

// Describe renders the device with its CPU features, eg "cpu (avx2, sse4.1)".
func (d Device) Describe() string {
	if len(d.Features) == 0 {
		return d.Name
	}
	return d.Name + " (" + strings.Join(d.Features, ", ") + ")"
}
