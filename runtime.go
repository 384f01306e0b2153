package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/Tutortoise/detection-stream-service/config"
	ort "github.com/yalue/onnxruntime_go"
)

var librarySearchDirs = []string{
	"lib",
	"/usr/local/lib",
	"/usr/lib",
	"/opt/onnxruntime/lib",
}

// sharedLibraryName is the ONNX Runtime library name for this OS.
func sharedLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// findSharedLibrary returns override if set, otherwise the first search
// directory that holds the library.
func findSharedLibrary(override string, dirs []string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("onnxruntime library not found: %w", err)
		}
		return override, nil
	}

	libName := sharedLibraryName()
	for _, dir := range dirs {
		candidate := filepath.Join(dir, libName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("onnxruntime library %s not found in %v, set %s", libName, dirs, config.EnvOrtLib)
}

// initRuntime loads ONNX Runtime. The returned function tears it down.
func initRuntime(override string) (string, func(), error) {
	libPath, err := findSharedLibrary(override, librarySearchDirs)
	if err != nil {
		return "", nil, err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return "", nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return libPath, func() { ort.DestroyEnvironment() }, nil
}
