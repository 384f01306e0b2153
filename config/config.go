package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Tutortoise/detection-stream-service/detections"
)

const (
	EnvModelPath = "MODEL_PATH"
	EnvOrtLib    = "ORT_LIB_PATH"
	EnvAddr      = "ADDR"
	EnvDebug     = "DEBUG"

	DefaultModelPath = "~/Desktop/yolov5su.onnx"
	DefaultAddr      = "0.0.0.0:8000"
)

// Config holds everything the server needs at startup.
type Config struct {
	Addr          string
	ModelPath     string
	OrtLibPath    string
	PoolSize      int
	ConfThreshold float64
	IouThreshold  float64
	ReportErrors  bool
	Debug         bool
}

// FromEnv returns the defaults, overridden by the environment.
func FromEnv() Config {
	cfg := Config{
		Addr:          DefaultAddr,
		ModelPath:     DefaultModelPath,
		PoolSize:      detections.DefaultPoolSize,
		ConfThreshold: detections.ConfThreshold,
		IouThreshold:  detections.IouThreshold,
	}
	if v := os.Getenv(EnvModelPath); v != "" {
		cfg.ModelPath = v
	}
	if v := os.Getenv(EnvOrtLib); v != "" {
		cfg.OrtLibPath = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Addr = v
	}
	if v, err := strconv.ParseBool(os.Getenv(EnvDebug)); err == nil {
		cfg.Debug = v
	}
	return cfg
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate normalises paths and checks ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is empty"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool size must be positive, got %d", c.PoolSize))
	}
	if c.ConfThreshold <= 0 || c.ConfThreshold >= 1 {
		errs = append(errs, fmt.Errorf("confidence threshold must be in (0,1), got %v", c.ConfThreshold))
	}
	if c.IouThreshold <= 0 || c.IouThreshold > 1 {
		errs = append(errs, fmt.Errorf("iou threshold must be in (0,1], got %v", c.IouThreshold))
	}
	c.ModelPath = ExpandHome(c.ModelPath)
	c.OrtLibPath = ExpandHome(c.OrtLibPath)
	return errors.Join(errs...)
}
