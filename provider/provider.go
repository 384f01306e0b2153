// Package provider owns the process-wide detector. The detector is built
// lazily on first use, at most once, and failed builds are retried.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Tutortoise/detection-stream-service/detections"
	"go.uber.org/zap"
)

// Factory builds a detector from a resolved model source.
type Factory func(source string, device detections.Device) (detections.Detector, error)

// ConfigurationError reports a model that could not be loaded.
type ConfigurationError struct {
	Source string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Source, e.Cause)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

var ErrClosed = errors.New("provider is closed")

type Status struct {
	Device      string  `json:"device"`
	Model       string  `json:"model"`
	ModelLoaded bool    `json:"model_loaded"`
	ModelSource *string `json:"model_source"`
}

type loaded struct {
	detector detections.Detector
	source   string
}

type Provider struct {
	modelPath string
	device    detections.Device
	factory   Factory
	log       *zap.Logger

	current atomic.Pointer[loaded]
	mu      sync.Mutex
	closed  bool

	constructions atomic.Int64
}

func New(modelPath string, device detections.Device, factory Factory, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		modelPath: modelPath,
		device:    device,
		factory:   factory,
		log:       log,
	}
}

// ResolveSource returns path when it exists on disk, otherwise its base name,
// which the backend treats as a bundled model identifier.
func ResolveSource(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Base(path)
}

// Get returns the shared detector, building it if needed.
func (p *Provider) Get(ctx context.Context) (detections.Detector, error) {
	if l := p.current.Load(); l != nil {
		return l.detector, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if l := p.current.Load(); l != nil {
		return l.detector, nil
	}
	if p.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	source := ResolveSource(p.modelPath)
	p.log.Info("loading model", zap.String("source", source), zap.String("device", p.device.Name))
	p.constructions.Add(1)
	detector, err := p.factory(source, p.device)
	if err != nil {
		return nil, &ConfigurationError{Source: source, Cause: err}
	}

	p.current.Store(&loaded{detector: detector, source: source})
	p.log.Info("model loaded", zap.String("source", source))
	return detector, nil
}

// Loaded returns the detector if one has been built, without building it.
func (p *Provider) Loaded() (detections.Detector, bool) {
	l := p.current.Load()
	if l == nil {
		return nil, false
	}
	return l.detector, true
}

// Status never triggers a build.
func (p *Provider) Status() Status {
	s := Status{
		Device: p.device.Name,
		Model:  p.modelPath,
	}
	if l := p.current.Load(); l != nil {
		source := l.source
		s.ModelLoaded = true
		s.ModelSource = &source
	}
	return s
}

func (p *Provider) Device() detections.Device {
	return p.device
}

// Constructions counts factory invocations, successful or not.
func (p *Provider) Constructions() int64 {
	return p.constructions.Load()
}

// Close destroys the detector. Later calls to Get fail with ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	l := p.current.Swap(nil)
	if l == nil {
		return nil
	}
	return l.detector.Close()
}
