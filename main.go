package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/detection-stream-service/config"
	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/provider"
	"github.com/Tutortoise/detection-stream-service/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var cfg = config.FromEnv()

var rootCmd = &cobra.Command{
	Use:   "detection-stream-service",
	Short: "Streams video frames through a YOLO object detector over a WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (env "+config.EnvAddr+")")
	f.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "path to the YOLO ONNX model (env "+config.EnvModelPath+")")
	f.StringVar(&cfg.OrtLibPath, "ort-lib", cfg.OrtLibPath, "path to the onnxruntime shared library (env "+config.EnvOrtLib+")")
	f.IntVar(&cfg.PoolSize, "pool-size", cfg.PoolSize, "number of concurrent inference sessions")
	f.Float64Var(&cfg.ConfThreshold, "conf", cfg.ConfThreshold, "minimum detection confidence")
	f.Float64Var(&cfg.IouThreshold, "iou", cfg.IouThreshold, "NMS IoU threshold")
	f.BoolVar(&cfg.ReportErrors, "report-errors", cfg.ReportErrors, "reply to undecodable frames with an error message instead of closing the connection")
	f.BoolVar(&cfg.Debug, "debug", cfg.Debug, "verbose logging with per-frame timings (env "+config.EnvDebug+")")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config) error {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	libPath, shutdownRuntime, err := initRuntime(cfg.OrtLibPath)
	if err != nil {
		return err
	}
	// Set when sessions outlive shutdown. The runtime must not be torn down
	// under a running inference.
	leaked := false
	defer func() {
		if !leaked {
			shutdownRuntime()
		}
	}()

	device := detections.SelectDevice()
	log.Info("onnxruntime ready", zap.String("library", libPath), zap.String("device", device.Describe()))

	yoloOpts := &detections.YOLOOptions{
		PoolSize:      cfg.PoolSize,
		ConfThreshold: float32(cfg.ConfThreshold),
		IouThreshold:  float32(cfg.IouThreshold),
	}
	models := provider.New(cfg.ModelPath, device, func(source string, device detections.Device) (detections.Detector, error) {
		return detections.NewYOLO(source, device, yoloOpts)
	}, log.Named("provider"))
	defer func() {
		if !leaked {
			models.Close()
		}
	}()

	state := NewAppState(models, stream.Options{ReportErrors: cfg.ReportErrors}, log)

	srv := &http.Server{
		Handler:           state.Routes(),
		Addr:              cfg.Addr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("model", cfg.ModelPath))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpErr := srv.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by srv.Shutdown. They
	// must be gone before the detector and the runtime are torn down.
	if err := state.Stream.Shutdown(shutdownCtx); err != nil {
		log.Warn("sessions still running at shutdown, skipping runtime teardown",
			zap.Int64("active", state.Stream.Stats().ActiveSessions), zap.Error(err))
		leaked = true
		return errors.Join(httpErr, err)
	}
	return httpErr
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
