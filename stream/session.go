package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/frames"
	"github.com/Tutortoise/detection-stream-service/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DetectorSource hands out the shared detector, building it on first use.
type DetectorSource interface {
	Get(ctx context.Context) (detections.Detector, error)
}

type State int32

const (
	StateAccepted State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const closeWriteWait = time.Second

// Stats are shared across every session of a Handler.
type Stats struct {
	ActiveSessions  atomic.Int64
	TotalSessions   atomic.Int64
	FramesProcessed atomic.Int64
	FramesEmpty     atomic.Int64
	FramesFailed    atomic.Int64
}

type StatsSnapshot struct {
	ActiveSessions  int64 `json:"active_sessions"`
	TotalSessions   int64 `json:"total_sessions"`
	FramesProcessed int64 `json:"frames_processed"`
	FramesEmpty     int64 `json:"frames_empty"`
	FramesFailed    int64 `json:"frames_failed"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ActiveSessions:  s.ActiveSessions.Load(),
		TotalSessions:   s.TotalSessions.Load(),
		FramesProcessed: s.FramesProcessed.Load(),
		FramesEmpty:     s.FramesEmpty.Load(),
		FramesFailed:    s.FramesFailed.Load(),
	}
}

// Session is the lifetime of one streaming connection. It keeps no state
// between messages beyond the connection itself.
type Session struct {
	ID           string
	conn         *websocket.Conn
	source       DetectorSource
	log          *zap.Logger
	stats        *Stats
	reportErrors bool
	state        atomic.Int32
	frameCount   int64
}

func newSession(conn *websocket.Conn, source DetectorSource, log *zap.Logger, stats *Stats, reportErrors bool) *Session {
	id := uuid.NewString()
	s := &Session{
		ID:           id,
		conn:         conn,
		source:       source,
		log:          log.With(zap.String("session", id)),
		stats:        stats,
		reportErrors: reportErrors,
	}
	s.state.Store(int32(StateAccepted))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Run services the connection until the peer goes away or any error occurs.
// Every failure is handled the same way: the server closes the connection.
func (s *Session) Run(ctx context.Context) {
	s.state.Store(int32(StateActive))
	s.stats.ActiveSessions.Add(1)
	s.stats.TotalSessions.Add(1)
	s.log.Debug("session started")

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.close(err)
	}()

	err = s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		if msgType != websocket.TextMessage {
			err = &ProtocolError{Message: "expected a text message"}
		} else {
			err = s.handleMessage(ctx, data)
		}
		if err == nil {
			continue
		}

		s.stats.FramesFailed.Add(1)
		if s.reportErrors && isReportable(err) {
			s.log.Warn("frame rejected", zap.Error(err))
			if werr := s.writeJSON(ErrorMessage{Error: errorResponse(err)}); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) error {
	start := time.Now()
	payload, ok, err := parseRequest(data)
	if err != nil {
		return err
	}
	if !ok {
		s.stats.FramesEmpty.Add(1)
		return s.writeJSON(EmptyResponse{Detections: []models.Detection{}})
	}

	s.frameCount++
	timings := &models.ProcessingTimings{SessionID: s.ID, Frame: s.frameCount}

	decodeStart := time.Now()
	frame, err := frames.DecodeDataURL(payload)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return err
	}

	detector, err := s.source.Get(ctx)
	if err != nil {
		return err
	}

	results, err := detector.Detect(ctx, frame.Image, timings)
	if err != nil {
		return err
	}

	response := FrameResponse{
		Width:      frame.Width(),
		Height:     frame.Height(),
		Detections: flattenResults(results),
	}
	if err := s.writeJSON(response); err != nil {
		return err
	}

	s.stats.FramesProcessed.Add(1)
	timings.Total = time.Since(start)
	logTimings(s.log, timings, len(response.Detections))
	return nil
}

// writeJSON sends v as a single text message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) close(err error) {
	defer s.stats.ActiveSessions.Add(-1)
	defer s.state.Store(int32(StateClosed))

	if err != nil && !isPeerClose(err) {
		s.log.Info("closing session", zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	} else {
		s.log.Debug("session ended by peer")
	}
	s.conn.Close()
}

// interrupt ends the session from outside its goroutine. Frames already
// in inference finish, but their replies are dropped.
func (s *Session) interrupt() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	s.conn.Close()
}

func isPeerClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// isReportable reports whether err is a per-frame problem the peer caused.
func isReportable(err error) bool {
	var decodeErr *frames.DecodeError
	var protoErr *ProtocolError
	return errors.As(err, &decodeErr) || errors.As(err, &protoErr)
}

func errorResponse(err error) ErrorResponse {
	var decodeErr *frames.DecodeError
	if errors.As(err, &decodeErr) {
		return ErrorResponse{Code: "invalid_image", Message: "Failed to decode image", Details: decodeErr.Error()}
	}
	return ErrorResponse{Code: "invalid_request", Message: err.Error()}
}

func logTimings(log *zap.Logger, t *models.ProcessingTimings, count int) {
	if ce := log.Check(zap.DebugLevel, "frame processed"); ce != nil {
		ce.Write(
			zap.Int64("frame", t.Frame),
			zap.Int("detections", count),
			zap.Duration("decode", t.ImageDecode),
			zap.Duration("preprocess", t.Preprocess),
			zap.Duration("inference", t.Inference),
			zap.Duration("postprocess", t.Postprocess),
			zap.Duration("total", t.Total),
		)
	}
}

// Handler upgrades requests to streaming sessions.
type Handler struct {
	upgrader     websocket.Upgrader
	source       DetectorSource
	log          *zap.Logger
	stats        *Stats
	reportErrors bool

	mu       sync.Mutex
	sessions map[*Session]struct{}
	stopping bool
	wg       sync.WaitGroup
}

type Options struct {
	// ReportErrors sends decode and protocol failures back to the peer as an
	// error message instead of closing the connection.
	ReportErrors bool
}

func NewHandler(source DetectorSource, log *zap.Logger, opts Options) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		source:       source,
		log:          log,
		stats:        &Stats{},
		reportErrors: opts.ReportErrors,
		sessions:     make(map[*Session]struct{}),
	}
}

func (h *Handler) Stats() StatsSnapshot {
	return h.stats.Snapshot()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(conn, h.source, h.log, h.stats, h.reportErrors)
	if !h.track(s) {
		s.interrupt()
		return
	}
	defer h.untrack(s)

	// In-flight inference is never cancelled, even when the peer leaves.
	s.Run(context.WithoutCancel(r.Context()))
}

func (h *Handler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown closes every open session and waits for their goroutines to
// return, including any inference still running, or for ctx to be done.
// New connections are refused afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	for s := range h.sessions {
		s.interrupt()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
