package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/detection-stream-service/detections"
	"github.com/Tutortoise/detection-stream-service/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDetector struct {
	calls   atomic.Int64
	results []models.Result
	err     error
}

func (d *fakeDetector) Detect(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Result, error) {
	d.calls.Add(1)
	return d.results, d.err
}

func (d *fakeDetector) Close() error { return nil }

type fakeSource struct {
	detector detections.Detector
	err      error
	gets     atomic.Int64
}

func (s *fakeSource) Get(context.Context) (detections.Detector, error) {
	s.gets.Add(1)
	return s.detector, s.err
}

func twoGroups() []models.Result {
	names := map[int]string{0: "person", 2: "car"}
	return []models.Result{
		{
			Names: names,
			Boxes: []models.Box{
				{X1: 1, Y1: 2, X2: 30, Y2: 40, Confidence: 0.9, Class: 0},
				{X1: 5, Y1: 5, X2: 10, Y2: 10, Confidence: 0.5, Class: 2},
			},
		},
		{
			Names: names,
			Boxes: []models.Box{
				{X1: 0, Y1: 0, X2: 3, Y2: 3, Confidence: 0.3, Class: 7},
			},
		},
	}
}

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func startServer(t *testing.T, source DetectorSource, opts Options) (*Handler, *websocket.Conn) {
	t.Helper()
	// Sessions outlive the test body, so they must not log through t.
	h := NewHandler(source, zap.NewNop(), opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return h, conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	expectClosedWith(t, conn, websocket.CloseNormalClosure)
}

func expectClosedWith(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "unexpected error: %v", err)
}

func TestEmptyImageSkipsInference(t *testing.T) {
	det := &fakeDetector{results: twoGroups()}
	source := &fakeSource{detector: det}
	_, conn := startServer(t, source, Options{})

	valid := pngBase64(t, 4, 4)
	msgs := []string{
		`{}`, `{"other": 1}`,
		`{"image": ""}`, `{"image": null}`, `{"image": false}`,
		`{"image": 0}`, `{"image": 0.0}`, `{"image": []}`, `{"image": {}}`,
		// Keys are matched exactly.
		`{"Image": "` + valid + `"}`, `{"IMAGE": "%%%"}`,
	}
	for _, msg := range msgs {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		assert.Equal(t, `{"detections":[]}`, readText(t, conn), msg)
	}

	assert.Equal(t, int64(0), det.calls.Load())
	assert.Equal(t, int64(0), source.gets.Load())
}

func TestFrameResponseFlattensGroups(t *testing.T) {
	det := &fakeDetector{results: twoGroups()}
	h, conn := startServer(t, &fakeSource{detector: det}, Options{})

	send(t, conn, map[string]string{"image": pngBase64(t, 64, 48)})

	var resp FrameResponse
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &resp))
	assert.Equal(t, 64, resp.Width)
	assert.Equal(t, 48, resp.Height)
	require.Len(t, resp.Detections, 3)

	assert.Equal(t, models.Detection{X1: 1, Y1: 2, X2: 30, Y2: 40, Conf: float64(float32(0.9)), Cls: 0, Name: "person"}, resp.Detections[0])
	assert.Equal(t, "car", resp.Detections[1].Name)
	assert.Equal(t, 7, resp.Detections[2].Cls)
	assert.Equal(t, "object", resp.Detections[2].Name)

	assert.Equal(t, int64(1), det.calls.Load())
	assert.Eventually(t, func() bool { return h.Stats().FramesProcessed == 1 }, time.Second, 10*time.Millisecond)
}

func TestResponseSchema(t *testing.T) {
	det := &fakeDetector{results: twoGroups()[:1]}
	_, conn := startServer(t, &fakeSource{detector: det}, Options{})

	send(t, conn, map[string]string{"image": pngBase64(t, 4, 4)})

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &raw))
	assert.ElementsMatch(t, []string{"width", "height", "detections"}, keys(raw))

	var dets []map[string]any
	require.NoError(t, json.Unmarshal(raw["detections"], &dets))
	require.NotEmpty(t, dets)
	assert.ElementsMatch(t, []string{"x1", "y1", "x2", "y2", "conf", "cls", "name"}, keys(dets[0]))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestBlankImageRoundTrip(t *testing.T) {
	det := &fakeDetector{}
	_, conn := startServer(t, &fakeSource{detector: det}, Options{})

	send(t, conn, map[string]string{"image": "data:image/png;base64," + pngBase64(t, 320, 240)})
	assert.JSONEq(t, `{"width":320,"height":240,"detections":[]}`, readText(t, conn))
}

func TestDataURLAndBareMatch(t *testing.T) {
	det := &fakeDetector{results: twoGroups()}
	_, conn := startServer(t, &fakeSource{detector: det}, Options{})

	payload := pngBase64(t, 16, 16)
	send(t, conn, map[string]string{"image": payload})
	bare := readText(t, conn)
	send(t, conn, map[string]string{"image": "data:image/png;base64," + payload})
	prefixed := readText(t, conn)

	assert.JSONEq(t, bare, prefixed)
}

func TestMalformedBase64ClosesSession(t *testing.T) {
	det := &fakeDetector{}
	h, conn := startServer(t, &fakeSource{detector: det}, Options{})

	send(t, conn, map[string]string{"image": "data:image/png;base64,@@not base64@@"})
	expectClosed(t, conn)
	assert.Equal(t, int64(0), det.calls.Load())

	// Nothing more is processed on this connection.
	assert.Error(t, conn.WriteJSON(map[string]string{"image": ""}))
	assert.Eventually(t, func() bool { return h.Stats().ActiveSessions == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().FramesFailed)
}

func TestSessionClosesOnAnyError(t *testing.T) {
	cases := []struct {
		name   string
		source *fakeSource
		msg    []byte
		typ    int
	}{
		{"malformed json", &fakeSource{detector: &fakeDetector{}}, []byte(`{"image":`), websocket.TextMessage},
		{"image not a string", &fakeSource{detector: &fakeDetector{}}, []byte(`{"image": 42}`), websocket.TextMessage},
		{"binary frame", &fakeSource{detector: &fakeDetector{}}, []byte(`{}`), websocket.BinaryMessage},
		{"model load failure", &fakeSource{err: assert.AnError}, nil, websocket.TextMessage},
		{"inference failure", &fakeSource{detector: &fakeDetector{err: assert.AnError}}, nil, websocket.TextMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, conn := startServer(t, tc.source, Options{})
			msg := tc.msg
			if msg == nil {
				msg = []byte(`{"image":"` + pngBase64(t, 8, 8) + `"}`)
			}
			require.NoError(t, conn.WriteMessage(tc.typ, msg))
			expectClosed(t, conn)
		})
	}
}

func TestReportErrorsKeepsSessionOpen(t *testing.T) {
	det := &fakeDetector{}
	_, conn := startServer(t, &fakeSource{detector: det}, Options{ReportErrors: true})

	send(t, conn, map[string]string{"image": "%%%"})
	var msg ErrorMessage
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &msg))
	assert.Equal(t, "invalid_image", msg.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"image": 1}`)))
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &msg))
	assert.Equal(t, "invalid_request", msg.Error.Code)

	send(t, conn, map[string]string{"image": pngBase64(t, 10, 12)})
	assert.JSONEq(t, `{"width":10,"height":12,"detections":[]}`, readText(t, conn))
}

func TestReportErrorsStillClosesOnInferenceFailure(t *testing.T) {
	det := &fakeDetector{err: assert.AnError}
	_, conn := startServer(t, &fakeSource{detector: det}, Options{ReportErrors: true})

	send(t, conn, map[string]string{"image": pngBase64(t, 8, 8)})
	expectClosed(t, conn)
}

func TestPeerCloseEndsSession(t *testing.T) {
	h, conn := startServer(t, &fakeSource{detector: &fakeDetector{}}, Options{})

	send(t, conn, map[string]string{})
	readText(t, conn)
	assert.Equal(t, int64(1), h.Stats().ActiveSessions)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	assert.Eventually(t, func() bool { return h.Stats().ActiveSessions == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().TotalSessions)
}

func TestParseRequest(t *testing.T) {
	payload, ok, err := parseRequest([]byte(`{"image":"abc"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc", payload)

	_, _, err = parseRequest([]byte(`null`))
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	_, _, err = parseRequest([]byte(`[1,2]`))
	assert.ErrorAs(t, err, &protoErr)

	for _, truthy := range []string{`42`, `true`, `[1]`, `{"a":1}`, `-0.5`} {
		_, ok, err := parseRequest([]byte(`{"image":` + truthy + `}`))
		assert.False(t, ok, truthy)
		assert.ErrorAs(t, err, &protoErr, truthy)
	}

	for _, falsy := range []string{`0`, `0.0`, `-0`, `[]`, `{}`, `null`, `false`, `""`} {
		_, ok, err := parseRequest([]byte(`{"image":` + falsy + `}`))
		assert.NoError(t, err, falsy)
		assert.False(t, ok, falsy)
	}

	payload, ok, err = parseRequest([]byte(`{"Image":"abc","image":"def"}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "def", payload)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "accepted", StateAccepted.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
}

// blockingDetector holds every Detect call until release is closed.
type blockingDetector struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingDetector() *blockingDetector {
	return &blockingDetector{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (d *blockingDetector) Detect(context.Context, image.Image, *models.ProcessingTimings) ([]models.Result, error) {
	d.started <- struct{}{}
	<-d.release
	return nil, nil
}

func (d *blockingDetector) Close() error { return nil }

func TestShutdownClosesIdleSessions(t *testing.T) {
	h, conn := startServer(t, &fakeSource{detector: &fakeDetector{}}, Options{})
	send(t, conn, map[string]string{})
	readText(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.Equal(t, int64(0), h.Stats().ActiveSessions)
	expectClosedWith(t, conn, websocket.CloseGoingAway)
}

func TestShutdownWaitsForInference(t *testing.T) {
	det := newBlockingDetector()
	h, conn := startServer(t, &fakeSource{detector: det}, Options{})

	send(t, conn, map[string]string{"image": pngBase64(t, 8, 8)})
	<-det.started

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("shutdown returned during inference: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(det.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), h.Stats().ActiveSessions)
}

func TestShutdownTimesOut(t *testing.T) {
	det := newBlockingDetector()
	h, conn := startServer(t, &fakeSource{detector: det}, Options{})
	t.Cleanup(func() { close(det.release) })

	send(t, conn, map[string]string{"image": pngBase64(t, 8, 8)})
	<-det.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), h.Stats().ActiveSessions)
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	h := NewHandler(&fakeSource{detector: &fakeDetector{}}, zap.NewNop(), Options{})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	require.NoError(t, h.Shutdown(context.Background()))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	expectClosedWith(t, conn, websocket.CloseGoingAway)
	assert.Equal(t, int64(0), h.Stats().TotalSessions)
}
