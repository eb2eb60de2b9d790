package statusapi

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/padetect-agent/internal/agent"
	"github.com/dj-oyu/padetect-agent/internal/alert"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/worker"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

type fakeProvider struct {
	report  agent.Report
	overlay image.Image
}

func (p *fakeProvider) Report(ctx context.Context) agent.Report { return p.report }

func (p *fakeProvider) OverlaySnapshot() (image.Image, bool) { return p.overlay, p.overlay != nil }

func phoneEvent() worker.Event {
	return worker.Event{
		Time:    time.Unix(1700000000, 500_000_000),
		Display: types.AlertPhone,
		Changed: true,
		Transitions: []alert.Transition{
			{Kind: types.AlertPhone, From: alert.Pending, To: alert.Active},
		},
		Result: types.DetectionResult{PhoneCount: 1, FaceCount: 2},
	}
}

func newTestServer(t *testing.T, p *fakeProvider) (*httptest.Server, *Broadcaster, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	b := NewBroadcaster(m)
	srv := httptest.NewServer(NewServer(p, b, m.Handler(), 10*time.Millisecond).Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return srv, b, m
}

func TestHealthFollowsWorkerLiveness(t *testing.T) {
	p := &fakeProvider{report: agent.Report{Alive: true, Worker: worker.Status{State: "running"}}}
	srv, _, _ := newTestServer(t, p)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p.report = agent.Report{Alive: false, Worker: worker.Status{State: "stopped_error"}}
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "stopped_error", body["state"])
}

func TestStatusReturnsReport(t *testing.T) {
	p := &fakeProvider{report: agent.Report{
		Alive:       true,
		Display:     "peep",
		Activations: map[string]uint64{"peep": 3},
		Locks:       1,
	}}
	srv, _, _ := newTestServer(t, p)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got agent.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "peep", got.Display)
	assert.EqualValues(t, 3, got.Activations["peep"])
	assert.EqualValues(t, 1, got.Locks)
}

func TestOverlayPNG(t *testing.T) {
	p := &fakeProvider{}
	srv, _, _ := newTestServer(t, p)

	resp, err := http.Get(srv.URL + "/api/overlay.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	p.overlay = img
	resp, err = http.Get(srv.URL + "/api/overlay.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	decoded, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, m := newTestServer(t, &fakeProvider{})
	m.LockTriggers.Add(2)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "padetect_lock_triggers_total 2")
}

func TestAlertStreamDeliversJSON(t *testing.T) {
	srv, b, m := newTestServer(t, &fakeProvider{})

	resp, err := http.Get(srv.URL + "/api/alerts/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, m.StreamClients.Load())
	b.Publish(phoneEvent())

	reader := bufio.NewReader(resp.Body)
	var line string
	for !strings.HasPrefix(line, "data: ") {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	var ev AlertEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, "phone", ev.Display)
	assert.True(t, ev.Changed)
	assert.Equal(t, 1, ev.Phones)
	assert.Equal(t, 2, ev.Faces)
	require.Len(t, ev.Transitions, 1)
	assert.Equal(t, TransitionJSON{Kind: "phone", From: "pending", To: "active", Active: true}, ev.Transitions[0])
	assert.InDelta(t, 1700000000.5, ev.Timestamp, 1e-3)
}

func TestAlertWebSocketDeliversProtobuf(t *testing.T) {
	srv, b, _ := newTestServer(t, &fakeProvider{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/alerts/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	b.Publish(phoneEvent())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)

	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &st))
	fields := st.GetFields()
	assert.Equal(t, "phone", fields["display"].GetStringValue())
	assert.True(t, fields["display_changed"].GetBoolValue())
	assert.EqualValues(t, 2, fields["face_count"].GetNumberValue())
	transitions := fields["transitions"].GetListValue().GetValues()
	require.Len(t, transitions, 1)
	assert.Equal(t, "active", transitions[0].GetStructValue().GetFields()["to"].GetStringValue())

	conn.Close()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Publish(phoneEvent()) // no clients

	id, ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		for range 3 * clientBuffer {
			b.Publish(phoneEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow client")
	}
	assert.Len(t, ch, clientBuffer)

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	assert.Zero(t, b.Clients())
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(m)
	_, ch := b.Subscribe()
	assert.EqualValues(t, 1, m.StreamClients.Load())

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, m.StreamClients.Load())

	_, late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscriptions after Close are closed")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(&fakeProvider{}, NewBroadcaster(nil), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
