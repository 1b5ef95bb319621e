package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nugget/smartfarm-agent/internal/connwatch"
	"github.com/nugget/smartfarm-agent/internal/device"
	"github.com/nugget/smartfarm-agent/internal/events"
	"github.com/nugget/smartfarm-agent/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv    *Server
	state  *device.State
	mgr    *connwatch.Manager
	link   *connwatch.Tracker
	broker *connwatch.Tracker
	bus    *events.Bus
}

func newTestEnv() *testEnv {
	env := &testEnv{
		state: device.NewState("node1"),
		mgr:   connwatch.NewManager(quietLogger()),
		bus:   events.New(10),
	}
	env.link = env.mgr.Track("link")
	env.broker = env.mgr.Track("broker")
	env.srv = NewServer("", 0, env.state, env.mgr, env.bus, metrics.New(), quietLogger())
	return env
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleRoot(t *testing.T) {
	env := newTestEnv()
	rec := env.get(t, "/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["device_id"] != "node1" || body["name"] != "smartfarm-agent" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected status = %d, want 503", rec.Code)
	}

	env.link.Connected()
	env.broker.Connected()
	rec = env.get(t, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("connected status = %d, want 200", rec.Code)
	}

	var body struct {
		Status   string                             `json:"status"`
		Sessions map[string]connwatch.ServiceStatus `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || !body.Sessions["broker"].Ready {
		t.Errorf("body = %+v", body)
	}

	env.broker.Down(errors.New("keep-alive timeout"))
	rec = env.get(t, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after broker loss = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "keep-alive timeout") {
		t.Errorf("body missing last error: %s", rec.Body.String())
	}
}

func TestHandleState(t *testing.T) {
	env := newTestEnv()
	env.state.SetPump(true)
	env.state.SetAutoMode(true)

	rec := env.get(t, "/v1/state")
	var snap device.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.Pump || !snap.AutoMode || snap.DeviceID != "node1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleMetrics(t *testing.T) {
	env := newTestEnv()
	rec := env.get(t, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "smartfarm_sensor_faults_total") {
		t.Error("metrics output missing smartfarm collectors")
	}
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv()
	env.srv = NewServer("", 0, env.state, env.mgr, env.bus, nil, quietLogger())
	if rec := env.get(t, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without metrics", rec.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	env := newTestEnv()

	rec := env.get(t, "/v1/events")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty history = %s, want []", rec.Body.String())
	}

	env.bus.Emit(events.SourceCommand, events.KindAck, map[string]any{"state": "PUMP"})
	rec = env.get(t, "/v1/events")
	var got []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Kind != events.KindAck {
		t.Errorf("events = %+v", got)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv()
	env.bus.Emit(events.SourceLink, events.KindStateChange, map[string]any{"to": "connected"})

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var replayed events.Event
	if err := ws.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.Kind != events.KindStateChange {
		t.Errorf("replayed kind = %q", replayed.Kind)
	}

	env.bus.Emit(events.SourceControl, events.KindTelemetry, map[string]any{"moisture": 37})

	var live events.Event
	if err := ws.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Kind != events.KindTelemetry || live.Source != events.SourceControl {
		t.Errorf("live event = %+v", live)
	}
}

func TestServerStart_StopsOnCancelledContext(t *testing.T) {
	env := newTestEnv()
	srv := NewServer("127.0.0.1", 0, env.state, env.mgr, env.bus, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestServerShutdownBeforeStart(t *testing.T) {
	env := newTestEnv()
	srv := NewServer("127.0.0.1", 0, env.state, env.mgr, env.bus, nil, quietLogger())

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start served after Shutdown")
	}
}

func TestHealthServer(t *testing.T) {
	mgr := connwatch.NewManager(quietLogger())
	link := mgr.Track("link")
	broker := mgr.Track("broker")
	hs := NewHealthServer("127.0.0.1", 0, mgr, quietLogger())
	ctx := context.Background()

	check := func(service string, want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		got, err := hs.check(ctx, service)
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		if got != want {
			t.Errorf("Check(%q) = %v, want %v", service, got, want)
		}
	}

	check("", healthpb.HealthCheckResponse_NOT_SERVING)
	check("smartfarm.broker", healthpb.HealthCheckResponse_NOT_SERVING)

	link.Connected()
	check("smartfarm.link", healthpb.HealthCheckResponse_SERVING)
	check("", healthpb.HealthCheckResponse_NOT_SERVING)

	broker.Connected()
	check("smartfarm.broker", healthpb.HealthCheckResponse_SERVING)
	check("", healthpb.HealthCheckResponse_SERVING)

	broker.Down(errors.New("disconnect"))
	check("", healthpb.HealthCheckResponse_NOT_SERVING)

	if _, err := hs.check(ctx, "smartfarm.unknown"); err == nil {
		t.Error("Check(unknown service) should fail")
	}
}
