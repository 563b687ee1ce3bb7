package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/iotmanager/internal/audit"
	"github.com/nerrad567/iotmanager/internal/device"
	"github.com/nerrad567/iotmanager/internal/infrastructure/config"
	"github.com/nerrad567/iotmanager/internal/infrastructure/database"
	"github.com/nerrad567/iotmanager/internal/infrastructure/logging"
	"github.com/nerrad567/iotmanager/internal/infrastructure/mqtt"
	_ "github.com/nerrad567/iotmanager/migrations"
)

// fakeBackend is an in-memory device.MessageBackend.
type fakeBackend struct {
	mu           sync.Mutex
	subscribed   map[string]func(string, []byte) error
	published    []string
	subscribeErr error
	publishErr   error
	connected    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{subscribed: make(map[string]func(string, []byte) error), connected: true}
}

func (b *fakeBackend) Subscribe(topic string, _ byte, h func(string, []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.subscribed[topic] = h
	return nil
}

func (b *fakeBackend) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, topic)
	return nil
}

func (b *fakeBackend) Publish(topic string, _ []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, topic)
	return nil
}

func (b *fakeBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBackend) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribed)
}

func (b *fakeBackend) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBackend) isSubscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subscribed[topic]
	return ok
}

// fakeTelemetry records telemetry writes.
type fakeTelemetry struct {
	mu       sync.Mutex
	commands []string
	messages []string
}

func (f *fakeTelemetry) WriteCommand(serial, command string, _ int, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, serial+":"+command)
}

func (f *fakeTelemetry) WriteDeviceMessage(serial string, _ int, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, serial)
}

type testEnv struct {
	srv       *Server
	router    http.Handler
	registry  *device.Registry
	backend   *fakeBackend
	telemetry *fakeTelemetry
	auditRepo *audit.SQLiteRepository
}

var testTopics = mqtt.NewTopics("test/devices")

func testLogger() *logging.Logger {
	return logging.Discard()
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// newTestEnv builds a Server over an in-memory SQLite registry and a fake
// messaging backend.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	backend := newFakeBackend()
	dispatcher := device.NewDispatcher(backend, registry, testTopics, 1)
	registry.SetSubscriber(dispatcher)

	telemetry := &fakeTelemetry{}
	auditRepo := audit.NewSQLiteRepository(db.DB)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:         testWSConfig(),
		Logger:     testLogger(),
		Registry:   registry,
		Dispatcher: dispatcher,
		MQTT:       backend,
		DB:         db,
		AuditRepo:  auditRepo,
		Telemetry:  telemetry,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	dispatcher.SetMessageHandler(srv.HandleDeviceMessage)

	return &testEnv{
		srv:       srv,
		router:    srv.buildRouter(),
		registry:  registry,
		backend:   backend,
		telemetry: telemetry,
		auditRepo: auditRepo,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// createDevice registers serial over HTTP and returns the created device.
func (e *testEnv) createDevice(t *testing.T, serial string) device.Device {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/devices", `{"serial":"`+serial+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create %q status = %d, body = %s", serial, w.Code, w.Body.String())
	}
	var dev device.Device
	if err := json.Unmarshal(w.Body.Bytes(), &dev); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	return dev
}

func devicePath(id int64) string {
	return "/api/devices/" + strconv.FormatInt(id, 10)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code, message string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	e := decodeError(t, w)
	if e.Status != status || e.Code != code {
		t.Errorf("error = %+v, want status %d code %q", e, status, code)
	}
	if message != "" && e.Message != message {
		t.Errorf("message = %q, want %q", e.Message, message)
	}
}

// ─── Health / Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp struct {
		Status  string          `json:"status"`
		Version string          `json:"version"`
		MQTT    map[string]bool `json:"mqtt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" || !resp.MQTT["connected"] {
		t.Errorf("health = %+v", resp)
	}
}

func TestHealth_DegradedWhenDisconnected(t *testing.T) {
	env := newTestEnv(t)
	env.backend.mu.Lock()
	env.backend.connected = false
	env.backend.mu.Unlock()

	w := env.do(t, http.MethodGet, "/api/health", "")
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "client-id")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id" {
		t.Errorf("X-Request-ID = %q, want client-id", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/nothing", "")
	assertError(t, w, http.StatusNotFound, ErrCodeNotFound, "")
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices_Empty(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)
	env.createDevice(t, "S1")
	env.createDevice(t, "S2")

	w := env.do(t, http.MethodGet, "/api/devices", "")
	var devices []device.Device
	if err := json.Unmarshal(w.Body.Bytes(), &devices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
}

func TestCreateAndGetDevice(t *testing.T) {
	env := newTestEnv(t)

	dev := env.createDevice(t, "SN-001")
	if dev.ID == 0 || dev.Serial != "SN-001" {
		t.Fatalf("created device = %+v", dev)
	}
	if !env.backend.isSubscribed("test/devices/SN-001/events") {
		t.Error("create did not subscribe to the events topic")
	}

	w := env.do(t, http.MethodGet, devicePath(dev.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got device.Device
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != dev.ID || got.Serial != "SN-001" {
		t.Errorf("get = %+v, want %+v", got, dev)
	}
}

func TestCreateDevice_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		code    string
		message string
	}{
		{"blank serial", `{"serial":"  "}`, http.StatusBadRequest, ErrCodeValidation, msgSerialRequired},
		{"missing serial", `{}`, http.StatusBadRequest, ErrCodeValidation, msgSerialRequired},
		{"duplicate serial", `{"serial":"taken"}`, http.StatusConflict, ErrCodeConflict, msgSerialExists},
		{"invalid JSON", `{not json`, http.StatusBadRequest, ErrCodeBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.createDevice(t, "taken")

			w := env.do(t, http.MethodPost, "/api/devices", tt.body)
			assertError(t, w, tt.status, tt.code, tt.message)

			if env.registry.GetDeviceCount() != 1 {
				t.Errorf("device count = %d, want 1", env.registry.GetDeviceCount())
			}
		})
	}
}

func TestCreateDevice_SubscribeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.subscribeErr = mqtt.ErrNotConnected

	w := env.do(t, http.MethodPost, "/api/devices", `{"serial":"S1"}`)
	assertError(t, w, http.StatusBadGateway, ErrCodeTransport, msgTransportFailure)

	if env.registry.GetDeviceCount() != 0 {
		t.Error("device stored despite subscribe failure")
	}
}

func TestGetDevice_Errors(t *testing.T) {
	env := newTestEnv(t)

	assertError(t, env.do(t, http.MethodGet, "/api/devices/999", ""), http.StatusNotFound, ErrCodeNotFound, msgDeviceNotFound)
	assertError(t, env.do(t, http.MethodGet, "/api/devices/abc", ""), http.StatusBadRequest, ErrCodeBadRequest, "")
}

func TestUpdateDevice(t *testing.T) {
	env := newTestEnv(t)
	dev := env.createDevice(t, "S1")

	w := env.do(t, http.MethodPut, devicePath(dev.ID), `{"serial":"S1-renamed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got device.Device
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != dev.ID || got.Serial != "S1-renamed" {
		t.Errorf("updated = %+v", got)
	}
	if !env.backend.isSubscribed("test/devices/S1-renamed/events") || env.backend.isSubscribed("test/devices/S1/events") {
		t.Error("rename did not move the events subscription")
	}
}

func TestUpdateDevice_SameSerial(t *testing.T) {
	env := newTestEnv(t)
	dev := env.createDevice(t, "S1")
	client := newSubscribedClient(env.srv.hub, ChannelDeviceUpdated)
	stopAudit := env.runAudit(t)

	w := env.do(t, http.MethodPut, devicePath(dev.ID), `{"serial":"S1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for unchanged serial", w.Code)
	}
	var got device.Device
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.UpdatedAt.Equal(dev.UpdatedAt) {
		t.Errorf("updated_at = %v, want unchanged %v", got.UpdatedAt, dev.UpdatedAt)
	}

	stopAudit()
	expectNoEvent(t, client)
	if n := env.auditCount(t, audit.ActionUpdate); n != 0 {
		t.Errorf("update audit entries = %d, want 0", n)
	}
}

func TestUpdateDevice_Errors(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.createDevice(t, "S1")
	env.createDevice(t, "S2")

	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		code    string
		message string
	}{
		{"unknown id", devicePath(999), `{"serial":"S9"}`, http.StatusNotFound, ErrCodeNotFound, msgDeviceNotFound},
		{"unknown id with blank serial", devicePath(999), `{"serial":""}`, http.StatusNotFound, ErrCodeNotFound, msgDeviceNotFound},
		{"blank serial", devicePath(s1.ID), `{"serial":" "}`, http.StatusBadRequest, ErrCodeValidation, msgSerialRequired},
		{"serial of another device", devicePath(s1.ID), `{"serial":"S2"}`, http.StatusConflict, ErrCodeConflict, msgSerialInUse},
		{"invalid JSON", devicePath(s1.ID), `[`, http.StatusBadRequest, ErrCodeBadRequest, ""},
		{"non-numeric id", "/api/devices/x", `{"serial":"S9"}`, http.StatusBadRequest, ErrCodeBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, env.do(t, http.MethodPut, tt.path, tt.body), tt.status, tt.code, tt.message)
		})
	}

	got, err := env.registry.GetDevice(context.Background(), s1.ID)
	if err != nil || got.Serial != "S1" {
		t.Errorf("S1 after failed updates = %+v, %v", got, err)
	}
}

func TestDeleteDevice(t *testing.T) {
	env := newTestEnv(t)
	dev := env.createDevice(t, "S1")

	for i := range 2 {
		w := env.do(t, http.MethodDelete, devicePath(dev.ID), "")
		if w.Code != http.StatusNoContent {
			t.Fatalf("delete #%d status = %d, want 204", i+1, w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("delete #%d body = %q, want empty", i+1, w.Body.String())
		}
	}

	if w := env.do(t, http.MethodDelete, devicePath(4242), ""); w.Code != http.StatusNoContent {
		t.Errorf("delete of never-existing id status = %d, want 204", w.Code)
	}
	assertError(t, env.do(t, http.MethodGet, devicePath(dev.ID), ""), http.StatusNotFound, ErrCodeNotFound, "")
}

func TestDeleteDevice_UnknownIDEmitsNothing(t *testing.T) {
	env := newTestEnv(t)
	client := newSubscribedClient(env.srv.hub, ChannelDeviceDeleted)
	stopAudit := env.runAudit(t)

	if w := env.do(t, http.MethodDelete, devicePath(4242), ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	stopAudit()
	expectNoEvent(t, client)
	if n := env.auditCount(t, audit.ActionDelete); n != 0 {
		t.Errorf("delete audit entries = %d, want 0", n)
	}
}

// TestSerialLifecycle registers S1 and S2, renames and deletes, and checks
// the serial is never held by two devices.
func TestSerialLifecycle(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.createDevice(t, "S1")
	d2 := env.createDevice(t, "S2")

	assertError(t, env.do(t, http.MethodPost, "/api/devices", `{"serial":"S1"}`), http.StatusConflict, ErrCodeConflict, msgSerialExists)
	assertError(t, env.do(t, http.MethodPut, devicePath(d2.ID), `{"serial":"S1"}`), http.StatusConflict, ErrCodeConflict, msgSerialInUse)

	if w := env.do(t, http.MethodPut, devicePath(d1.ID), `{"serial":"S3"}`); w.Code != http.StatusOK {
		t.Fatalf("rename S1 to S3 status = %d", w.Code)
	}
	if w := env.do(t, http.MethodPut, devicePath(d2.ID), `{"serial":"S1"}`); w.Code != http.StatusOK {
		t.Fatalf("rename S2 to S1 status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, devicePath(d1.ID), ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	env.createDevice(t, "S3")

	var devices []device.Device
	if err := json.Unmarshal(env.do(t, http.MethodGet, "/api/devices", "").Body.Bytes(), &devices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	serials := map[string]int{}
	for _, d := range devices {
		serials[d.Serial]++
	}
	if len(devices) != 2 || serials["S1"] != 1 || serials["S3"] != 1 {
		t.Errorf("devices = %+v", devices)
	}
}

// ─── Commands ──────────────────────────────────────────────────────

func TestDeviceCommand(t *testing.T) {
	env := newTestEnv(t)
	dev := env.createDevice(t, "S1")

	w := env.do(t, http.MethodPost, devicePath(dev.ID)+"/command", `{"command":"reboot","parameters":{"delay":5}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "sent" {
		t.Errorf("status = %v, want sent", resp["status"])
	}
	if resp["command_id"] == "" || resp["command_id"] == nil {
		t.Error("command_id missing")
	}
	if resp["topic"] != "test/devices/S1/commands" {
		t.Errorf("topic = %v", resp["topic"])
	}
	if resp["serial"] != "S1" {
		t.Errorf("serial = %v", resp["serial"])
	}

	if env.backend.publishCount() != 1 {
		t.Errorf("publish count = %d, want 1", env.backend.publishCount())
	}
	env.telemetry.mu.Lock()
	defer env.telemetry.mu.Unlock()
	if len(env.telemetry.commands) != 1 || env.telemetry.commands[0] != "S1:reboot" {
		t.Errorf("telemetry commands = %v", env.telemetry.commands)
	}
}

func TestDeviceCommand_Errors(t *testing.T) {
	env := newTestEnv(t)
	dev := env.createDevice(t, "S1")

	assertError(t, env.do(t, http.MethodPost, devicePath(999)+"/command", `{"command":"x"}`),
		http.StatusNotFound, ErrCodeNotFound, msgDeviceNotFound)
	assertError(t, env.do(t, http.MethodPost, devicePath(dev.ID)+"/command", `nope`),
		http.StatusBadRequest, ErrCodeBadRequest, "")
	assertError(t, env.do(t, http.MethodPost, "/api/devices/abc/command", `{"command":"x"}`),
		http.StatusBadRequest, ErrCodeBadRequest, "")

	if env.backend.publishCount() != 0 {
		t.Errorf("failed commands published %d messages", env.backend.publishCount())
	}

	env.backend.publishErr = errors.New("broker gone")
	assertError(t, env.do(t, http.MethodPost, devicePath(dev.ID)+"/command", `{"command":"x"}`),
		http.StatusBadGateway, ErrCodeTransport, msgTransportFailure)
}

// ─── Device messages / WebSocket ───────────────────────────────────

func newSubscribedClient(hub *Hub, channels ...string) *WSClient {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	client := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: subs,
	}
	hub.Register(client)
	return client
}

func expectNoEvent(t *testing.T, client *WSClient) {
	t.Helper()
	select {
	case data := <-client.send:
		t.Errorf("unexpected event %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

// runAudit drains the audit channel until the returned stop func is called.
func (e *testEnv) runAudit(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.srv.drainAuditLog(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (e *testEnv) auditCount(t *testing.T, action string) int {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/audit?action="+action, "")
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d", w.Code)
	}
	var result audit.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return result.Total
}

func readEvent(t *testing.T, client *WSClient) WSMessage {
	t.Helper()
	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return WSMessage{}
}

func TestDeviceMessageRelayed(t *testing.T) {
	env := newTestEnv(t)
	env.createDevice(t, "S1")
	client := newSubscribedClient(env.srv.hub, ChannelDeviceMessage)

	handler := env.backend.subscribed["test/devices/S1/events"]
	if handler == nil {
		t.Fatal("no events subscription for S1")
	}
	if err := handler("test/devices/S1/events", []byte(`{"temp":21.5}`)); err != nil {
		t.Fatalf("handler: %v", err)
	}

	msg := readEvent(t, client)
	if msg.EventType != ChannelDeviceMessage {
		t.Errorf("event_type = %q", msg.EventType)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["serial"] != "S1" {
		t.Errorf("payload = %v", msg.Payload)
	}
	inner, _ := payload["payload"].(map[string]any) //nolint:errcheck // checked below
	if inner["temp"] != 21.5 {
		t.Errorf("inner payload = %v", payload["payload"])
	}

	env.telemetry.mu.Lock()
	defer env.telemetry.mu.Unlock()
	if len(env.telemetry.messages) != 1 || env.telemetry.messages[0] != "S1" {
		t.Errorf("telemetry messages = %v", env.telemetry.messages)
	}
}

func TestHandleDeviceMessage_NonJSON(t *testing.T) {
	env := newTestEnv(t)
	client := newSubscribedClient(env.srv.hub, ChannelDeviceMessage)

	env.srv.HandleDeviceMessage("S1", []byte("ON"))

	payload, _ := readEvent(t, client).Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["raw"] != "ON" {
		t.Errorf("raw = %v, want ON", payload["raw"])
	}
}

func TestLifecycleEventsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	client := newSubscribedClient(env.srv.hub,
		ChannelDeviceRegistered, ChannelDeviceUpdated, ChannelDeviceDeleted, ChannelDeviceCommand)

	dev := env.createDevice(t, "S1")
	env.do(t, http.MethodPut, devicePath(dev.ID), `{"serial":"S2"}`)
	env.do(t, http.MethodPost, devicePath(dev.ID)+"/command", `{"command":"ping"}`)
	env.do(t, http.MethodDelete, devicePath(dev.ID), "")

	want := []string{ChannelDeviceRegistered, ChannelDeviceUpdated, ChannelDeviceCommand, ChannelDeviceDeleted}
	for _, ch := range want {
		if got := readEvent(t, client).EventType; got != ch {
			t.Errorf("event = %q, want %q", got, ch)
		}
	}
}

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	client := newSubscribedClient(hub, ChannelDeviceDeleted)

	hub.BroadcastDevice(ChannelDeviceRegistered, "S1", map[string]any{"id": 1})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_SerialFilter(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	all := newSubscribedClient(hub, ChannelDeviceMessage)
	onlyS1 := newSubscribedClient(hub, ChannelDeviceMessage)
	onlyS1.serials = map[string]struct{}{"S1": {}}

	hub.BroadcastDevice(ChannelDeviceMessage, "S2", map[string]any{"n": 1})
	if got := readEvent(t, all).EventType; got != ChannelDeviceMessage {
		t.Errorf("unfiltered client event = %q", got)
	}
	expectNoEvent(t, onlyS1)

	hub.BroadcastDevice(ChannelDeviceMessage, "S1", map[string]any{"n": 2})
	readEvent(t, all)
	if got := readEvent(t, onlyS1).EventType; got != ChannelDeviceMessage {
		t.Errorf("filtered client event = %q", got)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newSubscribedClient(hub)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}
	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func dialWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocket_SubscribeAndReceive(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ws := dialWS(t, ts.URL)
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceRegistered}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	env.createDevice(t, "S1")

	var event WSMessage
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelDeviceRegistered {
		t.Errorf("event = %+v", event)
	}
}

func TestWebSocket_SerialFilter(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ws := dialWS(t, ts.URL)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceMessage}, Serials: []string{"S2"}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	summary, _ := resp.Payload.(map[string]any) //nolint:errcheck // checked below
	if serials, _ := summary["serials"].([]any); len(serials) != 1 || serials[0] != "S2" { //nolint:errcheck // checked here
		t.Fatalf("subscribe response = %+v", resp)
	}

	env.createDevice(t, "S1")
	env.createDevice(t, "S2")
	for _, serial := range []string{"S1", "S2"} {
		topic := "test/devices/" + serial + "/events"
		if err := env.backend.subscribed[topic](topic, []byte(`{"from":"`+serial+`"}`)); err != nil {
			t.Fatalf("deliver %s: %v", serial, err)
		}
	}

	var event WSMessage
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	payload, _ := event.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["serial"] != "S2" {
		t.Errorf("first event serial = %v, want S2 only", payload["serial"])
	}

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-2",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceMessage}, Serials: []string{" "}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != WSTypeError {
		t.Errorf("blank serial filter response type = %q, want error", resp.Type)
	}
}

func TestWebSocket_Errors(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ws := dialWS(t, ts.URL)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline

	tests := []struct {
		name string
		send func() error
	}{
		{"invalid JSON", func() error { return ws.WriteMessage(websocket.TextMessage, []byte("{")) }},
		{"unknown type", func() error { return ws.WriteJSON(WSMessage{Type: "bogus", ID: "1"}) }},
		{"unknown channel", func() error {
			return ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "2",
				Payload: WSSubscribePayload{Channels: []string{"scene.activated"}}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.send(); err != nil {
				t.Fatalf("write: %v", err)
			}
			var resp WSMessage
			if err := ws.ReadJSON(&resp); err != nil {
				t.Fatalf("read: %v", err)
			}
			if resp.Type != WSTypeError {
				t.Errorf("type = %q, want error", resp.Type)
			}
		})
	}

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong WSMessage
	if err := ws.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != WSTypePong || pong.ID != "p" {
		t.Errorf("pong = %+v", pong)
	}
}

// ─── Audit / Metrics / Lifecycle ───────────────────────────────────

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.srv.drainAuditLog(ctx)
		close(done)
	}()

	dev := env.createDevice(t, "S1")
	env.do(t, http.MethodPost, devicePath(dev.ID)+"/command", `{"command":"ping"}`)
	env.do(t, http.MethodDelete, devicePath(dev.ID), "")

	cancel()
	<-done

	w := env.do(t, http.MethodGet, "/api/audit?entity_id="+strconv.FormatInt(dev.ID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d", w.Code)
	}
	var result audit.ListResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Total != 3 {
		t.Fatalf("audit total = %d, want 3", result.Total)
	}
	actions := map[string]bool{}
	for _, e := range result.Logs {
		actions[e.Action] = true
		if e.RequestID == "" {
			t.Errorf("audit entry %s missing request id", e.Action)
		}
	}
	for _, a := range []string{audit.ActionCreate, audit.ActionCommand, audit.ActionDelete} {
		if !actions[a] {
			t.Errorf("missing audit action %q", a)
		}
	}

	assertError(t, env.do(t, http.MethodGet, "/api/audit?limit=x", ""), http.StatusBadRequest, ErrCodeBadRequest, "")
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.createDevice(t, "S1")

	w := env.do(t, http.MethodGet, "/api/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Devices.Total != 1 {
		t.Errorf("devices.total = %d, want 1", m.Devices.Total)
	}
	if !m.MQTT.Connected {
		t.Error("mqtt.connected = false")
	}
	if m.MQTT.Subscriptions != 1 {
		t.Errorf("mqtt.subscriptions = %d, want 1", m.MQTT.Subscriptions)
	}
	if m.Database == nil || m.Database.OpenConnections < 1 {
		t.Errorf("database = %+v", m.Database)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime.goroutines = 0")
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	env := newTestEnv(t)
	if _, err := New(Deps{Registry: env.registry}); err == nil {
		t.Error("New() without logger succeeded")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry succeeded")
	}
	if _, err := New(Deps{Logger: testLogger(), Registry: env.registry}); err == nil {
		t.Error("New() without dispatcher succeeded")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.Port = freePort(t)
	addr := "http://127.0.0.1:" + strconv.Itoa(env.srv.cfg.Port)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start() = nil, want error")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start() = %v", err)
	}

	var resp *http.Response
	var err error
	for range 50 {
		resp, err = http.Get(addr + "/api/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get(addr + "/api/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}
