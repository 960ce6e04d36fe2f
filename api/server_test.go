package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacentio/canopy/api"
	"github.com/jacentio/canopy/event"
	"github.com/jacentio/canopy/hub"
	"github.com/jacentio/canopy/internal/metrics"
	"github.com/jacentio/canopy/mutation"
	"github.com/jacentio/canopy/store"
)

type fixture struct {
	server *httptest.Server
	hub    *hub.Hub
	store  *store.Memory
}

func newFixture(t *testing.T, relay bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mem := store.NewMemory()
	h := hub.New(hub.Options{Buffer: 16, Shards: 2, Logger: logger, Metrics: m})
	svc := mutation.New(mem, h, logger, m)
	srv := api.New(svc, h, api.Options{
		Logger:      logger,
		Gatherer:    reg,
		EnableRelay: relay,
		KeepAlive:   time.Hour,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return &fixture{server: ts, hub: h, store: mem}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (f *fixture) create(t *testing.T, name string, parent *int64) store.Item {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"name": name, "parent": parent})
	resp, data := f.do(t, http.MethodPost, "/api/items", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create %q: status %d: %s", name, resp.StatusCode, data)
	}
	var item store.Item
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatal(err)
	}
	return item
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("expected JSON error body, got %q", data)
	}
	return body.Error
}

func TestSnapshotEmpty(t *testing.T) {
	f := newFixture(t, false)
	resp, data := f.do(t, http.MethodGet, "/api/items", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("expected empty array, got %q", data)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
}

func TestCreateAndSnapshot(t *testing.T) {
	f := newFixture(t, false)
	a := f.create(t, "A", nil)
	b := f.create(t, "B", store.ParentID(a.ID))

	_, data := f.do(t, http.MethodGet, "/api/items", "")
	var items []store.Item
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || !items[0].Equal(a) || !items[1].Equal(b) {
		t.Errorf("unexpected snapshot %+v", items)
	}
	if !strings.Contains(string(data), `"parent":null`) {
		t.Errorf("root parent must encode as null: %s", data)
	}
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty name", `{"name":"  "}`, http.StatusBadRequest},
		{"missing name", `{}`, http.StatusBadRequest},
		{"bad json", `{"name":`, http.StatusBadRequest},
		{"missing parent", `{"name":"x","parent":99}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/api/items", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.StatusCode, data)
			}
			if errorMessage(t, data) == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, false)
	a := f.create(t, "A", nil)
	b := f.create(t, "B", store.ParentID(a.ID))
	c := f.create(t, "C", store.ParentID(b.ID))

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		want   *store.Item
	}{
		{"rename keeps parent", fmt.Sprintf("/api/items/%d", b.ID), `{"name":"B2"}`, http.StatusOK,
			&store.Item{ID: b.ID, Name: "B2", Parent: store.ParentID(a.ID)}},
		{"null parent moves to root", fmt.Sprintf("/api/items/%d", b.ID), `{"parent":null}`, http.StatusOK,
			&store.Item{ID: b.ID, Name: "B2"}},
		{"move under", fmt.Sprintf("/api/items/%d", b.ID), `{"parent":` + fmt.Sprint(a.ID) + `}`, http.StatusOK,
			&store.Item{ID: b.ID, Name: "B2", Parent: store.ParentID(a.ID)}},
		{"cycle", fmt.Sprintf("/api/items/%d", a.ID), `{"parent":` + fmt.Sprint(c.ID) + `}`, http.StatusConflict, nil},
		{"empty patch", fmt.Sprintf("/api/items/%d", a.ID), `{}`, http.StatusBadRequest, nil},
		{"empty name", fmt.Sprintf("/api/items/%d", a.ID), `{"name":""}`, http.StatusBadRequest, nil},
		{"bad parent type", fmt.Sprintf("/api/items/%d", a.ID), `{"parent":"x"}`, http.StatusBadRequest, nil},
		{"unknown item", "/api/items/999", `{"name":"x"}`, http.StatusNotFound, nil},
		{"unknown parent", fmt.Sprintf("/api/items/%d", a.ID), `{"parent":999}`, http.StatusNotFound, nil},
		{"bad id", "/api/items/abc", `{"name":"x"}`, http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPut, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.StatusCode, data)
			}
			if tt.want == nil {
				return
			}
			var got store.Item
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatal(err)
			}
			if !got.Equal(*tt.want) {
				t.Errorf("expected %+v, got %+v", *tt.want, got)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, false)
	a := f.create(t, "A", nil)
	f.create(t, "B", store.ParentID(a.ID))

	resp, data := f.do(t, http.MethodDelete, fmt.Sprintf("/api/items/%d", a.ID), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(string(data)) != fmt.Sprintf(`{"id":%d}`, a.ID) {
		t.Errorf("unexpected body %s", data)
	}

	resp, _ = f.do(t, http.MethodDelete, fmt.Sprintf("/api/items/%d", a.ID), "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", resp.StatusCode)
	}

	// The child stays, still pointing at the deleted parent.
	_, data = f.do(t, http.MethodGet, "/api/items", "")
	if !strings.Contains(string(data), fmt.Sprintf(`"parent":%d`, a.ID)) {
		t.Errorf("expected orphan to keep its parent reference: %s", data)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.do(t, http.MethodPatch, "/api/items/1", `{}`)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func openWatch(t *testing.T, f *fixture) (*event.Decoder, io.Closer) {
	t.Helper()
	resp, err := http.Get(f.server.URL + "/api/items/watch")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("watch: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}
	return event.NewDecoder(resp.Body), resp.Body
}

func TestWatchStreamsMutations(t *testing.T) {
	f := newFixture(t, false)
	dec, body := openWatch(t, f)
	defer body.Close()

	a := f.create(t, "A", nil)
	f.do(t, http.MethodPut, fmt.Sprintf("/api/items/%d", a.ID), `{"name":"A2"}`)
	f.do(t, http.MethodDelete, fmt.Sprintf("/api/items/%d", a.ID), "")

	expected := []event.Type{event.TypeAdd, event.TypeUpdate, event.TypeRemove}
	for i, want := range expected {
		e, err := dec.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if e.Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, e.Type)
		}
		if id, _ := e.ItemID(); id != a.ID {
			t.Errorf("event %d: expected id %d, got %d", i, a.ID, id)
		}
	}
}

func TestWatchFailedMutationNotStreamed(t *testing.T) {
	f := newFixture(t, false)
	dec, body := openWatch(t, f)
	defer body.Close()

	f.do(t, http.MethodPost, "/api/items", `{"name":""}`)
	f.create(t, "ok", nil)

	e, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != event.TypeAdd || e.Data.Name != "ok" {
		t.Errorf("expected only the successful add, got %+v", e)
	}
}

func TestWatchEndsWithErrorOnShutdown(t *testing.T) {
	f := newFixture(t, false)
	dec, body := openWatch(t, f)
	defer body.Close()

	f.hub.Close()

	e, err := dec.Next()
	if err != nil {
		t.Fatalf("expected error event, got %v", err)
	}
	if e.Type != event.TypeError || e.Message != "server shutting down" {
		t.Errorf("unexpected event %+v", e)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("expected stream end, got %v", err)
	}
}

func TestWatchFlushesBufferedEventsOnShutdown(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, false)
		dec, body := openWatch(t, f)

		const n = 10
		for id := int64(1); id <= n; id++ {
			if _, err := f.hub.Publish(event.Removed(id)); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
		f.hub.Close()

		for id := int64(1); id <= n; id++ {
			e, err := dec.Next()
			if err != nil {
				t.Fatalf("run %d: expected remove %d, got %v", i, id, err)
			}
			if e.Type != event.TypeRemove || *e.ID != id {
				t.Fatalf("run %d: expected remove %d, got %+v", i, id, e)
			}
		}
		e, err := dec.Next()
		if err != nil || e.Type != event.TypeError {
			t.Fatalf("run %d: expected closing error event, got %+v, %v", i, e, err)
		}
		body.Close()
	}
}

func TestWatchUnsubscribesOnDisconnect(t *testing.T) {
	f := newFixture(t, false)
	_, body := openWatch(t, f)
	if f.hub.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", f.hub.Len())
	}
	body.Close()

	// The handler notices on its next write or on context cancellation.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() != 0 && time.Now().Before(deadline) {
		f.hub.Publish(event.Error("ping"))
		time.Sleep(10 * time.Millisecond)
	}
	if f.hub.Len() != 0 {
		t.Errorf("expected subscriber removed, got %d", f.hub.Len())
	}
}

func TestWebSocketStreamsMutations(t *testing.T) {
	f := newFixture(t, false)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/items/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	a := f.create(t, "A", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Errorf("expected text frame, got %d", mt)
	}
	e, err := event.Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != event.TypeAdd || !e.Data.Equal(a) {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.do(t, http.MethodGet, "/api/items/ws", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for plain GET, got %d", resp.StatusCode)
	}
}

func TestIngest(t *testing.T) {
	f := newFixture(t, true)
	dec, body := openWatch(t, f)
	defer body.Close()

	resp, data := f.do(t, http.MethodPost, "/api/events", `{"type":"remove","id":7}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, data)
	}
	if strings.TrimSpace(string(data)) != `{"subscribers":1}` {
		t.Errorf("unexpected body %s", data)
	}

	e, err := dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != event.TypeRemove || *e.ID != 7 {
		t.Errorf("unexpected event %+v", e)
	}

	tests := []struct {
		name string
		body string
	}{
		{"invalid event", `{"type":"add"}`},
		{"error event", `{"type":"error","message":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/api/events", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", resp.StatusCode, data)
			}
		})
	}

	// A rejected event never reaches the stream.
	f.do(t, http.MethodPost, "/api/events", `{"type":"remove","id":8}`)
	e, err = dec.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != event.TypeRemove || *e.ID != 8 {
		t.Errorf("expected remove of 8 next, got %+v", e)
	}
}

func TestIngestDisabled(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.do(t, http.MethodPost, "/api/events", `{"type":"remove","id":7}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when relay ingest is disabled, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	resp, data := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || string(data) != "ok" {
		t.Errorf("unexpected health response %d %q", resp.StatusCode, data)
	}

	f.create(t, "A", nil)
	resp, data = f.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte(`canopy_mutations_total{op="add",result="ok"} 1`)) {
		t.Errorf("expected mutation counter in metrics:\n%s", data)
	}
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, false)
	resp, _ := f.do(t, http.MethodGet, "/healthz", "")
	if resp.Header.Get(api.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
}

func TestInternalErrorsHideCause(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(hub.Options{Logger: logger})
	svc := mutation.New(brokenStore{Store: store.NewMemory()}, h, logger, nil)
	srv := api.New(svc, h, api.Options{Logger: logger})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec.Body.Bytes()); strings.Contains(msg, "secret") {
		t.Errorf("internal cause leaked: %q", msg)
	}
}

type brokenStore struct {
	store.Store
}

func (brokenStore) List(context.Context) ([]store.Item, error) {
	return nil, errors.New("secret connection string")
}
