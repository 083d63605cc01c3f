package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/models"
	"go-meshcore-gateway/app/route"
	"go-meshcore-gateway/app/shared"
	"go-meshcore-gateway/app/storage"
	"go-meshcore-gateway/app/worker"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type fakeCommander struct {
	mu   sync.Mutex
	cmds []worker.Command
	err  error
}

func (f *fakeCommander) Submit(ctx context.Context, cmd worker.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.err
}

func (f *fakeCommander) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeCommander) submitted() []worker.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Command(nil), f.cmds...)
}

func newTestServer(t *testing.T) (*server, *fakeCommander) {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := shared.NewStore(log)
	m := metrics.New()
	hub := NewHub(m, log)
	go hub.Run(ctx)

	cmds := &fakeCommander{}
	return &server{
		ctx:      ctx,
		store:    store,
		archive:  storage.OpenArchive(t.TempDir(), "radio:5000", storage.ArchiveOptions{}, log),
		resolver: route.NewResolver(store, log),
		cmds:     cmds,
		hub:      hub,
		metrics:  m,
		log:      log,
	}, cmds
}

func get(t *testing.T, h http.Handler, path string, v interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("GET %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func post(t *testing.T, h http.Handler, path, body string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body)))
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestStatusAndPendingChannels(t *testing.T) {
	s, _ := newTestServer(t)
	s.store.SetConnected(true)
	s.store.SetStatus("Connected")
	s.store.SetDevice(models.DeviceInfo{Name: "base"})
	s.store.SetChannels([]models.Channel{{Index: 0, Name: "Public"}, {Index: 1, Name: "#ops"}})
	s.store.SetPendingChannels([]int{1})
	h := s.routes()

	var st statusResponse
	if code := get(t, h, "/api/status", &st); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if !st.Connected || st.Device.Name != "base" || len(st.Channels) != 2 || len(st.PendingChannels) != 1 {
		t.Fatalf("status = %+v", st)
	}

	var pending []models.Channel
	get(t, h, "/api/channels/pending", &pending)
	if len(pending) != 1 || pending[0].Name != "#ops" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestRouteLookupFallsBackToArchive(t *testing.T) {
	s, _ := newTestServer(t)
	s.store.SetContacts([]models.Contact{
		{PublicKey: "a1aaaaaaaaaaaaaa", AdvName: "Hilltop", Type: models.NodeTypeRepeater, AdvLat: 52.1, AdvLon: 4.3},
		{PublicKey: "ccdd001122334455", AdvName: "Alice"},
	})
	archived := models.Message{
		ID: "m1", Time: time.Now().UTC(), Sender: "Alice", Text: "old", Channel: models.IntPtr(0),
		Direction: models.DirectionIn, PathLen: 1, PathHashes: []string{"a1"}, PathNames: []string{"Hilltop"},
		MessageHash: "00AA11BB22CC33DD",
	}
	s.archive.AddMessage(archived)
	h := s.routes()

	var resp routeResponse
	if code := get(t, h, "/api/route/00AA11BB22CC33DD", &resp); code != http.StatusOK {
		t.Fatalf("route code = %d", code)
	}
	if resp.Message.Text != "old" || resp.Route.PathSource != route.SourceRxLog {
		t.Fatalf("route = %+v", resp)
	}
	if len(resp.Route.PathNodes) != 1 || resp.Route.PathNodes[0].Name != "Hilltop" || !resp.Route.HasLocations {
		t.Fatalf("path nodes = %+v", resp.Route.PathNodes)
	}
	if resp.Route.Sender == nil || resp.Route.Sender.Name != "Alice" {
		t.Fatalf("sender = %+v", resp.Route.Sender)
	}

	if code := get(t, h, "/api/route/FFFFFFFFFFFFFFFF", nil); code != http.StatusNotFound {
		t.Fatalf("unknown hash code = %d", code)
	}
}

func TestArchiveQuery(t *testing.T) {
	s, _ := newTestServer(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		s.archive.AddMessage(models.Message{
			ID: text, Time: base.Add(time.Duration(i) * time.Minute), Sender: "Bob", Text: text,
			Channel: models.IntPtr(0), ChannelName: "Public", Direction: models.DirectionIn,
		})
	}
	s.archive.AddMessage(models.Message{ID: "dm", Time: base, Sender: "Eve", Text: "psst", Direction: models.DirectionIn})
	h := s.routes()

	var page archiveResponse
	get(t, h, "/api/archive?channel=Public&limit=2", &page)
	if page.Total != 3 || len(page.Messages) != 2 || page.Messages[0].Text != "three" {
		t.Fatalf("page = %+v", page)
	}
	get(t, h, "/api/archive?sender=eve", &page)
	if page.Total != 1 || page.Messages[0].Text != "psst" {
		t.Fatalf("sender filter = %+v", page)
	}
	if code := get(t, h, "/api/archive?after=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("bad time code = %d", code)
	}

	var names []string
	get(t, h, "/api/archive/channels", &names)
	if len(names) != 1 || names[0] != "Public" {
		t.Fatalf("channel names = %v", names)
	}
}

func TestAddChannel(t *testing.T) {
	s, cmds := newTestServer(t)
	h := s.routes()

	code, body := post(t, h, "/api/add-channel", `{"channelIdx":2,"name":"#ops","secret":"abcd"}`)
	if code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("short secret: %d %v", code, body)
	}
	if len(cmds.submitted()) != 0 {
		t.Fatal("invalid command reached the worker")
	}

	secret := strings.Repeat("5a", 16)
	code, body = post(t, h, "/api/add-channel", `{"channelIdx":2,"name":"#ops","secret":"`+secret+`"}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("add channel: %d %v", code, body)
	}
	got := cmds.submitted()
	if len(got) != 1 || got[0].Action != worker.ActionAddChannel || got[0].Channel != 2 || got[0].Secret != secret {
		t.Fatalf("submitted = %+v", got)
	}

	cmds.fail(errors.New("set_channel: radio rejected command"))
	code, body = post(t, h, "/api/command", `{"action":"send_advert"}`)
	if code != http.StatusInternalServerError || !strings.Contains(body["error"].(string), "rejected") {
		t.Fatalf("failing command: %d %v", code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	s.metrics.Reconnect()
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "meshcore_gateway_") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestWebsocketStateAndCommands(t *testing.T) {
	s, cmds := newTestServer(t)
	s.store.SetStatus("Connected")
	s.store.AddMessage(models.Message{ID: "1", Sender: "Alice", Text: "hello", Direction: models.DirectionIn, MessageHash: "AB"})

	ts := httptest.NewServer(s.routes())
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	read := func() OutgoingMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg OutgoingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	if msg := read(); msg.Type != "state" {
		t.Fatalf("first message = %+v", msg)
	}

	if err := conn.WriteJSON(IncomingMessage{Type: "send_message", Channel: 0, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if msg := read(); msg.Type != "command_done" {
		t.Fatalf("reply = %+v", msg)
	}
	got := cmds.submitted()
	if len(got) != 1 || got[0].Action != worker.ActionSendMessage || got[0].Text != "hi" {
		t.Fatalf("submitted = %+v", got)
	}

	cmds.fail(worker.ErrTextTooLong)
	if err := conn.WriteJSON(IncomingMessage{Type: "send_message", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if msg := read(); msg.Type != "error" || msg.ErrorMsg == "" {
		t.Fatalf("error reply = %+v", msg)
	}

	broadcastJSON(s.hub, OutgoingMessage{Type: "update", Payload: "tick"})
	if msg := read(); msg.Type != "update" {
		t.Fatalf("broadcast = %+v", msg)
	}
}

func TestBuildUpdateOnlyCarriesChanges(t *testing.T) {
	store := shared.NewStore(zaptest.NewLogger(t))
	if _, changed := buildUpdate(store.SnapshotAndClear()); !changed {
		t.Fatal("first snapshot should carry everything")
	}
	if _, changed := buildUpdate(store.SnapshotAndClear()); changed {
		t.Fatal("nothing changed since the last tick")
	}
	store.AddRxLog(models.RxLogEntry{ID: "r1", PayloadType: "ADVERT"})
	up, changed := buildUpdate(store.SnapshotAndClear())
	if !changed || up.RxLog == nil || up.Messages != nil || up.Contacts != nil {
		t.Fatalf("update = %+v", up)
	}
}
