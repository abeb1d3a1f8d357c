package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/beeender/ComradeNeovim/internal/contracts"
	"github.com/beeender/ComradeNeovim/internal/render"
	"github.com/gorilla/websocket"
)

func startMonitor(t *testing.T) *MonitorServer {
	t.Helper()
	m := NewMonitorServer("127.0.0.1:0", render.NewRenderer(), WithLogf(t.Logf))
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func dial(t *testing.T, m *MonitorServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(m.URL(), "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// eventually polls fn until it reports true.
func eventually(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewConnectionGetsStatus(t *testing.T) {
	m := startMonitor(t)
	conn := dial(t, m)

	msg := readMessage(t, conn)
	if msg["type"] != contracts.MessageTypeStatus {
		t.Fatalf("expected status, got %v", msg)
	}
	if buffers, ok := msg["buffers"].([]any); !ok || len(buffers) != 0 {
		t.Fatalf("expected empty buffer list, got %v", msg["buffers"])
	}
}

func TestPublishIsBroadcast(t *testing.T) {
	m := startMonitor(t)
	conn := dial(t, m)
	readMessage(t, conn)

	m.PublishBuffer(3, "/src/main.go", "package main\n", 5)
	msg := readMessage(t, conn)
	if msg["type"] != contracts.MessageTypeBuffer || msg["id"] != float64(3) || msg["changedtick"] != float64(5) {
		t.Fatalf("unexpected buffer message %v", msg)
	}
	if !strings.Contains(msg["html"].(string), "chroma") {
		t.Fatalf("buffer was not highlighted: %v", msg["html"])
	}

	m.PublishStatus(contracts.StatusMessage{
		Session: "s",
		Buffers: []contracts.BufferStatus{{ID: 3, Path: "/src/main.go", Changedtick: 5, State: "synced"}},
	})
	msg = readMessage(t, conn)
	if msg["type"] != contracts.MessageTypeStatus || msg["session"] != "s" {
		t.Fatalf("unexpected status message %v", msg)
	}

	m.ReleaseBuffer(3)
	msg = readMessage(t, conn)
	if msg["type"] != contracts.MessageTypeReleased || msg["id"] != float64(3) {
		t.Fatalf("unexpected released message %v", msg)
	}
}

func TestLatestStatusWins(t *testing.T) {
	m := NewMonitorServer("127.0.0.1:0", render.NewRenderer())
	m.PublishStatus(contracts.StatusMessage{Session: "old"})
	m.PublishStatus(contracts.StatusMessage{Session: "new"})

	status, buffers := m.takePending()
	if status == nil || status.Session != "new" || len(buffers) != 0 {
		t.Fatalf("unexpected pending state %v %v", status, buffers)
	}
	if status, _ := m.takePending(); status != nil {
		t.Fatal("pending status was not cleared")
	}
}

func TestLateConnectionGetsBuffers(t *testing.T) {
	m := startMonitor(t)
	m.PublishBuffer(1, "/src/a.txt", "hello", 2)
	eventually(t, func() bool {
		code, _ := get(t, m.URL()+"/buffers/1")
		return code == http.StatusOK
	})

	conn := dial(t, m)
	if msg := readMessage(t, conn); msg["type"] != contracts.MessageTypeStatus {
		t.Fatalf("expected status first, got %v", msg)
	}
	if msg := readMessage(t, conn); msg["type"] != contracts.MessageTypeBuffer || msg["path"] != "/src/a.txt" {
		t.Fatalf("expected buffer snapshot, got %v", msg)
	}
}

func TestEditIsForwarded(t *testing.T) {
	m := NewMonitorServer("127.0.0.1:0", render.NewRenderer(), WithLogf(t.Logf))
	edits := make(chan contracts.EditMessage, 1)
	m.OnEdit = func(msg contracts.EditMessage) error {
		edits <- msg
		return nil
	}
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	conn := dial(t, m)
	readMessage(t, conn)

	raw, _ := json.Marshal(contracts.EditMessage{Type: contracts.MessageTypeEdit, ID: 4, Offset: 2, Length: 1, Text: "x"})
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-edits:
		if got.ID != 4 || got.Offset != 2 || got.Length != 1 || got.Text != "x" {
			t.Fatalf("unexpected edit %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not forwarded")
	}
}

func TestPages(t *testing.T) {
	m := startMonitor(t)

	code, body := get(t, m.URL()+"/")
	if code != http.StatusOK || !strings.Contains(body, "/ws") {
		t.Fatalf("unexpected shell %d:\n%s", code, body)
	}

	m.PublishStatus(contracts.StatusMessage{
		Buffers: []contracts.BufferStatus{{ID: 9, Path: "/src/notes.md", State: "faulted", Fault: "out of sync"}},
	})
	eventually(t, func() bool {
		_, body := get(t, m.URL()+"/status")
		return strings.Contains(body, "/src/notes.md")
	})

	code, body = get(t, m.URL()+"/status.json")
	var status contracts.StatusMessage
	if err := json.Unmarshal([]byte(body), &status); err != nil || code != http.StatusOK {
		t.Fatalf("status.json %d: %v", code, err)
	}
	if len(status.Buffers) != 1 || status.Buffers[0].Fault != "out of sync" {
		t.Fatalf("unexpected status %+v", status)
	}

	if code, _ := get(t, m.URL()+"/buffers/42"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown buffer, got %d", code)
	}
}

func TestStopRightAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		m := NewMonitorServer("127.0.0.1:0", render.NewRenderer(), WithLogf(func(string, ...any) {}))
		if err := m.Start(); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := m.Stop(); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
		if err := m.Stop(); err != nil {
			t.Fatalf("second stop %d: %v", i, err)
		}
	}
}
