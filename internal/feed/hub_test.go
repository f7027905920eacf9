package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"spores/internal/dynamics"
	"spores/internal/graph"
)

func sampleDocument(n int) graph.Document {
	doc := graph.Document{Statistics: graph.Statistics{TotalSpores: n}}
	for i := 0; i < n; i++ {
		doc.Spores = append(doc.Spores, graph.SporeEntry{Index: i, SporeID: string(rune('a' + i))})
	}
	return doc
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHubSendsLatestSnapshotOnConnect(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	hub.Publish("run-1", sampleDocument(3))
	conn := dial(t, srv)

	msg := readMessage(t, conn)
	if msg.Type != MessageSnapshot || msg.RunID != "run-1" {
		t.Fatalf("unexpected initial message: %+v", msg)
	}
	if msg.Graph == nil || msg.Graph.Statistics.TotalSpores != 3 {
		t.Fatalf("unexpected initial graph: %+v", msg.Graph)
	}

	hub.Publish("run-2", sampleDocument(5))
	msg = readMessage(t, conn)
	if msg.RunID != "run-2" || len(msg.Graph.Spores) != 5 {
		t.Fatalf("unexpected broadcast: %+v", msg)
	}
}

func TestHubRunCommand(t *testing.T) {
	var hub *Hub
	hub = NewHub(Config{Run: func(_ context.Context, root dynamics.State, optimize, _ bool) error {
		if !optimize {
			return errors.New("optimize required")
		}
		hub.Publish("from-viewer", sampleDocument(int(root[0])))
		return nil
	}})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	hub.Publish("seed", sampleDocument(1))
	conn := dial(t, srv)
	readMessage(t, conn)

	if err := conn.WriteJSON(Command{Type: MessageRun, Root: [2]float64{2, 0}, Optimize: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.RunID != "from-viewer" || msg.Graph.Statistics.TotalSpores != 2 {
		t.Fatalf("unexpected run result: %+v", msg)
	}

	if err := conn.WriteJSON(Command{Type: MessageRun}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageError || msg.Error != "optimize required" {
		t.Fatalf("expected run error, got %+v", msg)
	}

	if err := conn.WriteJSON(Command{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageError {
		t.Fatalf("expected error for unknown command, got %+v", msg)
	}
}

func TestHubSnapshotAndMetricsEndpoints(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before publish, got %d", resp.StatusCode)
	}

	hub.Publish("r", sampleDocument(2))
	conn := dial(t, srv)
	readMessage(t, conn)

	want := []string{"spores_feed_clients 1", `spores_feed_messages_total{type="snapshot"} 1`}
	deadline := time.Now().Add(5 * time.Second)
	for {
		text := scrape(t, srv.URL+"/metrics")
		missing := ""
		for _, w := range want {
			if !strings.Contains(text, w) {
				missing = w
				break
			}
		}
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never reported %q:\n%s", missing, text)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func scrape(t *testing.T, url string) string {
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
	return string(body)
}

func TestHubStartStop(t *testing.T) {
	hub := NewHub(Config{Addr: "127.0.0.1:0"})
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := hub.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
	addr := hub.Addr()
	if addr == "" {
		t.Fatal("expected bound address")
	}
	hub.Publish("r", sampleDocument(1))
	resp, err := http.Get("http://" + addr + "/snapshot")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if hub.Addr() != "" {
		t.Fatal("expected no address after stop")
	}
}
