package wsgateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warriorsfly/collab-studio/pkg/logstore"
	"github.com/warriorsfly/collab-studio/pkg/relay"
)

func newTestServer(t *testing.T) (*relay.Directory, *logstore.Memory, string) {
	t.Helper()
	mem := logstore.NewMemory()
	dir := relay.NewDirectory(mem, mem, relay.Config{
		PollInterval: 10 * time.Millisecond,
		BlockWait:    50 * time.Millisecond,
		BatchMax:     10,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go dir.Run(ctx)

	srv := httptest.NewServer(New(dir, relay.SessionConfig{}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return dir, mem, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return string(data)
}

func TestGateway_CommandRoundTrip(t *testing.T) {
	_, _, url := newTestServer(t)
	ws := dial(t, url)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if got := readText(t, ws); got != `!!! unknown command: "hi"` {
		t.Errorf("Unexpected echo: %q", got)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("/name")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if got := readText(t, ws); got != "!!! name is required" {
		t.Errorf("Unexpected notice: %q", got)
	}
}

func TestGateway_StoreAndForwardOverWebsocket(t *testing.T) {
	dir, _, url := newTestServer(t)
	ctx := context.Background()

	// stage messages while alice is offline
	for _, obj := range []string{"1", "2", "3"} {
		if _, err := dir.Inject(ctx, "", relay.Event{Subject: "a", Act: "x", Object: obj}, []string{"alice"}); err != nil {
			t.Fatalf("Inject failed: %v", err)
		}
	}

	ws := dial(t, url)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("/name alice")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	// the staged batch arrives in append order, possibly split over frames
	var events []relay.Event
	for len(events) < 3 {
		var batch []relay.Event
		if err := json.Unmarshal([]byte(readText(t, ws)), &batch); err != nil {
			t.Fatalf("Undecodable delivery frame: %v", err)
		}
		events = append(events, batch...)
	}
	for i, want := range []string{"1", "2", "3"} {
		if events[i].Object != want {
			t.Errorf("Event %d: expected object %s, got %s", i, want, events[i].Object)
		}
	}
}

func TestGateway_ListAcrossConnections(t *testing.T) {
	dir, _, url := newTestServer(t)
	ctx := context.Background()

	wsBob := dial(t, url)
	if err := wsBob.WriteMessage(websocket.TextMessage, []byte("/name bob")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	// wait out the registration race before asking for the snapshot
	deadline := time.Now().Add(2 * time.Second)
	for {
		names, err := dir.ListNames(ctx)
		if err == nil && len(names) == 1 && names[0] == "bob" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bob never came online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	wsOther := dial(t, url)
	if err := wsOther.WriteMessage(websocket.TextMessage, []byte("/list")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if got := readText(t, wsOther); got != "bob" {
		t.Errorf("Expected bob in list, got %q", got)
	}
}
