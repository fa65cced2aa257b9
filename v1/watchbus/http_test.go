package watchbus

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

func lockChannel(name string) string { return "tether_lock__channel__{" + name + "}" }

func waitSubscribers(t *testing.T, tr *syncbus.InMemoryTransport, channel string, want int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if tr.Subscribers(channel) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers on %s, got %d", want, channel, tr.Subscribers(channel))
}

func TestSSEHandlerStream(t *testing.T) {
	tr := syncbus.NewInMemoryTransport()
	srv := httptest.NewServer(SSEHandler(tr, lockChannel))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?lock=orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if err := tr.Publish(context.Background(), lockChannel("orders"), "0"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
	if !ok {
		t.Fatalf("unexpected line %q", line)
	}
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Lock != "orders" || msg.Event != "release" || msg.Channel != lockChannel("orders") {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestSSEHandlerMissingLock(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(syncbus.NewInMemoryTransport(), lockChannel))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerClosesSubscriptionOnDisconnect(t *testing.T) {
	tr := syncbus.NewInMemoryTransport()
	srv := httptest.NewServer(SSEHandler(tr, lockChannel))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?lock=orders", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	waitSubscribers(t, tr, lockChannel("orders"), 1)

	cancel()
	resp.Body.Close()
	waitSubscribers(t, tr, lockChannel("orders"), 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	tr := syncbus.NewInMemoryTransport()
	srv := httptest.NewServer(WebSocketHandler(tr, lockChannel))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?lock=orders"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := tr.Publish(context.Background(), lockChannel("orders"), "1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != "reset" || msg.Payload != "1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	conn.Close()
	waitSubscribers(t, tr, lockChannel("orders"), 0)
}
