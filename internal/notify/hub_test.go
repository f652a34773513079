package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradehook/internal/events"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialClient spins up a one-shot upgrade endpoint, registers the server side
// of the connection with the hub under userID, and returns the client side.
func dialClient(t *testing.T, hub *Hub, userID string) *websocket.Conn {
	t.Helper()

	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.Register(userID, conn)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("server never registered the connection")
	}
	return client
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestEmitToUserRoutesByUser(t *testing.T) {
	hub := NewHub(events.NewBus())
	alice := dialClient(t, hub, "u1")
	bob := dialClient(t, hub, "u2")

	hub.EmitToUser("u1", "trade:executed", map[string]string{"symbol": "BTCUSDT"})

	msg := readFrame(t, alice)
	if msg.Event != "trade:executed" {
		t.Errorf("event = %q, want trade:executed", msg.Event)
	}

	bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := bob.ReadJSON(&Message{}); err == nil {
		t.Error("frame leaked to a different user")
	}
}

func TestRunForwardsTradeEvents(t *testing.T) {
	bus := events.NewBus()
	hub := NewHub(bus)
	client := dialClient(t, hub, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let Run subscribe before publishing

	bus.Publish(events.EventTradeExecuted, events.TradeResult{
		UserID: "u1",
		JobID:  "job-1",
		Symbol: "ETHUSDT",
		Action: "buy",
	})

	msg := readFrame(t, client)
	if msg.Event != string(events.EventTradeExecuted) {
		t.Errorf("event = %q, want %q", msg.Event, events.EventTradeExecuted)
	}
	data, ok := msg.Data.(map[string]any)
	if !ok {
		t.Fatalf("data has type %T, want object", msg.Data)
	}
	if data["symbol"] != "ETHUSDT" {
		t.Errorf("symbol = %v, want ETHUSDT", data["symbol"])
	}
}

func TestUnregisterDropsConnection(t *testing.T) {
	hub := NewHub(events.NewBus())
	conn := &websocket.Conn{}

	hub.Register("u1", conn)
	if got := hub.ConnectionCount(); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
	hub.Unregister("u1", conn)
	if got := hub.ConnectionCount(); got != 0 {
		t.Fatalf("ConnectionCount after unregister = %d, want 0", got)
	}
}
