package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/narrow"
)

func TestEvents_StreamsBusTopics(t *testing.T) {
	env := newTestEnv(t, &echoAction{name: narrow.RouteGmail, reply: "hecho"}, nil)
	b := envBus(t, env)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + env.server.URL[len("http"):] + "/events?topic=task."
	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server a beat to register the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish("router.decision", map[string]any{"route": "gmail"})
	b.Publish("task.created", map[string]any{"id": 12})

	var got wireEvent
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Topic != "task.created" {
		t.Fatalf("topic = %q, want the filtered prefix match", got.Topic)
	}
}

func TestEvents_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, &echoAction{name: narrow.RouteGmail, reply: "hecho"}, nil)

	resp, err := http.Get(env.server.URL + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// envBus digs the bus back out of the fixture. Kept as a helper so the
// stream test reads top down.
func envBus(t *testing.T, env *testEnv) *bus.Bus {
	t.Helper()
	if env.bus == nil {
		t.Fatal("fixture bus missing")
	}
	return env.bus
}
