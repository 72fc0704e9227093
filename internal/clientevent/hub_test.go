package clientevent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"jobrelay/internal/job"
	logx "jobrelay/pkg/logx"
)

func startHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url+"?user="+user, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitConnected(t *testing.T, hub *Hub, user string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected(user) != n {
		if time.Now().After(deadline) {
			t.Fatalf("user %q connections = %d, want %d", user, hub.Connected(user), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, c *websocket.Conn) Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return ev
}

func TestDispatchReachesOnlyTargetUser(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t, HubConfig{})
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")
	waitConnected(t, hub, "alice", 1)
	waitConnected(t, hub, "bob", 1)

	ev := New(SimulationSciml, map[string]any{"iter": 3})
	ev.ProjectID = "p1"
	hub.Dispatch(ev, "alice")

	got := readEvent(t, alice)
	if got.ID != ev.ID || got.Type != SimulationSciml || got.ProjectID != "p1" {
		t.Fatalf("event = %+v", got)
	}

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatalf("bob received an event addressed to alice")
	}
	if st := hub.Stats(); st.Dispatched != 1 || st.Users != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDispatchWithoutConnectionIsNoop(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{}, logx.Nop())
	hub.Dispatch(New(Notification, nil), "nobody")
	if st := hub.Stats(); st.Dispatched != 0 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t, HubConfig{Heartbeat: 20 * time.Millisecond})
	c := dial(t, url, "alice")
	waitConnected(t, hub, "alice", 1)
	if ev := readEvent(t, c); ev.Type != Heartbeat {
		t.Fatalf("type = %q, want HEARTBEAT", ev.Type)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	t.Parallel()
	hub, url := startHub(t, HubConfig{})
	c := dial(t, url, "alice")
	waitConnected(t, hub, "alice", 1)
	_ = c.Close()
	waitConnected(t, hub, "alice", 0)
}

func TestTypeFor(t *testing.T) {
	t.Parallel()
	cases := map[job.EngineKind]Type{
		job.EngineSciml:    SimulationSciml,
		job.EnginePyciemss: SimulationPyciemss,
		job.EngineGeneric:  Notification,
	}
	for kind, want := range cases {
		if got := TypeFor(kind); got != want {
			t.Fatalf("TypeFor(%q) = %q, want %q", kind, got, want)
		}
	}
}
