package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"jobrelay/internal/clientevent"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/poller"
	logx "jobrelay/pkg/logx"
)

const baseConfig = `{
  "instance_id": "relay-test",
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "server": {"addr": "127.0.0.1:0"},
  "poller": {"interval": "20ms", "threshold": 3, "half_time": "1s"},
  "notifier": {"enabled": true, "retry_base": "10ms"}
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func startApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobrelay.json")
	writeConfig(t, path, body)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

func post(t *testing.T, url, user, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readUntil(t *testing.T, ws *websocket.Conn, typ clientevent.Type) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev struct {
			Type clientevent.Type `json:"type"`
			Data map[string]any   `json:"data"`
		}
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if ev.Type == typ {
			return ev.Data
		}
	}
}

func TestRelayEndToEnd(t *testing.T) {
	t.Parallel()
	a, _ := startApp(t, baseConfig)
	base := "http://" + a.Addr()

	resp := post(t, base+"/v1/jobs", "alice", `{"engine":"sciml","poll":{"disabled":true}}`)
	var created struct {
		Job job.Job `json:"job"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.Job.ID == "" {
		t.Fatalf("create: %d %+v", resp.StatusCode, created)
	}
	id := created.Job.ID

	resp = post(t, base+"/v1/subscriptions", "alice", `{"jobIds":["`+id+`"]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("subscribe: %d", resp.StatusCode)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/v1/events?user=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	waitFor(t, "client registration", func() bool { return a.hub.Connected("alice") == 1 })

	resp = post(t, base+"/v1/queues/sciml", "", `{"id":"`+id+`","loss":0.25,"iter":4,"completed":true}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish: %d", resp.StatusCode)
	}

	data := readUntil(t, ws, clientevent.SimulationSciml)
	if data["jobId"] != id || data["completed"] != true {
		t.Fatalf("event data = %v", data)
	}
	payload, _ := data["payload"].(map[string]any)
	if payload["loss"] != 0.25 {
		t.Fatalf("payload = %v", data["payload"])
	}

	j, err := a.store.GetJob(context.Background(), id, job.System())
	if err != nil || len(j.Updates) != 1 {
		t.Fatalf("stored job = %+v, %v", j, err)
	}
	if st := a.relay.Stats(); st.Persisted != 1 || st.Broadcast != 1 {
		t.Fatalf("relay stats = %+v", st)
	}
	waitFor(t, "terminal mark", func() bool { return a.relay.Registry().Stats().Terminal == 1 })
}

func TestPollNotificationsReachClient(t *testing.T) {
	t.Parallel()
	a, _ := startApp(t, baseConfig)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/v1/events?user=bob", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	waitFor(t, "client registration", func() bool { return a.hub.Connected("bob") == 1 })

	resp := post(t, "http://"+a.Addr()+"/v1/jobs", "bob", `{"engine":"pyciemss","projectId":"P1"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev clientevent.Event
	for ev.Type != clientevent.SimulationNotification {
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if ev.ProjectID != "P1" || ev.NotificationGroupID == "" {
		t.Fatalf("notification = %+v", ev)
	}
	waitFor(t, "poll threshold", func() bool { return a.polls.Active() == 0 })
}

func TestConfigReloadAppliesLiveSections(t *testing.T) {
	t.Parallel()
	a, path := startApp(t, baseConfig)
	events, unsub := a.bus.Subscribe(4, "config.")
	defer unsub()

	updated := strings.Replace(baseConfig, `"threshold": 3`, `"threshold": 9`, 1)
	updated = strings.Replace(updated, `"logging": {"level": "error"}`, `"logging": {"level": "error"}, "relay": {"broadcast_policy": "always", "sweep_every": "@every 2s"}`, 1)
	writeConfig(t, path, updated)

	waitFor(t, "poll defaults", func() bool { return a.PollDefaults().Threshold == 9 })
	waitFor(t, "sweep reschedule", func() bool {
		for _, s := range a.sched.Snapshot() {
			if s.Name == sweepSchedule && s.Spec == "@every 2s" {
				return true
			}
		}
		return false
	})
	select {
	case e := <-events:
		if sections, _ := e.Data.([]string); strings.Join(sections, ",") != "poller,relay" {
			t.Fatalf("reloaded sections = %v", e.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config.reloaded event")
	}
}

func TestStopClosesDone(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobrelay.json")
	writeConfig(t, path, baseConfig)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := a.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if a.Err() != nil {
		t.Fatalf("Err = %v", a.Err())
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("http still serving after Stop")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobrelay.json")
	writeConfig(t, path, `{"storage":{"driver":"none"}}`)
	if _, err := New(path); err == nil {
		t.Fatalf("expected storage none to be rejected")
	}
}

func TestMapRelayMergesRoutes(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Relay: config.RelayConfig{
		BroadcastPolicy: "always",
		Routes:          []config.RouteConfig{{Engine: " SciML ", Queue: "q2", Channel: "c2"}},
	}}
	rc := mapRelay(cfg, "i1")
	if rc.InstanceID != "i1" || rc.BroadcastPolicy != "always" || len(rc.Routes) != 3 {
		t.Fatalf("relay config = %+v", rc)
	}
	for _, r := range rc.Routes {
		if r.Kind == job.EngineSciml && (r.Queue != "q2" || r.Channel != "c2") {
			t.Fatalf("sciml route not overridden: %+v", r)
		}
		if r.Kind == job.EngineGeneric && r.Queue != "job-status" {
			t.Fatalf("generic route lost its default: %+v", r)
		}
	}
	if rc := mapRelay(&config.Config{}, "i1"); rc.Routes != nil {
		t.Fatalf("empty routes should defer to relay defaults: %+v", rc.Routes)
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	o, err := mapPoller(cfg)
	if err != nil || o.Interval != poller.DefaultInterval || o.Threshold != poller.DefaultThreshold || o.HalfTime != poller.DefaultHalfTime {
		t.Fatalf("poller defaults = %+v, %v", o, err)
	}
	sw, err := mapSweep(cfg)
	if err != nil || sw.Every != defaultSweepEvery || sw.Grace != defaultSweepGrace {
		t.Fatalf("sweep defaults = %+v, %v", sw, err)
	}
	nc, err := mapNotifier(cfg)
	if err != nil || !nc.Enabled || nc.RetryBase != 500*time.Millisecond {
		t.Fatalf("notifier defaults = %+v, %v", nc, err)
	}
	if _, shutdown, err := mapServer(cfg); err != nil || shutdown != defaultShutdown {
		t.Fatalf("shutdown default = %s, %v", shutdown, err)
	}
	if sc, err := mapStorage(&config.Config{Storage: config.StorageConfig{Driver: "SQLite3", Path: "x.db"}}); err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	if _, err := mapBroker(&config.Config{Broker: config.BrokerConfig{BlockTimeout: "soon"}}, "i"); err == nil {
		t.Fatalf("bad block timeout accepted")
	}

	host, _ := os.Hostname()
	if id := instanceID(cfg); !strings.HasPrefix(id, host) || len(id) <= len(host) {
		t.Fatalf("instance id = %q", id)
	}
	if id := instanceID(&config.Config{InstanceID: " r1 "}); id != "r1" {
		t.Fatalf("configured instance id = %q", id)
	}
}

func TestPublishNeedsSharedBroker(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobrelay.json")
	writeConfig(t, path, baseConfig)
	if _, err := Publish(context.Background(), path, job.EngineSciml, []byte(`{}`), logx.Nop()); !errors.Is(err, ErrPrivateBroker) {
		t.Fatalf("err = %v, want ErrPrivateBroker", err)
	}
}
