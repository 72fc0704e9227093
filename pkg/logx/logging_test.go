package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Comp("relay"), JobID("J1"))

	log.Warn("decode failed", String("queue", "sciml-queue"), Err(errors.New("boom")), Int("size", 3), Strings("sections", []string{"poller", "relay"}))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m[KeyComp] != "relay" || m[KeyJobID] != "J1" || m["queue"] != "sciml-queue" {
		t.Fatalf("missing fixed/call-site fields: %v", m)
	}
	if secs, _ := m["sections"].([]any); len(secs) != 2 || secs[1] != "relay" {
		t.Fatalf("sections = %v", m["sections"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected caller field: %v", m)
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "info", "WARNING", "trace"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestSampleThinsDebugOnly(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "trace").Sample(10)
	for i := 0; i < 20; i++ {
		log.Debug("tick")
		log.Warn("always")
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var debug, warn int
	for _, l := range lines {
		switch {
		case strings.Contains(l, `"level":"debug"`):
			debug++
		case strings.Contains(l, `"level":"warn"`):
			warn++
		}
	}
	if warn != 20 || debug != 2 {
		t.Fatalf("debug=%d warn=%d, want 2 and 20", debug, warn)
	}
	if got := NewWriter(&buf, "trace").Sample(1); got.sampler != nil {
		t.Fatal("Sample(1) should not sample")
	}
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	child := log.With(Comp("relay"))

	child.Info("dropped at warn")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	child.Info("kept after apply", User("alice"))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "dropped at warn") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, "kept after apply") || !strings.Contains(out, `"user":"alice"`) {
		t.Fatalf("derived logger did not follow Apply: %s", out)
	}
}
