package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveVerdict("mood", "accept")
	m.IncCommit("live")
	m.IncApplyFailure("mood")
	m.ObserveLockWait(time.Second)
	m.IncLockTimeout()
	m.IncMigration("migrate", "ok")
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Fatalf("nil WriteTextfile: %v", err)
	}
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestCountersAndTextfile(t *testing.T) {
	m := New()
	m.ObserveVerdict("belief", "clamp")
	m.ObserveVerdict("belief", "clamp")
	m.ObserveVerdict("goal", "reject")
	m.IncLockTimeout()

	if got := testutil.ToFloat64(m.verdicts.WithLabelValues("belief", "clamp")); got != 2 {
		t.Fatalf("expected 2 clamps, got %v", got)
	}
	if got := testutil.ToFloat64(m.lockTimeouts); got != 1 {
		t.Fatalf("expected 1 timeout, got %v", got)
	}

	path := filepath.Join(t.TempDir(), "soulseed.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `soulseed_gate_verdicts_total{domain="goal",verdict="reject"} 1`) {
		t.Fatalf("textfile missing verdict series:\n%s", data)
	}
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncCommit("live")
	if got := testutil.ToFloat64(b.commits.WithLabelValues("live")); got != 0 {
		t.Fatalf("registries leaked: %v", got)
	}
}
