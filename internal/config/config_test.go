package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

const fullPolicy = `
rules:
  - id: belief-max-step
    domain: belief
    metric: max_abs_delta
    comparator: lte
    threshold: 0.1
  - id: mood-max-step
    domain: mood
    metric: max_abs_delta
    comparator: lte
    threshold: 0.3
gates:
  confidence_floor: 0.4
  domain_confidence_floors:
    belief: 0.5
  cooldowns:
    mood: 90s
  evidence_required: [goal]
  default_max_step: 0.5
`

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadEnvDefaults(t *testing.T) {
	for _, k := range []string{"SOULSEED_ROOT", "SOULSEED_LOCK_TIMEOUT", "SOULSEED_LOG_LEVEL", "SOULSEED_POLICY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultEnv(), cfg)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SOULSEED_ROOT", "/srv/persona")
	t.Setenv("SOULSEED_LOCK_TIMEOUT", "2s")
	t.Setenv("SOULSEED_LOCK_POLL", "10ms")
	t.Setenv("SOULSEED_LOG_LEVEL", "DEBUG")
	t.Setenv("SOULSEED_TRACE_INDEX", "/srv/persona/provenance.db")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "/srv/persona", cfg.Root)
	assert.Equal(t, "/srv/persona/provenance.db", cfg.TraceIndex)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	lc := cfg.LockConfig()
	assert.Equal(t, 2*time.Second, lc.Timeout)
	assert.Equal(t, 10*time.Millisecond, lc.PollInterval)
	assert.Equal(t, 30*time.Second, lc.TTL)
}

func TestLoadEnvMalformedFallsBack(t *testing.T) {
	t.Setenv("SOULSEED_LOCK_TIMEOUT", "soon")
	cfg, err := LoadEnv()
	require.Error(t, err)
	assert.Equal(t, DefaultEnv(), cfg)
}

func TestParsePolicyFull(t *testing.T) {
	p, err := ParsePolicy([]byte(fullPolicy))
	require.NoError(t, err)

	assert.Len(t, p.Table.Rules(), 2)
	bound, ok := p.Table.Bound(state.DomainBelief)
	require.True(t, ok)
	assert.Equal(t, 0.1, bound)

	assert.Equal(t, 0.4, p.Gate.ConfidenceFloor)
	assert.Equal(t, map[state.Domain]float64{state.DomainBelief: 0.5}, p.Gate.DomainConfidenceFloors)
	assert.Equal(t, map[state.Domain]time.Duration{state.DomainMood: 90 * time.Second}, p.Gate.Cooldowns)
	assert.Equal(t, map[state.Domain]bool{state.DomainGoal: true}, p.Gate.EvidenceRequired)
	assert.Equal(t, 0.5, p.Gate.DefaultMaxStep)
}

func TestParsePolicyAbsentSectionsKeepDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte("gates:\n  cooldowns: {}\n"))
	require.NoError(t, err)

	def := gate.DefaultGateConfig()
	assert.Empty(t, p.Table.Rules())
	assert.Empty(t, p.Gate.Cooldowns, "a present empty section replaces the default")
	assert.Equal(t, def.EvidenceRequired, p.Gate.EvidenceRequired)
	assert.Equal(t, def.DomainConfidenceFloors, p.Gate.DomainConfidenceFloors)
	assert.Equal(t, def.ConfidenceFloor, p.Gate.ConfidenceFloor)
}

func TestParsePolicyEmpty(t *testing.T) {
	p, err := ParsePolicy([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, gate.DefaultGateConfig(), p.Gate)
	assert.Empty(t, p.Table.Rules())
}

func TestParsePolicyRejectsBadSections(t *testing.T) {
	cases := map[string]string{
		"unknown domain":   "gates:\n  cooldowns:\n    soul: 1h\n",
		"floor range":      "gates:\n  confidence_floor: 1.5\n",
		"negative step":    "gates:\n  default_max_step: -1\n",
		"bad duration":     "gates:\n  cooldowns:\n    mood: later\n",
		"evidence domain":  "gates:\n  evidence_required: [dreams]\n",
		"bad rule":         "rules:\n  - id: x\n    domain: mood\n    metric: vibes\n    comparator: lte\n    threshold: 1\n",
		"malformed yaml":   "rules: [\n",
		"floor per domain": "gates:\n  domain_confidence_floors:\n    mood: -0.1\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyNeverFails(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, gate.DefaultGateConfig(), LoadPolicy("", nil).Gate)
	assert.Equal(t, gate.DefaultGateConfig(), LoadPolicy(filepath.Join(dir, "missing.yaml"), nil).Gate)

	bad := writePolicy(t, dir, "gates:\n  confidence_floor: 7\n")
	assert.Equal(t, gate.DefaultGateConfig(), LoadPolicy(bad, nil).Gate)
}

func TestPolicySourceReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, fullPolicy)
	src := NewPolicySource(path, nil)
	require.Equal(t, 0.4, src.Current().Gate.ConfidenceFloor)

	var reloaded []Policy
	src.OnReload(func(p Policy) { reloaded = append(reloaded, p) })

	writePolicy(t, dir, "gates:\n  confidence_floor: 0.6\n")
	require.NoError(t, src.Reload())
	assert.Equal(t, 0.6, src.Current().Gate.ConfidenceFloor)
	assert.Empty(t, src.Current().Table.Rules(), "rules section removed")
	require.Len(t, reloaded, 1)

	writePolicy(t, dir, "gates: [")
	require.Error(t, src.Reload())
	assert.Equal(t, 0.6, src.Current().Gate.ConfidenceFloor)
	assert.Len(t, reloaded, 1)
}

func TestPolicySourceWatch(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, fullPolicy)
	src := NewPolicySource(path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx))

	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	writePolicy(t, dir, "gates:\n  default_max_step: 0.25\n")

	require.Eventually(t, func() bool {
		return src.Current().Gate.DefaultMaxStep == 0.25
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStaticPolicy(t *testing.T) {
	p := DefaultPolicy()
	var prov Provider = StaticPolicy(p)
	assert.Equal(t, p.Gate, prov.Current().Gate)
	assert.NotNil(t, prov.Current().NewGate())
}
