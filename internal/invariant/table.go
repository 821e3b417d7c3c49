package invariant

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
	"gopkg.in/yaml.v3"
)

// #region table
// Table is an immutable, domain-indexed rule set. A nil or empty table is
// permissive: it holds no rules and every evaluation passes.
type Table struct {
	rules    []Rule
	byDomain map[state.Domain][]Rule
}

// NewTable indexes rules. Disabled rules are kept for listing but never evaluated.
func NewTable(rules []Rule) *Table {
	t := &Table{
		rules:    append([]Rule(nil), rules...),
		byDomain: make(map[state.Domain][]Rule),
	}
	for _, r := range t.rules {
		if r.Enabled {
			t.byDomain[r.Domain] = append(t.byDomain[r.Domain], r)
		}
	}
	return t
}

// Empty returns the permissive table.
func Empty() *Table {
	return NewTable(nil)
}

// Rules returns every loaded rule, including disabled ones.
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	return append([]Rule(nil), t.rules...)
}

// ForDomain returns the enabled rules for d.
func (t *Table) ForDomain(d state.Domain) []Rule {
	if t == nil {
		return nil
	}
	return append([]Rule(nil), t.byDomain[d]...)
}

// #endregion table

// #region evaluate
// Evaluate checks delta against every enabled rule of its domain. Rules whose
// metric cannot be extracted from the delta are not applicable and produce no result.
func (t *Table) Evaluate(delta update.StateDelta) []CheckResult {
	return t.evaluate(delta, nil)
}

// EvaluateBeyondCeilings is Evaluate without the ceiling rules, for callers
// that already enforce Bound by clamping. Floors on max_abs_delta still apply.
func (t *Table) EvaluateBeyondCeilings(delta update.StateDelta) []CheckResult {
	return t.evaluate(delta, Rule.Ceiling)
}

func (t *Table) evaluate(delta update.StateDelta, skip func(Rule) bool) []CheckResult {
	if t == nil {
		return nil
	}
	var out []CheckResult
	for _, r := range t.byDomain[delta.Type] {
		if skip != nil && skip(r) {
			continue
		}
		actual, ok := Extract(r.Metric, delta)
		if !ok {
			continue
		}
		passed := r.Comparator.Holds(actual, r.Threshold)
		msg := "ok"
		if !passed {
			msg = fmt.Sprintf("invariant %s: %s=%g violates %s %g", r.ID, r.Metric, actual, r.Comparator, r.Threshold)
		}
		out = append(out, CheckResult{Rule: r, Actual: actual, Passed: passed, Message: msg})
	}
	return out
}

// Bound returns the tightest max_abs_delta ceiling (lt/lte rules) for d.
func (t *Table) Bound(d state.Domain) (float64, bool) {
	if t == nil {
		return 0, false
	}
	bound := math.Inf(1)
	for _, r := range t.byDomain[d] {
		if !r.Ceiling() {
			continue
		}
		if r.Threshold < bound {
			bound = r.Threshold
		}
	}
	if math.IsInf(bound, 1) {
		return 0, false
	}
	return bound, true
}

// Coverage lists the required domains that have no enabled rule.
func (t *Table) Coverage() []state.Domain {
	var missing []state.Domain
	for _, d := range RequiredDomains {
		if len(t.ForDomain(d)) == 0 {
			missing = append(missing, d)
		}
	}
	return missing
}

// #endregion evaluate

// #region load
// ruleFile is the on-disk shape. Enabled is a pointer so an omitted field
// defaults to true.
type ruleFile struct {
	Rules []rawRule `yaml:"rules"`
}

type rawRule struct {
	ID         string     `yaml:"id"`
	Domain     string     `yaml:"domain"`
	Metric     string     `yaml:"metric"`
	Comparator Comparator `yaml:"comparator"`
	Threshold  float64    `yaml:"threshold"`
	Enabled    *bool      `yaml:"enabled"`
}

// DecodeRules converts raw YAML (or JSON) rule nodes into validated rules.
func DecodeRules(node *yaml.Node) ([]Rule, error) {
	var raw []rawRule
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invariant: decode rules: %w", err)
	}
	return convertRules(raw)
}

func convertRules(raw []rawRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, rr := range raw {
		r := Rule{
			ID:         rr.ID,
			Domain:     state.Domain(rr.Domain),
			Metric:     rr.Metric,
			Comparator: Comparator(strings.ToLower(string(rr.Comparator))),
			Threshold:  rr.Threshold,
			Enabled:    rr.Enabled == nil || *rr.Enabled,
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("invariant %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}
	return rules, nil
}

// Parse decodes a YAML or JSON rule file.
func Parse(data []byte) (*Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Empty(), nil
	}
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invariant: decode: %w", err)
	}
	rules, err := convertRules(f.Rules)
	if err != nil {
		return nil, err
	}
	return NewTable(rules), nil
}

// Load reads a rule file. It never fails: on any error it logs a warning and
// returns the permissive empty table.
func Load(path string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Empty()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("invariant table unavailable, using empty table", "path", path, "error", err)
		return Empty()
	}
	t, err := Parse(data)
	if err != nil {
		logger.Warn("invariant table invalid, using empty table", "path", path, "error", err)
		return Empty()
	}
	return t
}

// #endregion load
