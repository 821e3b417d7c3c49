package invariant

import (
	"fmt"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region comparator
// Comparator relates a metric's actual value to a rule threshold. A rule passes
// when `actual <comparator> threshold` holds.
type Comparator string

const (
	LT  Comparator = "lt"
	LTE Comparator = "lte"
	GT  Comparator = "gt"
	GTE Comparator = "gte"
	EQ  Comparator = "eq"
)

// Holds evaluates the comparison.
func (c Comparator) Holds(actual, threshold float64) bool {
	switch c {
	case LT:
		return actual < threshold
	case LTE:
		return actual <= threshold
	case GT:
		return actual > threshold
	case GTE:
		return actual >= threshold
	case EQ:
		return actual == threshold
	default:
		return false
	}
}

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case LT, LTE, GT, GTE, EQ:
		return true
	}
	return false
}

// #endregion comparator

// #region rule
// Metric names understood by Extract. patch.<key> metrics use MetricPatchPrefix.
const (
	MetricMaxAbsDelta   = "max_abs_delta"
	MetricConfidence    = "confidence"
	MetricEvidenceCount = "evidence_count"
	MetricPatchPrefix   = "patch."
)

// Rule bounds one derived metric of deltas in one domain.
type Rule struct {
	ID         string       `yaml:"id" json:"id"`
	Domain     state.Domain `yaml:"domain" json:"domain"`
	Metric     string       `yaml:"metric" json:"metric"`
	Comparator Comparator   `yaml:"comparator" json:"comparator"`
	Threshold  float64      `yaml:"threshold" json:"threshold"`
	Enabled    bool         `yaml:"enabled" json:"enabled"`
}

// Ceiling reports whether r caps delta magnitude, the kind of rule Bound reads.
func (r Rule) Ceiling() bool {
	return r.Metric == MetricMaxAbsDelta && (r.Comparator == LT || r.Comparator == LTE)
}

// Validate checks the rule shape.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("invariant: rule id is empty")
	}
	if !r.Domain.Valid() {
		return fmt.Errorf("invariant %s: unknown domain %q", r.ID, r.Domain)
	}
	if !r.Comparator.Valid() {
		return fmt.Errorf("invariant %s: unknown comparator %q", r.ID, r.Comparator)
	}
	if !validMetric(r.Metric) {
		return fmt.Errorf("invariant %s: unknown metric %q", r.ID, r.Metric)
	}
	return nil
}

// #endregion rule

// #region check-result
// CheckResult is the evaluation of one rule against one delta.
type CheckResult struct {
	Rule    Rule    `json:"rule"`
	Actual  float64 `json:"actual"`
	Passed  bool    `json:"passed"`
	Message string  `json:"message"`
}

// #endregion check-result

// RequiredDomains must be covered by at least one enabled rule.
var RequiredDomains = []state.Domain{
	state.DomainRelationship,
	state.DomainMood,
	state.DomainBelief,
	state.DomainEpigenetics,
}
