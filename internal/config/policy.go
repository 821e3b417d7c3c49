package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/invariant"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// #region policy
// Policy is one consistent view of the governance settings.
type Policy struct {
	Table *invariant.Table
	Gate  gate.GateConfig
}

// DefaultPolicy is the stock gate configuration with no invariant rules.
func DefaultPolicy() Policy {
	return Policy{Table: invariant.Empty(), Gate: gate.DefaultGateConfig()}
}

// NewGate builds a gate engine for this policy.
func (p Policy) NewGate() *gate.Gate {
	return gate.NewGate(p.Gate, p.Table)
}

// #endregion policy

// #region parse
type policyFile struct {
	Rules yaml.Node    `yaml:"rules"`
	Gates *gatesConfig `yaml:"gates"`
}

// gatesConfig mirrors gate.GateConfig. A key that is present replaces the
// matching default section; an absent key keeps it.
type gatesConfig struct {
	ConfidenceFloor        *float64                 `yaml:"confidence_floor"`
	DomainConfidenceFloors map[string]float64       `yaml:"domain_confidence_floors"`
	Cooldowns              map[string]time.Duration `yaml:"cooldowns"`
	EvidenceRequired       []string                 `yaml:"evidence_required"`
	DefaultMaxStep         *float64                 `yaml:"default_max_step"`
}

// ParsePolicy decodes a policy document. Empty input yields DefaultPolicy.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if f.Rules.Kind != 0 {
		rules, err := invariant.DecodeRules(&f.Rules)
		if err != nil {
			return Policy{}, err
		}
		p.Table = invariant.NewTable(rules)
	}
	if f.Gates != nil {
		cfg, err := f.Gates.apply(p.Gate)
		if err != nil {
			return Policy{}, err
		}
		p.Gate = cfg
	}
	return p, nil
}

func (g *gatesConfig) apply(cfg gate.GateConfig) (gate.GateConfig, error) {
	if g.ConfidenceFloor != nil {
		if *g.ConfidenceFloor < 0 || *g.ConfidenceFloor > 1 {
			return cfg, fmt.Errorf("gates.confidence_floor %v: outside [0,1]", *g.ConfidenceFloor)
		}
		cfg.ConfidenceFloor = *g.ConfidenceFloor
	}
	if g.DomainConfidenceFloors != nil {
		floors := make(map[state.Domain]float64, len(g.DomainConfidenceFloors))
		for name, f := range g.DomainConfidenceFloors {
			d, err := state.ParseDomain(name)
			if err != nil {
				return cfg, fmt.Errorf("gates.domain_confidence_floors: %w", err)
			}
			if f < 0 || f > 1 {
				return cfg, fmt.Errorf("gates.domain_confidence_floors.%s %v: outside [0,1]", name, f)
			}
			floors[d] = f
		}
		cfg.DomainConfidenceFloors = floors
	}
	if g.Cooldowns != nil {
		cooldowns := make(map[state.Domain]time.Duration, len(g.Cooldowns))
		for name, dur := range g.Cooldowns {
			d, err := state.ParseDomain(name)
			if err != nil {
				return cfg, fmt.Errorf("gates.cooldowns: %w", err)
			}
			if dur < 0 {
				return cfg, fmt.Errorf("gates.cooldowns.%s %s: negative", name, dur)
			}
			cooldowns[d] = dur
		}
		cfg.Cooldowns = cooldowns
	}
	if g.EvidenceRequired != nil {
		required := make(map[state.Domain]bool, len(g.EvidenceRequired))
		for _, name := range g.EvidenceRequired {
			d, err := state.ParseDomain(name)
			if err != nil {
				return cfg, fmt.Errorf("gates.evidence_required: %w", err)
			}
			required[d] = true
		}
		cfg.EvidenceRequired = required
	}
	if g.DefaultMaxStep != nil {
		if *g.DefaultMaxStep < 0 {
			return cfg, fmt.Errorf("gates.default_max_step %v: negative", *g.DefaultMaxStep)
		}
		cfg.DefaultMaxStep = *g.DefaultMaxStep
	}
	return cfg, nil
}

// ReadPolicy reads and parses a policy file.
func ReadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// LoadPolicy reads a policy file. It never fails: an empty path yields
// DefaultPolicy, any error is logged and also yields DefaultPolicy.
func LoadPolicy(path string, logger *slog.Logger) Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return DefaultPolicy()
	}
	p, err := ReadPolicy(path)
	if err != nil {
		logger.Warn("policy unavailable, using defaults", "path", path, "error", err)
		return DefaultPolicy()
	}
	return p
}

// #endregion parse
