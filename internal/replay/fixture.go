package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/logging"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/update"
)

// #region fixture-types
// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string                          `json:"description"`
	PolicyFile  string                          `json:"policy_file,omitempty"` // relative to the fixture
	Now         time.Time                       `json:"now,omitempty"`
	Seed        map[state.Domain]state.Document `json:"seed,omitempty"`
	Cases       []FixtureCase                   `json:"cases"`

	dir string
}

// FixtureCase is one recorded input with its expected control flow.
type FixtureCase struct {
	Name     string                    `json:"name"`
	Mode     string                    `json:"mode,omitempty"`
	At       time.Time                 `json:"at,omitempty"`
	Proposal update.StateDeltaProposal `json:"proposal"`
	Expected Expected                  `json:"expected"`
}

// #endregion fixture-types

// #region fixture-loader
// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	for i, c := range f.Cases {
		if c.Name == "" {
			f.Cases[i].Name = fmt.Sprintf("case-%d", i+1)
		}
	}
	f.dir = filepath.Dir(path)
	return &f, nil
}

// PolicyPath resolves PolicyFile against the fixture's directory. Empty when
// the fixture names no policy.
func (f *Fixture) PolicyPath() string {
	if f.PolicyFile == "" || filepath.IsAbs(f.PolicyFile) {
		return f.PolicyFile
	}
	return filepath.Join(f.dir, f.PolicyFile)
}

// ToCases converts fixture cases to harness cases.
func (f *Fixture) ToCases() []Case {
	out := make([]Case, len(f.Cases))
	for i, c := range f.Cases {
		mode := c.Mode
		if mode == "" {
			mode = logging.ModeLive
		}
		out[i] = Case{
			Name:     c.Name,
			Input:    Input{Proposal: c.Proposal, Mode: mode, At: c.At},
			Expected: c.Expected,
		}
	}
	return out
}

// Start is the instant a replay clock should begin at: Now, else the first
// case's recorded instant. Zero when the fixture records no time at all.
func (f *Fixture) Start() time.Time {
	if !f.Now.IsZero() {
		return f.Now
	}
	for _, c := range f.Cases {
		if !c.At.IsZero() {
			return c.At
		}
	}
	return time.Time{}
}

// SeedStore writes the fixture's seed documents into store.
func (f *Fixture) SeedStore(store *state.Store) error {
	for d, doc := range f.Seed {
		if err := store.Write(d, doc); err != nil {
			return fmt.Errorf("seed %s: %w", d, err)
		}
	}
	return nil
}

// #endregion fixture-loader

// #region fixture-export
// FromTrace builds a fixture from recorded commit traces. Records without a
// pipeline trace carry no control flow to compare and are skipped. Each case
// keeps the instant it was committed at, and Now is set to the first of them.
func FromTrace(description string, records []logging.DeltaCommitResult) Fixture {
	f := Fixture{Description: description, Cases: []FixtureCase{}}
	for _, rec := range records {
		if rec.Pipeline == nil {
			continue
		}
		at := rec.CommittedAt
		if at.IsZero() {
			at = rec.Proposal.ProposedAt
		}
		if f.Now.IsZero() {
			f.Now = at
		}
		f.Cases = append(f.Cases, FixtureCase{
			Name:     rec.TurnID,
			Mode:     rec.Pipeline.Mode,
			At:       at,
			Proposal: rec.Proposal,
			Expected: Expected{
				Stages: append([]string(nil), rec.Pipeline.Stages...),
				Route:  rec.Pipeline.Route,
				Mode:   rec.Pipeline.Mode,
			},
		})
	}
	return f
}

// WriteFixture writes f as indented JSON.
func WriteFixture(path string, f Fixture) error {
	data, err := state.MarshalDocument(f)
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := state.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-export
