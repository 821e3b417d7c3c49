package state

import (
	"fmt"
	"time"
)

// #region domain
// Domain tags one persona state document.
type Domain string

const (
	DomainRelationship Domain = "relationship"
	DomainMood         Domain = "mood"
	DomainBelief       Domain = "belief"
	DomainGoal         Domain = "goal"
	DomainValue        Domain = "value"
	DomainPersonality  Domain = "personality"
	DomainEpigenetics  Domain = "epigenetics"
	DomainInterests    Domain = "interests"
	DomainCognition    Domain = "cognition"
	DomainVoice        Domain = "voice"
	DomainSocialGraph  Domain = "social_graph"
)

var domainFiles = map[Domain]string{
	DomainRelationship: "relationship_state.json",
	DomainMood:         "mood_state.json",
	DomainBelief:       "beliefs.json",
	DomainGoal:         "goals.json",
	DomainValue:        "values_rules.json",
	DomainPersonality:  "personality_profile.json",
	DomainEpigenetics:  "epigenetics.json",
	DomainInterests:    "interests.json",
	DomainCognition:    "cognition_state.json",
	DomainVoice:        "voice_profile.json",
	DomainSocialGraph:  "social_graph.json",
}

// AllDomains returns every domain in a stable order.
func AllDomains() []Domain {
	return []Domain{
		DomainRelationship, DomainMood, DomainBelief, DomainGoal, DomainValue,
		DomainPersonality, DomainEpigenetics, DomainInterests, DomainCognition,
		DomainVoice, DomainSocialGraph,
	}
}

// FileName returns the storage document name for d.
func (d Domain) FileName() (string, bool) {
	name, ok := domainFiles[d]
	return name, ok
}

// Valid reports whether d is one of the known domains.
func (d Domain) Valid() bool {
	_, ok := domainFiles[d]
	return ok
}

// ParseDomain validates a domain tag.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return d, nil
}

// #endregion domain

// #region files
// Files that live at the storage root besides the domain documents.
const (
	GenomeFile       = "genome.json"
	TraceFile        = "delta_trace.jsonl"
	MigrationLogFile = "migration_log.jsonl"
	LockFile         = ".lock"
	SnapshotFile     = "migration_snapshot.json"
	BackupDir        = "migration-backups"
)

// Reserved document keys.
const (
	KeySchemaVersion = "schemaVersion"
	KeyUpdatedAt     = "updatedAt"
	KeyLastDeltaAt   = "_lastDeltaAt"
)

// CurrentSchemaVersion is stamped on documents that carry none.
const CurrentSchemaVersion = 1

// #endregion files

// #region document
// Document is one decoded JSON state document.
type Document map[string]any

// Clone returns a shallow copy of doc. Nested values are shared.
func (doc Document) Clone() Document {
	out := make(Document, len(doc)+2)
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// LastDeltaAt reads the _lastDeltaAt stamp, if any.
func (doc Document) LastDeltaAt() (time.Time, bool) {
	s, ok := doc[KeyLastDeltaAt].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// #endregion document

// #region load-result
// LoadStatus distinguishes a missing document from a corrupt one.
type LoadStatus int

const (
	Absent LoadStatus = iota
	Present
	Corrupt
)

func (s LoadStatus) String() string {
	switch s {
	case Present:
		return "present"
	case Corrupt:
		return "corrupt"
	default:
		return "absent"
	}
}

// LoadResult is the outcome of reading one document.
// Doc is non-nil only when Status is Present; Err is set only when Corrupt.
type LoadResult struct {
	Status LoadStatus
	Doc    Document
	Err    error
}

// OrEmpty returns the loaded document, or an empty one when absent or corrupt.
func (r LoadResult) OrEmpty() Document {
	if r.Status == Present && r.Doc != nil {
		return r.Doc
	}
	return Document{}
}

// #endregion load-result
