package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/gate"
)

const provenanceSchema = `CREATE TABLE IF NOT EXISTS provenance_log (
	turn_id       TEXT NOT NULL,
	delta_index   INTEGER NOT NULL,
	domain        TEXT NOT NULL,
	target_id     TEXT,
	verdict       TEXT NOT NULL,
	gate          TEXT NOT NULL,
	reason        TEXT,
	applied       INTEGER NOT NULL,
	patch_json    TEXT,
	evidence_refs TEXT,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (turn_id, delta_index)
);
CREATE INDEX IF NOT EXISTS idx_provenance_domain ON provenance_log (domain, created_at);`

// indexTimeFormat has fixed width so created_at sorts lexically.
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table. Writing the
// same (turn, delta) twice replaces the row, so rebuilding from the trace is
// repeatable.
func LogDecision(db execer, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT OR REPLACE INTO provenance_log
		 (turn_id, delta_index, domain, target_id, verdict, gate, reason, applied, patch_json, evidence_refs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TurnID,
		entry.DeltaIndex,
		entry.Domain,
		nullIfEmpty(entry.TargetID),
		entry.Verdict,
		entry.Gate,
		nullIfEmpty(entry.Reason),
		entry.Applied,
		nullIfEmpty(entry.PatchJSON),
		nullIfEmpty(entry.EvidenceRefs),
		entry.CreatedAt.UTC().Format(indexTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// #endregion log-decision

// #region entries
// Entries flattens a commit record into one provenance row per gate result.
func Entries(rec DeltaCommitResult) []ProvenanceEntry {
	out := make([]ProvenanceEntry, 0, len(rec.GateResults))
	for _, gr := range rec.GateResults {
		if gr.DeltaIndex < 0 || gr.DeltaIndex >= len(rec.Proposal.Deltas) {
			continue
		}
		d := rec.Proposal.Deltas[gr.DeltaIndex]
		patch, _ := json.Marshal(gr.Effective(d))
		entry := ProvenanceEntry{
			TurnID:       rec.TurnID,
			DeltaIndex:   gr.DeltaIndex,
			Domain:       string(d.Type),
			TargetID:     d.TargetID,
			Verdict:      string(gr.Verdict),
			Gate:         gr.Gate,
			Reason:       gr.Reason,
			Applied:      gr.Verdict.Applies(),
			PatchJSON:    string(patch),
			EvidenceRefs: strings.Join(d.SupportingEventHashes, ","),
			CreatedAt:    rec.CommittedAt,
		}
		// an accepted delta can still fail to apply
		for _, rj := range rec.RejectedDeltas {
			if rj.DeltaIndex == gr.DeltaIndex && gr.Verdict.Applies() {
				entry.Applied = false
				entry.Reason = rj.Reason
			}
		}
		out = append(out, entry)
	}
	return out
}

// #endregion entries

// #region index
// Index is a queryable SQLite mirror of delta_trace.jsonl. The JSONL file stays
// the source of truth; the index can always be rebuilt from it.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index database at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open provenance index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(provenanceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create provenance schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Record mirrors one commit record in a single transaction.
func (ix *Index) Record(rec DeltaCommitResult) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, e := range Entries(rec) {
		if err := LogDecision(tx, e); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rebuild clears the index and replays every record of the trace file.
// It returns the number of transactions indexed.
func (ix *Index) Rebuild(tracePath string) (int, error) {
	records, err := ReadTrace(tracePath)
	if err != nil {
		return 0, fmt.Errorf("rebuild: %w", err)
	}
	if _, err := ix.db.Exec(`DELETE FROM provenance_log`); err != nil {
		return 0, fmt.Errorf("rebuild: clear: %w", err)
	}
	for _, rec := range records {
		if err := ix.Record(rec); err != nil {
			return 0, fmt.Errorf("rebuild turn %s: %w", rec.TurnID, err)
		}
	}
	return len(records), nil
}

// Query filters rows; zero fields match everything.
type Query struct {
	TurnID  string
	Domain  string
	Verdict gate.Verdict
	Limit   int
}

// Find returns matching rows, newest first.
func (ix *Index) Find(q Query) ([]ProvenanceEntry, error) {
	var where []string
	var args []any
	if q.TurnID != "" {
		where = append(where, "turn_id = ?")
		args = append(args, q.TurnID)
	}
	if q.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, q.Domain)
	}
	if q.Verdict != "" {
		where = append(where, "verdict = ?")
		args = append(args, string(q.Verdict))
	}
	query := `SELECT turn_id, delta_index, domain, target_id, verdict, gate, reason, applied, patch_json, evidence_refs, created_at
		FROM provenance_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, turn_id, delta_index"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query provenance: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var (
			e                           ProvenanceEntry
			target, reason, patch, refs sql.NullString
			created                     string
		)
		if err := rows.Scan(&e.TurnID, &e.DeltaIndex, &e.Domain, &target, &e.Verdict, &e.Gate,
			&reason, &e.Applied, &patch, &refs, &created); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		e.TargetID, e.Reason, e.PatchJSON, e.EvidenceRefs = target.String, reason.String, patch.String, refs.String
		e.CreatedAt, _ = time.Parse(indexTimeFormat, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerdictCounts tallies rows by verdict.
func (ix *Index) VerdictCounts() (map[string]int, error) {
	rows, err := ix.db.Query(`SELECT verdict, COUNT(*) FROM provenance_log GROUP BY verdict`)
	if err != nil {
		return nil, fmt.Errorf("count verdicts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("scan verdict count: %w", err)
		}
		out[v] = n
	}
	return out, rows.Err()
}

// #endregion index

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
