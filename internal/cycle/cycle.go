// Package cycle defines the domain types shared by the improvement-cycle
// engine: proposals, changesets, and the per-cycle record the orchestrator
// owns while a cycle is live.
package cycle

import (
	"fmt"
	"time"
)

// Stage identifies where a cycle currently is in its lifecycle.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageAnalyzing    Stage = "analyzing"
	StageProposing    Stage = "proposing"
	StageImplementing Stage = "implementing"
	StageValidating   Stage = "validating"
	StageFixing       Stage = "fixing"
	StagePublishing   Stage = "publishing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Terminal reports whether the stage ends a cycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Failure reasons recorded on terminal cycles.
const (
	ReasonTransientError    = "transient_error"
	ReasonSafetyCheckFailed = "safety_check_failed"
	ReasonPublishFailed     = "publish_failed"
	ReasonRateLimited       = "rate_limited"
	ReasonCancelled         = "cancelled"
)

// Op is the kind of edit a changeset entry applies to its path.
type Op string

const (
	OpReplace Op = "replace"
	OpCreate  Op = "create"
	OpDelete  Op = "delete"
	OpInsert  Op = "insert"
)

// Change is a single file-level edit.
type Change struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Op      Op     `json:"op"`
}

// ChangeSet is an ordered set of file edits with unique repository-relative
// paths. Order is the order the implementer produced the entries in.
type ChangeSet struct {
	entries []Change
	index   map[string]int
}

// NewChangeSet builds a changeset from entries, rejecting duplicate paths.
func NewChangeSet(entries []Change) (*ChangeSet, error) {
	cs := &ChangeSet{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		if e.Op == "" {
			e.Op = OpReplace
		}
		if err := cs.Add(e); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// Add appends an entry. Duplicate paths are an error, not an overwrite.
func (cs *ChangeSet) Add(e Change) error {
	if cs.index == nil {
		cs.index = make(map[string]int)
	}
	if _, exists := cs.index[e.Path]; exists {
		return fmt.Errorf("duplicate path in changeset: %s", e.Path)
	}
	cs.index[e.Path] = len(cs.entries)
	cs.entries = append(cs.entries, e)
	return nil
}

// Entries returns the edits in insertion order. The returned slice is a copy.
func (cs *ChangeSet) Entries() []Change {
	if cs == nil {
		return nil
	}
	out := make([]Change, len(cs.entries))
	copy(out, cs.entries)
	return out
}

// Len returns the number of entries.
func (cs *ChangeSet) Len() int {
	if cs == nil {
		return 0
	}
	return len(cs.entries)
}

// Paths returns the entry paths in insertion order.
func (cs *ChangeSet) Paths() []string {
	if cs == nil {
		return nil
	}
	paths := make([]string, len(cs.entries))
	for i, e := range cs.entries {
		paths[i] = e.Path
	}
	return paths
}

// Get returns the entry for path, if present.
func (cs *ChangeSet) Get(path string) (Change, bool) {
	if cs == nil {
		return Change{}, false
	}
	i, ok := cs.index[path]
	if !ok {
		return Change{}, false
	}
	return cs.entries[i], true
}

// Summary is the compact form recorded in the ledger: paths and ops only,
// never full content.
func (cs *ChangeSet) Summary() []ChangeSummary {
	if cs == nil {
		return nil
	}
	out := make([]ChangeSummary, len(cs.entries))
	for i, e := range cs.entries {
		out[i] = ChangeSummary{Path: e.Path, Op: e.Op, Bytes: len(e.Content)}
	}
	return out
}

// ChangeSummary describes one changeset entry without its content.
type ChangeSummary struct {
	Path  string `json:"path"`
	Op    Op     `json:"op"`
	Bytes int    `json:"bytes"`
}

// Record is the full account of one improvement cycle. Created at cycle
// start, mutated only by the orchestrator, closed on a terminal stage.
type Record struct {
	ID            string          `json:"id"`
	Stage         Stage           `json:"stage"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Attempts      int             `json:"attempts"`
	Proposal      *Proposal       `json:"proposal,omitempty"`
	Changes       []ChangeSummary `json:"changes,omitempty"`
	PublishURL    string          `json:"publish_url,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
}
