package run

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxLearnings bounds the per-project learnings ring; older entries fall off.
const MaxLearnings = 100

// Learning is a small record accumulated across runs: what kind of event
// happened, where, and a short summary. Learnings feed subsequent runs as
// read-only context.
type Learning struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	StageID   string         `json:"stage_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Summary   string         `json:"summary"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewLearning creates a learning with a content-derived ID.
func NewLearning(kind, stageID, runID, summary string) Learning {
	l := Learning{
		Kind:      kind,
		StageID:   stageID,
		RunID:     runID,
		Summary:   summary,
		Timestamp: time.Now(),
	}
	l.ID = learningID(l)
	return l
}

// learningID derives a stable identifier from the learning's content and
// timestamp.
func learningID(l Learning) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", l.Kind, l.StageID, l.RunID, l.Summary, l.Timestamp.UnixNano())
	return fmt.Sprintf("%016x", h.Sum64())
}

// LearningStore persists the project-wide learnings ring at a single JSON
// file. Appends rewrite the whole file atomically.
type LearningStore struct {
	path string
}

// NewLearningStore creates a store backed by the given file path.
func NewLearningStore(path string) *LearningStore {
	return &LearningStore{path: path}
}

// Load reads all learnings. A missing file is an empty store.
func (s *LearningStore) Load() ([]Learning, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run: reading learnings: %w", err)
	}
	var learnings []Learning
	if err := json.Unmarshal(data, &learnings); err != nil {
		return nil, fmt.Errorf("run: decoding learnings: %w", err)
	}
	return learnings, nil
}

// Append adds learnings to the ring, trimming to the most recent MaxLearnings,
// and rewrites the file atomically.
func (s *LearningStore) Append(entries ...Learning) error {
	existing, err := s.Load()
	if err != nil {
		return err
	}
	all := append(existing, entries...)
	if len(all) > MaxLearnings {
		all = all[len(all)-MaxLearnings:]
	}
	if err := writeJSONAtomic(s.path, all); err != nil {
		return fmt.Errorf("run: writing learnings: %w", err)
	}
	return nil
}
