package models

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// JobState enumerates the lifecycle of one search job.
type JobState string

const (
	StateIdle      JobState = "idle"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCancelled JobState = "cancelled"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are possible for the job id.
func (s JobState) Terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// Live reports whether the job currently owns a worker loop.
func (s JobState) Live() bool {
	return s == StateRunning || s == StatePaused
}

// UnboundedBatch marks a search with no upper batch index.
const UnboundedBatch uint64 = math.MaxUint64

const (
	// SeedLength is the number of symbols in a seed.
	SeedLength = 8
	// SeedAlphabet lists the symbols a seed is drawn from, in index order.
	SeedAlphabet = "123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// MaxBatchSize keeps one batch inside the seed space.
	MaxBatchSize = SeedLength - 1
)

// SearchCriteria holds the immutable parameters of one job.
type SearchCriteria struct {
	ThreadCount int    `json:"thread_count" yaml:"thread_count"`
	BatchSize   int    `json:"batch_size" yaml:"batch_size"`
	StartBatch  uint64 `json:"start_batch" yaml:"start_batch"`
	EndBatch    uint64 `json:"end_batch" yaml:"end_batch"`
	MinScore    int64  `json:"min_score" yaml:"min_score"`
	DebugSeed   string `json:"debug_seed,omitempty" yaml:"debug_seed,omitempty"`
	Deck        string `json:"deck,omitempty" yaml:"deck,omitempty"`
	Stake       string `json:"stake,omitempty" yaml:"stake,omitempty"`
}

// Bounded reports whether EndBatch is a real upper limit.
func (c SearchCriteria) Bounded() bool {
	return c.EndBatch != UnboundedBatch
}

// Validate checks the criteria before a job is started.
func (c SearchCriteria) Validate() error {
	if c.ThreadCount < 1 {
		return fmt.Errorf("thread_count must be at least 1, got %d", c.ThreadCount)
	}
	if c.BatchSize < 0 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size must be within [0, %d], got %d", MaxBatchSize, c.BatchSize)
	}
	if c.Bounded() && c.EndBatch <= c.StartBatch {
		return fmt.Errorf("end_batch %d must be greater than start_batch %d", c.EndBatch, c.StartBatch)
	}
	if c.DebugSeed != "" && !ValidSeed(c.DebugSeed) {
		return fmt.Errorf("debug_seed %q is not a valid seed", c.DebugSeed)
	}
	return nil
}

// ValidSeed reports whether s is SeedLength symbols of SeedAlphabet.
func ValidSeed(s string) bool {
	if len(s) != SeedLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(SeedAlphabet, r) {
			return false
		}
	}
	return true
}

// DefaultWeight is the weight a should clause gets when a descriptor file omits it.
const DefaultWeight = 1

// Clause is one matching rule of a filter. Weight scales a should clause's value
// into its tally; zero means the clause is recorded but adds nothing to the score.
type Clause struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
	Min    int64  `json:"min,omitempty" yaml:"min,omitempty"`
	Weight int64  `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// FilterDescriptor carries the matching rules handed to the evaluation engine.
// Should clauses double as the tally columns of the result table.
type FilterDescriptor struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Must    []Clause `json:"must,omitempty" yaml:"must,omitempty"`
	Should  []Clause `json:"should,omitempty" yaml:"should,omitempty"`
	MustNot []Clause `json:"must_not,omitempty" yaml:"must_not,omitempty"`
}

var tallyNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidColumnName reports whether name can be used as a tally column.
func ValidColumnName(name string) bool {
	if !tallyNamePattern.MatchString(name) {
		return false
	}
	switch strings.ToLower(name) {
	case "seed", "score":
		return false
	}
	return true
}

// WithDefaults returns a copy in which every should clause without a weight gets
// DefaultWeight. Descriptor files cannot express a zero weight.
func (f FilterDescriptor) WithDefaults() FilterDescriptor {
	should := make([]Clause, len(f.Should))
	copy(should, f.Should)
	for i := range should {
		if should[i].Weight == 0 {
			should[i].Weight = DefaultWeight
		}
	}
	f.Should = should
	return f
}

// TallyColumns returns the scoring column names in declaration order.
func (f FilterDescriptor) TallyColumns() []string {
	cols := make([]string, 0, len(f.Should))
	for _, c := range f.Should {
		cols = append(cols, c.Name)
	}
	return cols
}

// Validate rejects malformed predicates.
func (f FilterDescriptor) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("filter id is required")
	}
	if len(f.Must)+len(f.Should)+len(f.MustNot) == 0 {
		return errors.New("filter has no clauses")
	}
	for _, group := range [][]Clause{f.Must, f.MustNot} {
		for i, c := range group {
			if strings.TrimSpace(c.Name) == "" {
				return fmt.Errorf("clause %d has no name", i)
			}
		}
	}
	seen := make(map[string]struct{}, len(f.Should))
	for _, c := range f.Should {
		if !ValidColumnName(c.Name) {
			return fmt.Errorf("should clause %q is not a valid column name", c.Name)
		}
		key := strings.ToLower(c.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate should clause %q", c.Name)
		}
		seen[key] = struct{}{}
		if c.Weight < 0 {
			return fmt.Errorf("should clause %q has negative weight", c.Name)
		}
	}
	return nil
}

// ResultRow is one match reported by the engine.
type ResultRow struct {
	Seed    string  `json:"seed"`
	Score   int64   `json:"score"`
	Tallies []int64 `json:"tallies"`
}

// Checkpoint is the durable resume record of a job.
type Checkpoint struct {
	JobID              string         `json:"job_id"`
	LastCompletedBatch uint64         `json:"last_batch"`
	BatchSize          int            `json:"batch_size"`
	TotalBatches       uint64         `json:"total_batches,omitempty"`
	Criteria           SearchCriteria `json:"criteria"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ProgressSnapshot is a point-in-time view over a job's live counters.
type ProgressSnapshot struct {
	JobID            string        `json:"job_id"`
	State            JobState      `json:"state"`
	BatchesCompleted uint64        `json:"batches_completed"`
	PercentComplete  float64       `json:"percent_complete"`
	SeedsSearched    uint64        `json:"seeds_searched"`
	SeedsPerMs       float64       `json:"seeds_per_ms"`
	ResultsFound     int64         `json:"results_found"`
	Elapsed          time.Duration `json:"elapsed"`
	// Remaining is only meaningful when RemainingKnown is set.
	Remaining      time.Duration `json:"remaining"`
	RemainingKnown bool          `json:"remaining_known"`
	Message        string        `json:"message"`
}
