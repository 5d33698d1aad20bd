package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"taskmatch/internal/domain"
)

// RuleSet is a conjunction of clauses from a closed vocabulary. An absent
// clause means no constraint on that dimension. There is no OR/NOT.
type RuleSet struct {
	Department     *string `json:"department,omitempty"`
	MinExperience  *int    `json:"min_experience,omitempty"`
	MaxActiveTasks *int    `json:"max_active_tasks,omitempty"`
}

// InvalidRuleSetError reports a malformed or unknown clause. A bad rule set
// fails evaluation for its task; it never silently matches everyone.
type InvalidRuleSetError struct {
	Reason string
}

func (e InvalidRuleSetError) Error() string {
	return "invalid rule set: " + e.Reason
}

// Parse decodes a rule set from its stored JSON form. Unknown fields are
// rejected so a typo'd clause surfaces as a validation error.
func Parse(raw string) (RuleSet, error) {
	var rs RuleSet
	if strings.TrimSpace(raw) == "" {
		return rs, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rs); err != nil {
		return RuleSet{}, InvalidRuleSetError{Reason: err.Error()}
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate checks clause parameters.
func (rs RuleSet) Validate() error {
	if rs.Department != nil && strings.TrimSpace(*rs.Department) == "" {
		return InvalidRuleSetError{Reason: "department clause must not be empty"}
	}
	if rs.MinExperience != nil && *rs.MinExperience < 0 {
		return InvalidRuleSetError{Reason: fmt.Sprintf("min_experience must be >= 0, got %d", *rs.MinExperience)}
	}
	if rs.MaxActiveTasks != nil && *rs.MaxActiveTasks < 0 {
		return InvalidRuleSetError{Reason: fmt.Sprintf("max_active_tasks must be >= 0, got %d", *rs.MaxActiveTasks)}
	}
	return nil
}

// JSON renders the canonical stored form.
func (rs RuleSet) JSON() string {
	data, _ := json.Marshal(rs)
	return string(data)
}

// Scorer computes the ranking score of an eligible user. Load and
// experience trade off: every active task costs LoadWeight points and
// every year of experience earns ExperienceWeight.
type Scorer struct {
	Base             int
	LoadWeight       int
	ExperienceWeight int
}

// DefaultScorer returns the stock weights.
func DefaultScorer() Scorer {
	return Scorer{Base: 100, LoadWeight: 3, ExperienceWeight: 2}
}

func (s Scorer) Score(u domain.Snapshot) int {
	return (s.Base-u.ActiveTaskCount)*s.LoadWeight + u.ExperienceYears*s.ExperienceWeight
}

// Evaluate reports whether the snapshot satisfies every clause, and the
// ranking score when it does. Pure: no I/O, no mutation.
func Evaluate(rs RuleSet, u domain.Snapshot, scorer Scorer) (bool, int, error) {
	if err := rs.Validate(); err != nil {
		return false, 0, err
	}
	if rs.Department != nil && u.Department != *rs.Department {
		return false, 0, nil
	}
	if rs.MinExperience != nil && u.ExperienceYears < *rs.MinExperience {
		return false, 0, nil
	}
	if rs.MaxActiveTasks != nil && u.ActiveTaskCount > *rs.MaxActiveTasks {
		return false, 0, nil
	}
	return true, scorer.Score(u), nil
}

// Candidate is one eligible user with its ranking score.
type Candidate struct {
	UserID string `json:"user_id"`
	Score  int    `json:"score"`
}

// Rank evaluates the rule set against the whole population and returns the
// eligible users best first: score descending, then ascending user ID so
// recomputation is deterministic. An empty result is a normal outcome.
func Rank(rs RuleSet, users []domain.Snapshot, scorer Scorer) ([]Candidate, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	var out []Candidate
	for _, u := range users {
		ok, score, err := Evaluate(rs, u, scorer)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Candidate{UserID: u.UserID, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}
