package workflow

import (
	"strings"
	"time"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/scope"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the input to a run.
type Request struct {
	Message string
	// History is most-recent-last.
	History []Message
	// Memory is optional.
	Memory *memory.Bundle
}

// Grounding is the schema mapping for a question.
type Grounding struct {
	Tables    []string `json:"tables,omitempty"`
	Columns   []any    `json:"columns,omitempty"`
	Filters   []any    `json:"filters,omitempty"`
	TimeRange any      `json:"time_range,omitempty"`
	Metrics   []string `json:"metrics,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Task is one planned analytical query.
type Task struct {
	Title       string
	Description string
	SQL         string
	// OriginalSQL is the generator's output and never changes after
	// generation, even when SQL is repaired.
	OriginalSQL string
	Valid       bool
	Result      *warehouse.QueryResult
	Error       string
	Retries     int
}

// ChartSpec describes a suggested visualisation.
type ChartSpec struct {
	Available bool   `json:"available"`
	ChartType string `json:"chart_type,omitempty"`
	XColumn   string `json:"x_column,omitempty"`
	YColumn   string `json:"y_column,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Metrics accumulates per-run timings and counters.
type Metrics struct {
	LLM            time.Duration
	DB             time.Duration
	RowsReturned   int
	TokensStreamed int
	RetriesUsed    int
}

// State is owned by a single run.
type State struct {
	Message         string
	Preprocessed    string
	History         []Message
	Memory          *memory.Bundle
	Mode            scope.Mode
	Grounding       string
	GroundingParsed Grounding
	Tasks           []*Task
	Chart           *ChartSpec
	Answer          string
	Metrics         Metrics
	StartedAt       time.Time

	Scope                  scope.Decision
	Blocked                bool
	Rejected               bool
	RejectReason           string
	NeedsClarification     bool
	ClarificationQuestions []string

	TablesUsed  []string
	MetricsUsed []string
	Assumptions []string
	FollowUps   []string
}

// Terminal reports whether the scope gate ended the run early.
func (s *State) Terminal() bool {
	return s.Blocked || s.Rejected || s.NeedsClarification
}

// SafetyChecksPassed is false when the question was blocked or rejected.
func (s *State) SafetyChecksPassed() bool {
	return !s.Blocked && !s.Rejected
}

// SQL joins the final SQL of every task that has any.
func (s *State) SQL() string {
	parts := make([]string, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.SQL != "" {
			parts = append(parts, t.SQL)
		}
	}
	return strings.Join(parts, "; ")
}

// Outcome is a short label for metrics and audit.
func (s *State) Outcome() string {
	switch {
	case s.Blocked:
		return "blocked"
	case s.Rejected:
		return "rejected"
	case s.NeedsClarification:
		return "needs_clarification"
	}
	for _, t := range s.Tasks {
		if t.Result != nil {
			return "answered"
		}
	}
	return "no_data"
}
