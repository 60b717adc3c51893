// Package memory holds per-session conversation memory: recent messages, a
// rolling summary, a structured context and the last SQL intent. The
// workflow reads a Bundle; the Updater writes the layers back after a run.
package memory

import (
	"context"

	"github.com/google/uuid"
)

const (
	// RecentMessageLimit is the number of messages carried in a Bundle.
	RecentMessageLimit = 5
	// RecentMessageChars caps each bundled message's content.
	RecentMessageChars = 500
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Bundle is the memory available to a run. Zero values mean the layer is
// empty.
type Bundle struct {
	RecentMessages []Message      `json:"recent_messages"`
	Summary        string         `json:"summary"`
	Context        map[string]any `json:"context_json"`
	LastSQLIntent  *SQLIntent     `json:"last_sql_intent,omitempty"`
}

// Empty reports whether the bundle carries nothing a prompt could use.
func (b *Bundle) Empty() bool {
	return b == nil || (b.Summary == "" && len(b.Context) == 0 && b.LastSQLIntent == nil)
}

// SQLIntent is a compact description of the queries a run executed.
type SQLIntent struct {
	Metric       string      `json:"metric,omitempty"`
	Dimensions   []string    `json:"dimensions,omitempty"`
	Filters      []any       `json:"filters,omitempty"`
	TimeWindow   any         `json:"time_window,omitempty"`
	Grain        string      `json:"grain,omitempty"`
	TablesUsed   []string    `json:"tables_used,omitempty"`
	LastSQLTasks []SQLTask   `json:"last_sql_tasks,omitempty"`
	ResultStats  ResultStats `json:"result_stats"`
}

type SQLTask struct {
	TaskID  int    `json:"task_id"`
	Purpose string `json:"purpose"`
	SQL     string `json:"sql"`
}

type ResultStats struct {
	Rows    int    `json:"rows"`
	MinDate string `json:"min_date,omitempty"`
	MaxDate string `json:"max_date,omitempty"`
}

// Store persists memory layers. Every call is scoped to the owning user.
type Store interface {
	Bundle(ctx context.Context, user string, session uuid.UUID) (*Bundle, error)
	RecentMessages(ctx context.Context, user string, session uuid.UUID, limit int) ([]Message, error)
	SetSummary(ctx context.Context, user string, session uuid.UUID, summary string) error
	MergeContext(ctx context.Context, user string, session uuid.UUID, patch map[string]any) (map[string]any, error)
	SetLastSQLIntent(ctx context.Context, user string, session uuid.UUID, intent *SQLIntent) error
}
