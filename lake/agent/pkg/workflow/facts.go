package workflow

import (
	"time"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
)

// MemoryFacts extracts what a finished run contributes to session memory.
// Early-exit runs contribute only result facts.
func (s *State) MemoryFacts() memory.Facts {
	tasks := make([]map[string]any, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		entry := map[string]any{"title": t.Title}
		if t.Result != nil {
			entry["row_count"] = t.Result.RowCount
		}
		if t.Error != "" {
			entry["error"] = t.Error
		}
		tasks = append(tasks, entry)
	}
	facts := memory.Facts{
		ResultFacts: map[string]any{
			"mode":    string(s.Mode),
			"outcome": s.Outcome(),
			"tasks":   tasks,
		},
	}
	if s.Terminal() {
		return facts
	}

	g := s.GroundingParsed
	var metric string
	if len(g.Metrics) > 0 {
		metric = g.Metrics[0]
	}

	patch := map[string]any{}
	if metric != "" {
		patch["metric"] = metric
	}
	if g.TimeRange != nil {
		patch["time_window"] = g.TimeRange
	}
	if len(g.Filters) > 0 {
		patch["filters"] = g.Filters
	}
	if len(patch) > 0 {
		facts.ContextPatch = patch
	}

	intent := &memory.SQLIntent{
		Metric:     metric,
		Filters:    g.Filters,
		TimeWindow: g.TimeRange,
		TablesUsed: s.TablesUsed,
	}
	for i, t := range s.Tasks {
		if t.SQL == "" {
			continue
		}
		intent.LastSQLTasks = append(intent.LastSQLTasks, memory.SQLTask{TaskID: i + 1, Purpose: t.Title, SQL: t.SQL})
	}
	intent.ResultStats = resultStats(s.Tasks)
	facts.Intent = intent
	return facts
}

// resultStats totals rows and finds the date span of date-valued cells.
func resultStats(tasks []*Task) memory.ResultStats {
	var stats memory.ResultStats
	for _, t := range tasks {
		if t.Result == nil {
			continue
		}
		stats.Rows += t.Result.RowCount
		for _, row := range t.Result.Rows {
			for _, v := range row {
				s, ok := v.(string)
				if !ok || len(s) < len(time.DateOnly) {
					continue
				}
				d := s[:len(time.DateOnly)]
				if _, err := time.Parse(time.DateOnly, d); err != nil {
					continue
				}
				if stats.MinDate == "" || d < stats.MinDate {
					stats.MinDate = d
				}
				if d > stats.MaxDate {
					stats.MaxDate = d
				}
			}
		}
	}
	return stats
}
