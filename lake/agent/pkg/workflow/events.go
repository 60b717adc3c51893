package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event names emitted during a run.
const (
	EventStatus        = "status"
	EventRetry         = "retry"
	EventArtifactSQL   = "artifact_sql"
	EventArtifactTable = "artifact_table"
	EventArtifactChart = "artifact_chart"
	EventAnswerMeta    = "answer_meta"
	EventToken         = "token"
)

// Stage names used in status events.
const (
	StepPreprocess = "preprocess_input"
	StepScope      = "scope_policy_check"
	StepGround     = "semantic_grounding"
	StepPlan       = "analysis_planner"
	StepGenerate   = "sql_generator"
	StepValidate   = "sql_validator"
	StepRepair     = "sql_repair"
	StepExecute    = "sql_executor"
	StepVisualize  = "viz_builder"
	StepSynthesize = "response_synthesizer"
)

// Emitter receives progress events. Emit is called synchronously from the
// run; an error aborts the run.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, name string, payload any) error

func (f EmitterFunc) Emit(ctx context.Context, name string, payload any) error {
	return f(ctx, name, payload)
}

// Discard drops every event.
var Discard = EmitterFunc(func(context.Context, string, any) error { return nil })

type StatusEvent struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

type RetryEvent struct {
	Type    string `json:"type"`
	Attempt int    `json:"attempt"`
	Max     int    `json:"max"`
	Reason  string `json:"reason"`
}

type SQLArtifact struct {
	Tasks []SQLArtifactTask `json:"tasks"`
}

type SQLArtifactTask struct {
	Title       string `json:"title"`
	SQL         string `json:"sql"`
	OriginalSQL string `json:"original_sql"`
	Error       string `json:"error,omitempty"`
}

type TableArtifact struct {
	TaskTitle string   `json:"task_title"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

type AnswerMeta struct {
	Assumptions []string `json:"assumptions"`
	FollowUps   []string `json:"follow_ups"`
}

type TokenEvent struct {
	Text string `json:"text"`
}

// Event is a named payload passed through a Stream.
type Event struct {
	Name    string
	Payload any
}

// ReceiveStatus is the outcome of Stream.Receive.
type ReceiveStatus int

const (
	Received ReceiveStatus = iota
	TimedOut
	Done
)

// Stream bridges a run's emitter to a consumer in another goroutine. The
// producer calls Close after its last Emit; the consumer sees every event
// before Done.
type Stream struct {
	clock  clockwork.Clock
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewStream(clock clockwork.Clock, buffer int) *Stream {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Stream{
		clock:  clock,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Emit blocks until the event is buffered or ctx is done.
func (s *Stream) Emit(ctx context.Context, name string, payload any) error {
	select {
	case s.events <- Event{Name: name, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.done) })
}

// Receive waits up to wait for the next event. Buffered events are always
// delivered before Done is reported.
func (s *Stream) Receive(ctx context.Context, wait time.Duration) (Event, ReceiveStatus) {
	select {
	case ev := <-s.events:
		return ev, Received
	default:
	}

	timer := s.clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case ev := <-s.events:
		return ev, Received
	case <-s.done:
		select {
		case ev := <-s.events:
			return ev, Received
		default:
			return Event{}, Done
		}
	case <-timer.Chan():
		return Event{}, TimedOut
	case <-ctx.Done():
		return Event{}, Done
	}
}
