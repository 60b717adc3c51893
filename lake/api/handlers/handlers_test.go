package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/memory"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/workflow"
	"github.com/malbeclabs/pharma-lake/lake/pkg/store"
	laketesting "github.com/malbeclabs/pharma-lake/lake/pkg/testing"
	"github.com/malbeclabs/pharma-lake/lake/pkg/warehouse"
	"github.com/stretchr/testify/require"
)

type auditEntry struct {
	requestID string
	user      string
	finished  bool
	success   bool
	message   string
	summary   store.AuditSummary
}

type fakeStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*store.Session
	messages  map[uuid.UUID][]store.Message
	audits    map[int64]*auditEntry
	bundle    *memory.Bundle
	getCalls  int
	nextMsgID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: map[uuid.UUID]*store.Session{},
		messages: map[uuid.UUID][]store.Message{},
		audits:   map[int64]*auditEntry{},
	}
}

func (f *fakeStore) CreateSession(_ context.Context, user string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &store.Session{ID: uuid.New(), UserID: user, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSession(_ context.Context, user string, id uuid.UUID) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	s, ok := f.sessions[id]
	if !ok || s.UserID != user {
		return nil, store.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSessions(_ context.Context, user string) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, s := range f.sessions {
		if s.UserID == user {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) AddMessage(_ context.Context, session uuid.UUID, role, content, sqlQuery string, metadata map[string]any) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	m := store.Message{ID: f.nextMsgID, SessionID: session, Role: role, Content: content, Metadata: metadata}
	if sqlQuery != "" {
		m.SQLQuery = &sqlQuery
	}
	f.messages[session] = append(f.messages[session], m)
	return &m, nil
}

func (f *fakeStore) ListMessages(_ context.Context, user string, session uuid.UUID) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[session]
	if !ok || s.UserID != user {
		return nil, store.ErrSessionNotFound
	}
	return append([]store.Message(nil), f.messages[session]...), nil
}

func (f *fakeStore) RecentMessages(_ context.Context, _ string, session uuid.UUID, limit int) ([]memory.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[session]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]memory.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, memory.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (f *fakeStore) MaybeAutoTitle(_ context.Context, session uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[session]
	if s.Title == nil && len(f.messages[session]) > 0 {
		title := store.MakeTitle(f.messages[session][0].Content)
		s.Title = &title
	}
	if s.Title == nil {
		return "", nil
	}
	return *s.Title, nil
}

func (f *fakeStore) Bundle(context.Context, string, uuid.UUID) (*memory.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bundle == nil {
		return &memory.Bundle{}, nil
	}
	return f.bundle, nil
}

func (f *fakeStore) AuditStart(_ context.Context, requestID, user string, _ *uuid.UUID, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.audits) + 1)
	f.audits[id] = &auditEntry{requestID: requestID, user: user}
	return id, nil
}

func (f *fakeStore) AuditSuccess(_ context.Context, id int64, sum store.AuditSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.audits[id]
	a.finished, a.success, a.summary = true, true, sum
	return nil
}

func (f *fakeStore) AuditError(_ context.Context, id int64, message string, sum store.AuditSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.audits[id]
	a.finished, a.message, a.summary = true, message, sum
	return nil
}

func (f *fakeStore) sessionMessages(id uuid.UUID) []store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages[id]...)
}

func (f *fakeStore) audit(id int64) auditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.audits[id]
}

type runFunc func(ctx context.Context, req workflow.Request, emit workflow.Emitter) (*workflow.State, error)

func (f runFunc) Run(ctx context.Context, req workflow.Request, emit workflow.Emitter) (*workflow.State, error) {
	return f(ctx, req, emit)
}

type memoryCall struct {
	user    string
	session uuid.UUID
	facts   memory.Facts
}

type fakeMemory struct {
	mu    sync.Mutex
	calls []memoryCall
}

func (f *fakeMemory) Update(_ context.Context, user string, session uuid.UUID, facts memory.Facts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, memoryCall{user: user, session: session, facts: facts})
	return nil
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		lines := strings.SplitN(frame, "\n", 2)
		require.Len(t, lines, 2, "frame %q", frame)
		ev := sseEvent{Name: strings.TrimPrefix(lines[0], "event: ")}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev.Data))
		events = append(events, ev)
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}

func newTestHandlers(t *testing.T, st *fakeStore, run runFunc, mem MemoryUpdater, clock clockwork.Clock) *Handlers {
	t.Helper()
	h, err := New(Config{
		Logger:   laketesting.NewLogger(t),
		Store:    st,
		Workflow: run,
		Memory:   mem,
		Clock:    clock,
		Build:    BuildInfo{Version: "1.2.3", Commit: "abc123", Date: "2026-10-01"},
	})
	require.NoError(t, err)
	return h
}

func serve(t *testing.T, h *Handlers, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.Routes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func chatRequest(ctx context.Context, user, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(UserHeader, user)
	return req
}

func TestHandlers_New(t *testing.T) {
	t.Parallel()

	run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) { return nil, nil })
	log := laketesting.NewLogger(t)

	_, err := New(Config{Store: newFakeStore(), Workflow: run})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: log, Workflow: run})
	require.ErrorContains(t, err, "store is required")
	_, err = New(Config{Logger: log, Store: newFakeStore()})
	require.ErrorContains(t, err, "workflow is required")

	h, err := New(Config{Logger: log, Store: newFakeStore(), Workflow: run})
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, h.cfg.PollInterval)
	require.Equal(t, 15*time.Second, h.cfg.HeartbeatInterval)
}

func TestHandlers_ChatStream_Answered(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.bundle = &memory.Bundle{Summary: "User tracks Cardiozen revenue."}
	mem := &fakeMemory{}
	var got workflow.Request
	run := runFunc(func(ctx context.Context, req workflow.Request, emit workflow.Emitter) (*workflow.State, error) {
		got = req
		for _, ev := range []workflow.Event{
			{Name: workflow.EventStatus, Payload: workflow.StatusEvent{Step: workflow.StepPreprocess, Message: "Preprocessing your question…"}},
			{Name: workflow.EventRetry, Payload: workflow.RetryEvent{Type: "db", Attempt: 1, Max: 2, Reason: "unknown column"}},
			{Name: workflow.EventToken, Payload: workflow.TokenEvent{Text: "Northeast "}},
			{Name: workflow.EventToken, Payload: workflow.TokenEvent{Text: "led."}},
		} {
			if err := emit.Emit(ctx, ev.Name, ev.Payload); err != nil {
				return nil, err
			}
		}
		return &workflow.State{
			Answer:     "Northeast led.",
			TablesUsed: []string{"fact_sales"},
			Tasks: []*workflow.Task{
				{Title: "Revenue by region", SQL: "SELECT 1", Valid: true, Result: &warehouse.QueryResult{RowCount: 3}},
				{Title: "Units by region", SQL: "SELECT 2", Valid: true, Result: &warehouse.QueryResult{}},
			},
			Metrics: workflow.Metrics{LLM: 1500 * time.Millisecond, DB: 40 * time.Millisecond, RowsReturned: 3, TokensStreamed: 2, RetriesUsed: 1},
		}, nil
	})
	h := newTestHandlers(t, st, run, mem, nil)

	rec := serve(t, h, chatRequest(context.Background(), "alice", `{"message":"Revenue by region in Q1 2024"}`))
	h.Wait()

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.Equal(t, []string{"request_id", "session", "status", "retry", "token", "token", "metrics", "audit", "complete"}, eventNames(events))

	requestID := events[0].Data["request_id"].(string)
	sessionID := uuid.MustParse(events[1].Data["session_id"].(string))

	require.Equal(t, float64(1500), events[6].Data["llm_ms"])
	require.Equal(t, float64(40), events[6].Data["db_ms"])
	require.Equal(t, float64(3), events[6].Data["rows_returned"])
	require.Equal(t, float64(2), events[6].Data["tokens_streamed"])
	require.Equal(t, float64(1), events[6].Data["retries_used"])

	require.Equal(t, requestID, events[7].Data["request_id"])
	require.Equal(t, "stream", events[7].Data["mode"])
	require.Equal(t, float64(2), events[7].Data["tasks_count"])
	require.Equal(t, []any{"fact_sales"}, events[7].Data["tables_used"])
	require.Equal(t, true, events[7].Data["safety_checks_passed"])

	require.Equal(t, map[string]any{"ok": true}, events[8].Data)

	// The workflow sees the stored user message as the latest history entry.
	require.Equal(t, "Revenue by region in Q1 2024", got.Message)
	require.Equal(t, []workflow.Message{{Role: "user", Content: "Revenue by region in Q1 2024"}}, got.History)
	require.Equal(t, "User tracks Cardiozen revenue.", got.Memory.Summary)

	msgs := st.sessionMessages(sessionID)
	require.Len(t, msgs, 2)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Equal(t, "Northeast led.", msgs[1].Content)
	require.Equal(t, "SELECT 1; SELECT 2", *msgs[1].SQLQuery)
	require.Equal(t, "answered", msgs[1].Metadata["outcome"])
	require.Equal(t, "Revenue by region in Q1 2024", *st.sessions[sessionID].Title)

	a := st.audit(1)
	require.Equal(t, requestID, a.requestID)
	require.True(t, a.success)
	require.Equal(t, 2, a.summary.TasksCount)
	require.Equal(t, int64(1500), a.summary.TimingsMS["llm_ms"])

	require.Len(t, mem.calls, 1)
	require.Equal(t, "alice", mem.calls[0].user)
	require.Equal(t, sessionID, mem.calls[0].session)
}

func TestHandlers_ChatStream_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		state    *workflow.State
		err      error
		wantLast sseEvent
		wantMsgs int
		success  bool
	}{
		{
			name:     "blocked",
			state:    &workflow.State{Blocked: true, RejectReason: "Not a data question.", Answer: "I can only help…"},
			wantLast: sseEvent{Name: "complete", Data: map[string]any{"ok": false, "blocked": true, "reason": "Not a data question."}},
			wantMsgs: 2,
			success:  true,
		},
		{
			name:     "rejected",
			state:    &workflow.State{Rejected: true, RejectReason: "Accounting policy is out of scope."},
			wantLast: sseEvent{Name: "complete", Data: map[string]any{"ok": false, "blocked": true, "reason": "Accounting policy is out of scope."}},
			wantMsgs: 2,
			success:  true,
		},
		{
			name:  "needs clarification",
			state: &workflow.State{NeedsClarification: true, ClarificationQuestions: []string{"Which time period?"}},
			wantLast: sseEvent{Name: "complete", Data: map[string]any{
				"ok": false, "needs_clarification": true, "questions": []any{"Which time period?"},
			}},
			wantMsgs: 2,
			success:  true,
		},
		{
			name:     "workflow error",
			state:    &workflow.State{Tasks: []*workflow.Task{{Title: "t"}}},
			err:      errors.New("sql_generator: malformed structured response"),
			wantLast: sseEvent{Name: "error", Data: map[string]any{"message": "sql_generator: malformed structured response"}},
			wantMsgs: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := newFakeStore()
			mem := &fakeMemory{}
			run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) {
				return tt.state, tt.err
			})
			h := newTestHandlers(t, st, run, mem, nil)

			rec := serve(t, h, chatRequest(context.Background(), "alice", `{"message":"Write me a poem"}`))
			h.Wait()

			events := parseSSE(t, rec.Body.String())
			require.Equal(t, tt.wantLast, events[len(events)-1])

			sessionID := uuid.MustParse(events[1].Data["session_id"].(string))
			require.Len(t, st.sessionMessages(sessionID), tt.wantMsgs)

			a := st.audit(1)
			require.True(t, a.finished)
			require.Equal(t, tt.success, a.success)
			if tt.err != nil {
				require.Equal(t, tt.err.Error(), a.message)
				require.Equal(t, 1, a.summary.TasksCount)
				require.Empty(t, mem.calls)
			} else {
				require.Len(t, mem.calls, 1)
			}
		})
	}
}

func TestHandlers_ChatStream_Sessions(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	owned, err := st.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	var runs int
	run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) {
		runs++
		return &workflow.State{Answer: "ok"}, nil
	})
	h := newTestHandlers(t, st, run, nil, nil)

	t.Run("unknown session", func(t *testing.T) {
		body := `{"session_id":"` + uuid.NewString() + `","message":"Revenue by region"}`
		rec := serve(t, h, chatRequest(context.Background(), "alice", body))
		events := parseSSE(t, rec.Body.String())
		require.Equal(t, []string{"request_id", "error"}, eventNames(events))
		require.Equal(t, "Session not found", events[1].Data["message"])
	})

	t.Run("someone else's session", func(t *testing.T) {
		body := `{"session_id":"` + owned.ID.String() + `","message":"Revenue by region"}`
		rec := serve(t, h, chatRequest(context.Background(), "bob", body))
		events := parseSSE(t, rec.Body.String())
		require.Equal(t, "Session not found", events[1].Data["message"])
	})

	t.Run("ownership is cached", func(t *testing.T) {
		body := `{"session_id":"` + owned.ID.String() + `","message":"Revenue by region"}`
		for i := 0; i < 2; i++ {
			rec := serve(t, h, chatRequest(context.Background(), "alice", body))
			events := parseSSE(t, rec.Body.String())
			require.Equal(t, owned.ID.String(), events[1].Data["session_id"])
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		require.Equal(t, 3, st.getCalls)
	})

	require.Equal(t, 2, runs)
}

func TestHandlers_ChatStream_BadRequests(t *testing.T) {
	t.Parallel()

	run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) {
		t.Fatal("workflow must not run")
		return nil, nil
	})
	h := newTestHandlers(t, newFakeStore(), run, nil, nil)

	for _, body := range []string{`not json`, `{"message":"   "}`} {
		rec := serve(t, h, chatRequest(context.Background(), "alice", body))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestHandlers_ChatStream_ClientDisconnect(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	started := make(chan struct{})
	var runErr error
	run := runFunc(func(ctx context.Context, _ workflow.Request, emit workflow.Emitter) (*workflow.State, error) {
		if err := emit.Emit(ctx, workflow.EventStatus, workflow.StatusEvent{Step: workflow.StepPreprocess}); err != nil {
			return nil, err
		}
		close(started)
		<-ctx.Done()
		runErr = ctx.Err()
		return &workflow.State{}, runErr
	})
	h := newTestHandlers(t, st, run, &fakeMemory{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	rec := serve(t, h, chatRequest(ctx, "alice", `{"message":"Revenue by region"}`))

	require.ErrorIs(t, runErr, context.Canceled)
	names := eventNames(parseSSE(t, rec.Body.String()))
	require.NotContains(t, names, "complete")
	require.NotContains(t, names, "error")

	sessionID := uuid.MustParse(parseSSE(t, rec.Body.String())[1].Data["session_id"].(string))
	msgs := st.sessionMessages(sessionID)
	require.Len(t, msgs, 1)
	require.Equal(t, "user", msgs[0].Role)
	require.False(t, st.audit(1).finished)
}

func TestHandlers_ChatStream_Heartbeat(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) {
		<-release
		return &workflow.State{}, nil
	})
	h := newTestHandlers(t, newFakeStore(), run, nil, clock)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() {
		// First poll: not yet idle for a full interval.
		_ = clock.BlockUntilContext(ctx, 1)
		clock.Advance(500 * time.Millisecond)
		_ = clock.BlockUntilContext(ctx, 1)
		clock.Advance(15 * time.Second)
		_ = clock.BlockUntilContext(ctx, 1)
		close(release)
	}()

	rec := serve(t, h, chatRequest(context.Background(), "alice", `{"message":"Revenue by region"}`))
	names := eventNames(parseSSE(t, rec.Body.String()))
	require.Equal(t, []string{"request_id", "session", "heartbeat", "metrics", "audit", "complete"}, names)
}

func TestHandlers_Sessions(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) { return nil, nil })
	h := newTestHandlers(t, st, run, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set(UserHeader, "alice")
	rec := serve(t, h, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "alice", created.UserID)

	_, err := st.AddMessage(context.Background(), created.ID, "user", "Top products", "", nil)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set(UserHeader, "alice")
	rec = serve(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec = serve(t, h, req)
	require.JSONEq(t, `{"sessions":[]}`, rec.Body.String())

	tests := []struct {
		name     string
		user     string
		id       string
		wantCode int
	}{
		{"owner", "alice", created.ID.String(), http.StatusOK},
		{"other user", "bob", created.ID.String(), http.StatusNotFound},
		{"bad id", "alice", "not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+tt.id+"/messages", nil)
			req.Header.Set(UserHeader, tt.user)
			rec := serve(t, h, req)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				var resp MessageListResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				require.Len(t, resp.Messages, 1)
				require.Equal(t, "Top products", resp.Messages[0].Content)
			}
		})
	}
}

func TestHandlers_HealthAndVersion(t *testing.T) {
	t.Parallel()

	run := runFunc(func(context.Context, workflow.Request, workflow.Emitter) (*workflow.State, error) { return nil, nil })
	h, err := New(Config{
		Logger:   laketesting.NewLogger(t),
		Store:    newFakeStore(),
		Workflow: run,
		Build:    BuildInfo{Version: "1.2.3"},
		Checks: map[string]HealthCheck{
			"postgres":  func(context.Context) error { return nil },
			"warehouse": func(context.Context) error { return errors.New("connection refused") },
		},
	})
	require.NoError(t, err)

	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"unhealthy","checks":{"postgres":"ok","warehouse":"connection refused"}}`, rec.Body.String())

	rec = serve(t, h, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"version":"1.2.3","commit":"","date":""}`, rec.Body.String())
}
