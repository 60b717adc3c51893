package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/workflow"
	"github.com/malbeclabs/pharma-lake/lake/api/metrics"
	"github.com/malbeclabs/pharma-lake/lake/pkg/store"
)

const (
	streamMode    = "stream"
	historyLimit  = 6
	streamBuffer  = 64
	outcomeError  = "error"
	outcomeCancel = "canceled"
)

// ChatRequest is the body of POST /api/chat/stream. A nil SessionID starts
// a new session.
type ChatRequest struct {
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Message   string     `json:"message"`
}

type MetricsEvent struct {
	TotalMS        int64 `json:"total_ms"`
	LLMMS          int64 `json:"llm_ms"`
	DBMS           int64 `json:"db_ms"`
	RowsReturned   int   `json:"rows_returned"`
	TokensStreamed int   `json:"tokens_streamed"`
	RetriesUsed    int   `json:"retries_used"`
}

type AuditEvent struct {
	RequestID          string   `json:"request_id"`
	Mode               string   `json:"mode"`
	TasksCount         int      `json:"tasks_count"`
	RetriesUsed        int      `json:"retries_used"`
	TablesUsed         []string `json:"tables_used"`
	SafetyChecksPassed bool     `json:"safety_checks_passed"`
}

type CompleteEvent struct {
	OK                 bool     `json:"ok"`
	Blocked            bool     `json:"blocked,omitempty"`
	Reason             string   `json:"reason,omitempty"`
	NeedsClarification bool     `json:"needs_clarification,omitempty"`
	Questions          []string `json:"questions,omitempty"`
}

type sseWriter struct {
	w     http.ResponseWriter
	f     http.Flusher
	log   *slog.Logger
	clock clockwork.Clock
	last  time.Time
}

func (s *sseWriter) send(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.log.Error("failed to marshal SSE event data", "event", event, "error", err)
		jsonData, _ = json.Marshal(map[string]string{"message": "Failed to serialize response"})
		event = "error"
	}
	s.log.Debug("sending SSE event", "event", event, "dataLen", len(jsonData))
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.f.Flush()
	s.last = s.clock.Now()
	return nil
}

func (s *sseWriter) sendError(message string) {
	_ = s.send("error", map[string]string{"message": message})
}

// heartbeat keeps idle connections open through proxies.
func (s *sseWriter) heartbeat(interval time.Duration) error {
	if s.clock.Since(s.last) < interval {
		return nil
	}
	return s.send("heartbeat", map[string]string{})
}

type runResult struct {
	state *workflow.State
	err   error
}

// ChatStream runs the workflow for one message and streams its progress as
// server-sent events. The run is cancelled and nothing is persisted if the
// client goes away.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	user := userID(r)
	requestID := uuid.NewString()
	log := h.log.With("request_id", requestID, "user", user)
	sse := &sseWriter{w: w, f: flusher, log: log, clock: h.clock, last: h.clock.Now()}

	_ = sse.send("request_id", map[string]string{"request_id": requestID})

	sessionID, err := h.resolveSession(ctx, user, req.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		sse.sendError("Session not found")
		return
	}
	if err != nil {
		sse.sendError(h.internalError("Failed to resolve session", err))
		return
	}
	_ = sse.send("session", map[string]string{"session_id": sessionID.String()})
	log = log.With("session", sessionID)

	if _, err := h.cfg.Store.AddMessage(ctx, sessionID, "user", req.Message, "", nil); err != nil {
		sse.sendError(h.internalError("Failed to store message", err))
		return
	}
	if _, err := h.cfg.Store.MaybeAutoTitle(ctx, sessionID); err != nil {
		log.Warn("failed to auto-title session", "error", err)
	}

	wreq, err := h.buildRequest(ctx, log, user, sessionID, req.Message)
	if err != nil {
		sse.sendError(h.internalError("Failed to load conversation history", err))
		return
	}

	var auditID int64
	if auditID, err = h.cfg.Store.AuditStart(ctx, requestID, user, &sessionID, streamMode); err != nil {
		log.Warn("failed to create audit entry", "error", err)
		auditID = 0
	}

	start := h.clock.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := workflow.NewStream(h.clock, streamBuffer)
	done := make(chan runResult, 1)
	go func() {
		defer stream.Close()
		st, err := h.cfg.Workflow.Run(runCtx, wreq, stream)
		done <- runResult{state: st, err: err}
	}()

	if !h.relay(ctx, sse, stream) {
		cancel()
		<-done
		metrics.StreamDisconnectsTotal.Inc()
		metrics.WorkflowRunsTotal.WithLabelValues(outcomeCancel).Inc()
		log.Info("client disconnected, workflow cancelled")
		return
	}
	res := <-done
	st := res.state
	total := h.clock.Since(start)

	if res.err != nil {
		log.Error("workflow failed", "error", res.err)
		sse.sendError(res.err.Error())
		metrics.WorkflowRunsTotal.WithLabelValues(outcomeError).Inc()
		if auditID != 0 {
			if err := h.cfg.Store.AuditError(ctx, auditID, res.err.Error(), auditSummary(st, total)); err != nil {
				log.Warn("failed to finalize audit entry", "error", err)
			}
		}
		return
	}

	metrics.ObserveRun(st.Outcome(), st.Metrics.LLM, st.Metrics.DB, st.Metrics.RowsReturned)

	_ = sse.send("metrics", MetricsEvent{
		TotalMS:        total.Milliseconds(),
		LLMMS:          st.Metrics.LLM.Milliseconds(),
		DBMS:           st.Metrics.DB.Milliseconds(),
		RowsReturned:   st.Metrics.RowsReturned,
		TokensStreamed: st.Metrics.TokensStreamed,
		RetriesUsed:    st.Metrics.RetriesUsed,
	})
	_ = sse.send("audit", AuditEvent{
		RequestID:          requestID,
		Mode:               streamMode,
		TasksCount:         len(st.Tasks),
		RetriesUsed:        st.Metrics.RetriesUsed,
		TablesUsed:         nonNil(st.TablesUsed),
		SafetyChecksPassed: st.SafetyChecksPassed(),
	})

	meta := map[string]any{"request_id": requestID, "outcome": st.Outcome()}
	if st.Chart != nil && st.Chart.Available {
		meta["chart"] = st.Chart
	}
	if _, err := h.cfg.Store.AddMessage(ctx, sessionID, "assistant", st.Answer, st.SQL(), meta); err != nil {
		log.Error("failed to store assistant message", "error", err)
	}
	if auditID != 0 {
		if err := h.cfg.Store.AuditSuccess(ctx, auditID, auditSummary(st, total)); err != nil {
			log.Warn("failed to finalize audit entry", "error", err)
		}
	}
	h.updateMemory(ctx, log, user, sessionID, st)

	_ = sse.send("complete", completeEvent(st))
}

// relay forwards workflow events until the run ends. It returns false if
// the client disconnected first.
func (h *Handlers) relay(ctx context.Context, sse *sseWriter, stream *workflow.Stream) bool {
	for {
		ev, status := stream.Receive(ctx, h.cfg.PollInterval)
		if ctx.Err() != nil {
			return false
		}
		switch status {
		case workflow.Received:
			if re, ok := ev.Payload.(workflow.RetryEvent); ok {
				metrics.WorkflowRetriesTotal.WithLabelValues(re.Type).Inc()
			}
			if err := sse.send(ev.Name, ev.Payload); err != nil {
				sse.log.Warn("failed to write SSE event", "event", ev.Name, "error", err)
				return false
			}
		case workflow.TimedOut:
			if err := sse.heartbeat(h.cfg.HeartbeatInterval); err != nil {
				return false
			}
		case workflow.Done:
			return true
		}
	}
}

func (h *Handlers) resolveSession(ctx context.Context, user string, id *uuid.UUID) (uuid.UUID, error) {
	if id == nil {
		sess, err := h.cfg.Store.CreateSession(ctx, user)
		if err != nil {
			return uuid.Nil, err
		}
		return sess.ID, nil
	}
	if err := h.ownsSession(ctx, user, *id); err != nil {
		return uuid.Nil, err
	}
	return *id, nil
}

// buildRequest loads recent history, which includes the message just
// stored, and the session memory bundle.
func (h *Handlers) buildRequest(ctx context.Context, log *slog.Logger, user string, session uuid.UUID, message string) (workflow.Request, error) {
	recent, err := h.cfg.Store.RecentMessages(ctx, user, session, historyLimit)
	if err != nil {
		return workflow.Request{}, err
	}
	history := make([]workflow.Message, 0, len(recent))
	for _, m := range recent {
		history = append(history, workflow.Message{Role: m.Role, Content: m.Content})
	}

	req := workflow.Request{Message: message, History: history}
	bundle, err := h.cfg.Store.Bundle(ctx, user, session)
	if err != nil {
		log.Warn("failed to load session memory", "error", err)
	} else if !bundle.Empty() {
		req.Memory = bundle
	}
	return req, nil
}

// updateMemory writes session memory in the background so the stream can
// complete without waiting on the summary call.
func (h *Handlers) updateMemory(ctx context.Context, log *slog.Logger, user string, session uuid.UUID, st *workflow.State) {
	if h.cfg.Memory == nil {
		return
	}
	facts := st.MemoryFacts()
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memoryUpdateTimeout)
		defer cancel()
		if err := h.cfg.Memory.Update(ctx, user, session, facts); err != nil {
			log.Warn("failed to update session memory", "error", err)
		}
	}()
}

func auditSummary(st *workflow.State, total time.Duration) store.AuditSummary {
	if st == nil {
		return store.AuditSummary{TimingsMS: map[string]int64{"total_ms": total.Milliseconds()}}
	}
	return store.AuditSummary{
		TasksCount:  len(st.Tasks),
		RetriesUsed: st.Metrics.RetriesUsed,
		TablesUsed:  st.TablesUsed,
		MetricsUsed: st.MetricsUsed,
		TimingsMS: map[string]int64{
			"total_ms": total.Milliseconds(),
			"llm_ms":   st.Metrics.LLM.Milliseconds(),
			"db_ms":    st.Metrics.DB.Milliseconds(),
		},
		RowsReturned: st.Metrics.RowsReturned,
	}
}

func completeEvent(st *workflow.State) CompleteEvent {
	switch {
	case st.Blocked, st.Rejected:
		return CompleteEvent{Blocked: true, Reason: st.RejectReason}
	case st.NeedsClarification:
		return CompleteEvent{NeedsClarification: true, Questions: st.ClarificationQuestions}
	}
	return CompleteEvent{OK: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
