// Package llmtest provides a scripted LLM completer for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm"
)

// Call is one recorded completion request.
type Call struct {
	System  string
	User    string
	Options llm.CompleteOptions
}

// Reply is a scripted completion result.
type Reply struct {
	Text string
	Err  error
}

// Queue returns replies in order and records every call. A call with no
// reply left fails the test run with an error rather than blocking.
type Queue struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
	// Route, when set, picks the reply from the system prompt instead of
	// the queue order.
	Route func(system, user string) (Reply, bool)
}

// NewQueue queues text replies.
func NewQueue(texts ...string) *Queue {
	q := &Queue{}
	for _, t := range texts {
		q.replies = append(q.replies, Reply{Text: t})
	}
	return q
}

// Push appends replies to the queue.
func (q *Queue) Push(replies ...Reply) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replies = append(q.replies, replies...)
}

func (q *Queue) Complete(ctx context.Context, system, user string, opts ...llm.CompleteOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, Call{System: system, User: user, Options: llm.ApplyOptions(opts)})

	if q.Route != nil {
		if r, ok := q.Route(system, user); ok {
			return r.Text, r.Err
		}
	}
	if len(q.replies) == 0 {
		return "", fmt.Errorf("llmtest: unexpected call %d: %s", len(q.calls), firstLine(system))
	}
	r := q.replies[0]
	q.replies = q.replies[1:]
	return r.Text, r.Err
}

// Calls returns a copy of the recorded calls.
func (q *Queue) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Call(nil), q.calls...)
}

// Remaining is the number of unused replies.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.replies)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
