package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/pharma-lake/lake/agent/pkg/llm/llmtest"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_Stream_DrainsBeforeDone(t *testing.T) {
	t.Parallel()

	s := NewStream(clockwork.NewFakeClock(), 8)
	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, EventStatus, StatusEvent{Step: StepPreprocess}))
	require.NoError(t, s.Emit(ctx, EventToken, TokenEvent{Text: "hi"}))
	s.Close()
	s.Close()

	ev, st := s.Receive(ctx, time.Second)
	require.Equal(t, Received, st)
	require.Equal(t, EventStatus, ev.Name)

	ev, st = s.Receive(ctx, time.Second)
	require.Equal(t, Received, st)
	require.Equal(t, TokenEvent{Text: "hi"}, ev.Payload)

	_, st = s.Receive(ctx, time.Second)
	require.Equal(t, Done, st)
}

func TestWorkflow_Stream_TimesOut(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewStream(clock, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = clock.BlockUntilContext(ctx, 1)
		clock.Advance(500 * time.Millisecond)
	}()

	_, st := s.Receive(ctx, 500*time.Millisecond)
	require.Equal(t, TimedOut, st)
}

func TestWorkflow_Stream_EmitHonorsContext(t *testing.T) {
	t.Parallel()

	s := NewStream(nil, 1)
	require.NoError(t, s.Emit(context.Background(), EventToken, TokenEvent{Text: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Emit(ctx, EventToken, TokenEvent{Text: "b"}), context.Canceled)

	_, st := s.Receive(ctx, time.Hour)
	require.Equal(t, Received, st)
	_, st = s.Receive(ctx, time.Hour)
	require.Equal(t, Done, st)
}

func TestWorkflow_Stream_WithRun(t *testing.T) {
	t.Parallel()

	w := newTestWorkflow(t, llmtest.NewQueue(), &fakeExecutor{})
	s := NewStream(nil, 4)
	ctx := context.Background()

	go func() {
		defer s.Close()
		_, _ = w.Run(ctx, Request{Message: "Write me a poem about sales"}, s)
	}()

	var names []string
	for {
		ev, st := s.Receive(ctx, 50*time.Millisecond)
		if st == Done {
			break
		}
		if st == Received {
			names = append(names, ev.Name)
		}
	}
	require.Equal(t, EventStatus, names[0])
	require.Equal(t, EventToken, names[len(names)-1])
}
