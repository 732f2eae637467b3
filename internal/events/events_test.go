package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func startBroker(t *testing.T) *nats.Conn {
	t.Helper()
	b, err := StartEmbedded("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(b.Shutdown)

	nc, err := b.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// mockProcessor is a Processor with overridable behaviour.
type mockProcessor struct {
	ProcessFunc   func(ctx context.Context, step *immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.StepResult, error)
	PreCommitFunc func(ctx context.Context, steps []*immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.CommitDecision, error)
}

func (m *mockProcessor) Process(ctx context.Context, step *immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.StepResult, error) {
	return m.ProcessFunc(ctx, step, d)
}

func (m *mockProcessor) PreCommit(ctx context.Context, steps []*immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.CommitDecision, error) {
	return m.PreCommitFunc(ctx, steps, d)
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{"payments", "immunity.payments.step.analyzed"},
		{"", "immunity._default.step.analyzed"},
		{"team.a b", "immunity.team_a_b.step.analyzed"},
		{"steps", "immunity._steps.step.analyzed"},
		{"x>*", "immunity.x__.step.analyzed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, EventSubject("", immunity.Event{Scope: tt.scope, Type: immunity.EventStepAnalyzed}))
		})
	}
	assert.Equal(t, "acme.steps.process", ProcessSubject("acme"))
	assert.Equal(t, "immunity.steps.precommit", PreCommitSubject(""))
	assert.Equal(t, "immunity.*.step.>", StepEvents(""))
	assert.Equal(t, "acme.*.pattern.>", PatternEvents("acme"))
}

func TestPublisher(t *testing.T) {
	nc := startBroker(t)
	pub, err := NewPublisher(nc, "", nil)
	require.NoError(t, err)

	got := make(chan immunity.Event, 4)
	sub, err := Subscribe(nc, StepEvents(""), func(e immunity.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	pub.Emit(ctx, immunity.Event{Type: immunity.EventPatternRecorded, Scope: "payments"})
	pub.Emit(ctx, immunity.Event{Type: immunity.EventStepAnalyzed, Scope: "payments", StepID: "s1", Verdict: immunity.VerdictFail, Score: 0.4})
	require.NoError(t, nc.Flush())

	select {
	case e := <-got:
		assert.Equal(t, immunity.EventStepAnalyzed, e.Type)
		assert.Equal(t, "s1", e.StepID)
		assert.Equal(t, immunity.VerdictFail, e.Verdict)
		assert.InDelta(t, 0.4, e.Score, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	assert.Empty(t, got, "pattern events are not step events")

	_, err = NewPublisher(nil, "", nil)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestStepServer(t *testing.T) {
	nc := startBroker(t)
	proc := &mockProcessor{
		ProcessFunc: func(ctx context.Context, step *immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.StepResult, error) {
			if step.ID == "" {
				return nil, &immunity.ValidationError{Field: "id", Err: immunity.ErrEmptyStepID}
			}
			return &immunity.StepResult{StepID: step.ID, Scope: d.Scope, Verdict: immunity.VerdictPass}, nil
		},
		PreCommitFunc: func(ctx context.Context, steps []*immunity.TrajectoryStep, d *immunity.DoctrineConfig) (*immunity.CommitDecision, error) {
			if len(steps) == 0 {
				return nil, errors.New("nothing staged")
			}
			return &immunity.CommitDecision{Allowed: false, Blocked: []string{steps[0].ID}}, nil
		},
	}
	srv, err := NewStepServer(nc, proc, nil, StepServerConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := NewClient(nc, "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("process", func(t *testing.T) {
		res, err := client.Process(ctx, "payments", &immunity.TrajectoryStep{ID: "s1", Kind: immunity.StepKindFileWrite, Content: "x"})
		require.NoError(t, err)
		assert.Equal(t, "s1", res.StepID)
		assert.Equal(t, "payments", res.Scope)
	})

	t.Run("validation error", func(t *testing.T) {
		_, err := client.Process(ctx, "", &immunity.TrajectoryStep{Kind: immunity.StepKindFileWrite})
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, CodeValidation, re.Code)
	})

	t.Run("precommit", func(t *testing.T) {
		decision, err := client.PreCommit(ctx, "", []*immunity.TrajectoryStep{{ID: "a"}})
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, []string{"a"}, decision.Blocked)

		_, err = client.PreCommit(ctx, "", nil)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, CodeInternal, re.Code)
	})

	t.Run("malformed request", func(t *testing.T) {
		msg, err := nc.RequestWithContext(ctx, ProcessSubject(""), []byte("{"))
		require.NoError(t, err)
		assert.Contains(t, string(msg.Data), CodeBadRequest)
	})
}

func TestClient_NoResponders(t *testing.T) {
	nc := startBroker(t)
	client, err := NewClient(nc, "nobody")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Process(ctx, "", &immunity.TrajectoryStep{ID: "s1"})
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	ctx := context.Background()

	sink.Emit(ctx, immunity.Event{Type: immunity.EventStepAnalyzed, Scope: "p", Verdict: immunity.VerdictPass, Score: 0.95})
	sink.Emit(ctx, immunity.Event{Type: immunity.EventStepAnalyzed, Scope: "p", Verdict: immunity.VerdictFail, Score: 0.3})
	sink.Emit(ctx, immunity.Event{Type: immunity.EventStepRepaired})
	sink.Emit(ctx, immunity.Event{Type: immunity.EventStepUnrepairable})
	sink.Emit(ctx, immunity.Event{Type: immunity.EventPatternRecorded, Detail: "created"})
	require.NoError(t, sink.Handle(ctx, immunity.Event{Type: immunity.EventPatternPromoted, Detail: "promoted"}))
	sink.Emit(ctx, immunity.Event{Type: immunity.EventLearningDropped})
	sink.Emit(ctx, immunity.Event{Type: immunity.EventDoctrineReloaded})

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.steps.WithLabelValues("p", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.steps.WithLabelValues("p", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.repairs.WithLabelValues("repaired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.repairs.WithLabelValues("unrepairable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.patterns.WithLabelValues("promoted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.reloads))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.score))
}
