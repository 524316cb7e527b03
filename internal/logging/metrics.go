package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters the coordination core reports. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	submitted          metric.Int64Counter
	dropped            metric.Int64Counter
	ignored            metric.Int64Counter
	submissionFailures metric.Int64Counter
	quorumTransitions  metric.Int64Counter
	migrations         metric.Int64Counter
}

// NewMetrics creates the counters on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&m.submitted, "tremor_tasks_submitted", "Tasks handed to the executor"},
		{&m.dropped, "tremor_tasks_dropped", "Task IDs removed from the registry by the decision logic"},
		{&m.ignored, "tremor_tasks_ignored", "Decisions skipped because the task was already triggered or quorum was absent"},
		{&m.submissionFailures, "tremor_submission_failures", "Executor submissions that failed"},
		{&m.quorumTransitions, "tremor_quorum_transitions", "Quorum state changes"},
		{&m.migrations, "tremor_migrations", "Partition migration events handled"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("{event}"))
		if err != nil {
			Log("Failed to create metric "+c.name+": "+err.Error(), slog.LevelError)
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) TaskSubmitted(ctx context.Context) {
	if m != nil {
		m.submitted.Add(ctx, 1)
	}
}

func (m *Metrics) TaskDropped(ctx context.Context) {
	if m != nil {
		m.dropped.Add(ctx, 1)
	}
}

func (m *Metrics) TaskIgnored(ctx context.Context, reason string) {
	if m != nil {
		m.ignored.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) SubmissionFailed(ctx context.Context) {
	if m != nil {
		m.submissionFailures.Add(ctx, 1)
	}
}

func (m *Metrics) QuorumTransition(ctx context.Context, state string) {
	if m != nil {
		m.quorumTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	}
}

func (m *Metrics) Migration(ctx context.Context, kind string) {
	if m != nil {
		m.migrations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
