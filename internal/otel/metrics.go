package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce    sync.Once
	taskOpsCounter     metric.Int64Counter
	recoveryCounter    metric.Int64Counter
	exhaustedCounter   metric.Int64Counter
	commandDuration    metric.Float64Histogram
	eventsCounter      metric.Int64Counter
	artifactsCounter   metric.Int64Counter
	subscribersGauge   metric.Int64ObservableGauge
	subscribers        int64
	subscribersMu      sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("crew_task_operations_total", metric.WithDescription("Total task operations (delegate, execute, complete, fail)"))
		if err != nil {
			return
		}
		recoveryCounter, err = m.Int64Counter("crew_recovery_attempts_total", metric.WithDescription("Total recovery attempts after failed executions"))
		if err != nil {
			return
		}
		exhaustedCounter, err = m.Int64Counter("crew_recovery_exhausted_total", metric.WithDescription("Tasks abandoned after the recovery attempt limit"))
		if err != nil {
			return
		}
		commandDuration, err = m.Float64Histogram("crew_sandbox_command_duration_seconds", metric.WithDescription("Sandbox command duration in seconds"))
		if err != nil {
			return
		}
		eventsCounter, err = m.Int64Counter("crew_events_total", metric.WithDescription("Total events published on the coordinator feed"))
		if err != nil {
			return
		}
		artifactsCounter, err = m.Int64Counter("crew_artifacts_total", metric.WithDescription("Total artifacts registered from sandbox output"))
		if err != nil {
			return
		}
		subscribersGauge, err = m.Int64ObservableGauge("crew_event_subscribers", metric.WithDescription("Current event feed subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			subscribersMu.Lock()
			n := subscribers
			subscribersMu.Unlock()
			o.ObserveInt64(subscribersGauge, n)
			return nil
		}, subscribersGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (delegate, execute, complete, fail).
func RecordTaskOp(ctx context.Context, op, team, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrTeam.String(team),
		AttrStatus.String(status),
	))
}

// RecordRecoveryAttempt records one retry of a failed execution.
func RecordRecoveryAttempt(ctx context.Context, team, agent string) {
	if recoveryCounter == nil {
		return
	}
	recoveryCounter.Add(ctx, 1, metric.WithAttributes(AttrTeam.String(team), AttrAgent.String(agent)))
}

// RecordRecoveryExhausted records a task abandoned after the attempt limit.
func RecordRecoveryExhausted(ctx context.Context, team, agent string) {
	if exhaustedCounter == nil {
		return
	}
	exhaustedCounter.Add(ctx, 1, metric.WithAttributes(AttrTeam.String(team), AttrAgent.String(agent)))
}

// RecordSandboxCommand records one sandbox command and its duration.
func RecordSandboxCommand(ctx context.Context, agent string, duration time.Duration) {
	if commandDuration == nil {
		return
	}
	commandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrAgent.String(agent)))
}

// RecordEvent records one event published on the coordinator feed.
func RecordEvent(ctx context.Context) {
	if eventsCounter == nil {
		return
	}
	eventsCounter.Add(ctx, 1)
}

// RecordArtifact records one artifact registered from sandbox output.
func RecordArtifact(ctx context.Context, team string) {
	if artifactsCounter == nil {
		return
	}
	artifactsCounter.Add(ctx, 1, metric.WithAttributes(AttrTeam.String(team)))
}

// AddSubscriber adds 1 to the subscriber gauge (call on subscribe).
func AddSubscriber() {
	subscribersMu.Lock()
	subscribers++
	subscribersMu.Unlock()
}

// RemoveSubscriber subtracts 1 from the subscriber gauge (call on unsubscribe).
func RemoveSubscriber() {
	subscribersMu.Lock()
	subscribers--
	if subscribers < 0 {
		subscribers = 0
	}
	subscribersMu.Unlock()
}
