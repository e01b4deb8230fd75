package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IntentCleanupMetrics holds all the metric instruments for intent cleanup on a participant.
// A nil *IntentCleanupMetrics records nothing.
type IntentCleanupMetrics struct {
	CleanupScheduledCounter      metric.Int64Counter
	PrepareLostCounter           metric.Int64Counter
	RemovalsCounter              metric.Int64Counter
	RemovalLatencyHistogram      metric.Float64Histogram
	RunningTransactionsUpDownCtr metric.Int64UpDownCounter
}

// NewIntentCleanupMetrics creates and registers all the metrics for intent cleanup.
func NewIntentCleanupMetrics(meter metric.Meter) (*IntentCleanupMetrics, error) {
	cleanupScheduledCounter, err := meter.Int64Counter(
		"gojotxn.intents.cleanup_scheduled_total",
		metric.WithDescription("Total number of intent cleanups scheduled, by trigger."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	prepareLostCounter, err := meter.Int64Counter(
		"gojotxn.intents.prepare_lost_total",
		metric.WithDescription("Total number of cleanup triggers that found the cleanup already claimed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	removalsCounter, err := meter.Int64Counter(
		"gojotxn.intents.removals_total",
		metric.WithDescription("Total number of intent removal attempts, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	removalLatencyHistogram, err := meter.Float64Histogram(
		"gojotxn.intents.removal_duration",
		metric.WithDescription("The latency of intent removal."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	runningTransactions, err := meter.Int64UpDownCounter(
		"gojotxn.participant.running_transactions",
		metric.WithDescription("Number of running transactions not yet destroyed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IntentCleanupMetrics{
		CleanupScheduledCounter:      cleanupScheduledCounter,
		PrepareLostCounter:           prepareLostCounter,
		RemovalsCounter:              removalsCounter,
		RemovalLatencyHistogram:      removalLatencyHistogram,
		RunningTransactionsUpDownCtr: runningTransactions,
	}, nil
}

func (m *IntentCleanupMetrics) RecordScheduled(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.CleanupScheduledCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (m *IntentCleanupMetrics) RecordPrepareLost(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.PrepareLostCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (m *IntentCleanupMetrics) RecordRemoval(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.RemovalsCounter.Add(ctx, 1, attrs)
	m.RemovalLatencyHistogram.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func (m *IntentCleanupMetrics) TransactionAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunningTransactionsUpDownCtr.Add(ctx, 1)
}

func (m *IntentCleanupMetrics) TransactionDestroyed(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunningTransactionsUpDownCtr.Add(ctx, -1)
}
