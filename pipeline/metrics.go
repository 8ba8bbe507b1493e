package pipeline

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetricsCollection struct {
	nodeCount     metric.Int64Counter
	attachCount   metric.Int64Counter
	completeCount metric.Int64Counter
	fetchBytes    metric.Int64Counter
	resumeCount   metric.Int64Counter
}

var metrics pipelineMetricsCollection

func init() {
	const name = "lantern/pipeline"
	meter := otel.Meter(name)

	nodeCount, err := meter.Int64Counter(
		"pipeline/node_count",
		metric.WithDescription("Coalescing nodes created (units of real work started)"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create node count metric: %w", err))
	}

	attachCount, err := meter.Int64Counter(
		"pipeline/attach_count",
		metric.WithDescription("Subscriptions attached to an already in-flight node"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create attach count metric: %w", err))
	}

	completeCount, err := meter.Int64Counter(
		"pipeline/complete_count",
		metric.WithDescription("Nodes that delivered a terminal event"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create complete count metric: %w", err))
	}

	fetchBytes, err := meter.Int64Counter(
		"pipeline/fetch_bytes",
		metric.WithDescription("Bytes received from byte sources"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create fetch bytes metric: %w", err))
	}

	resumeCount, err := meter.Int64Counter(
		"pipeline/resume_count",
		metric.WithDescription("Transfers resumed from a partial download record"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create resume count metric: %w", err))
	}

	metrics = pipelineMetricsCollection{
		nodeCount:     nodeCount,
		attachCount:   attachCount,
		completeCount: completeCount,
		fetchBytes:    fetchBytes,
		resumeCount:   resumeCount,
	}
}

func (g *Graph[T]) metricAttributes() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("graph", g.name))
}

func (g *Graph[T]) metricOutcomeAttributes(err error) metric.MeasurementOption {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	return metric.WithAttributes(
		attribute.String("graph", g.name),
		attribute.String("outcome", outcome),
	)
}
