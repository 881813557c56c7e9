// Package tracing wraps OpenTelemetry span creation behind the span names
// and attribute keys the engine uses.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/syntor/taskmesh"

// Standard span attribute keys
const (
	KeyRunID    = attribute.Key("taskmesh.run_id")
	KeyMode     = attribute.Key("taskmesh.mode")
	KeyAgent    = attribute.Key("taskmesh.agent")
	KeyTarget   = attribute.Key("taskmesh.target")
	KeyAttempts = attribute.Key("taskmesh.attempts")
	KeySubTask  = attribute.Key("taskmesh.subtask")
	KeyStatus   = attribute.Key("taskmesh.status")
	KeyMsgType  = attribute.Key("taskmesh.message.type")
	KeyRound    = attribute.Key("taskmesh.round")
)

// Standard operation names
const (
	OpRun        = "orchestrator.run"
	OpInvoke     = "resilience.invoke"
	OpDispatch   = "manager.dispatch"
	OpReplan     = "manager.replan"
	OpCollab     = "peer.collaborate"
	OpContribute = "blackboard.contribute"
)

var tracerProvider trace.TracerProvider

// SetTracerProvider overrides the provider used by Start. A nil provider
// restores the otel global.
func SetTracerProvider(tp trace.TracerProvider) {
	tracerProvider = tp
}

func tracer() trace.Tracer {
	if tracerProvider != nil {
		return tracerProvider.Tracer(instrumentationName)
	}
	return otel.Tracer(instrumentationName)
}

// Start opens a span named name with the given attributes
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes span, recording err when it is not nil
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
