package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/recipeforge/recipeforge/pkg/recipe"
)

var tracer = otel.Tracer("github.com/recipeforge/recipeforge/internal/executor")

// startStepSpan opens one span per dispatched step, following the
// teacher's span-per-unit-of-work pattern in internal/telemetry. The span
// is closed by endStepSpan once RunStep returns, recording the step's
// error (if any) so a trace backend can surface failing steps without
// scraping logs.
func startStepSpan(ctx context.Context, recipeName string, step *recipe.Step, stageName string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("recipe.name", recipeName),
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Kind)),
	}
	if stageName != "" {
		attrs = append(attrs, attribute.String("stage.name", stageName))
	}
	return tracer.Start(ctx, "recipe.step", trace.WithAttributes(attrs...))
}

func endStepSpan(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case recipe.IsBenignSignal(err):
		// skip-remaining / cancellation / approval-pause are control-flow
		// signals, not failures — don't mark the span an error.
		span.SetStatus(codes.Ok, err.Error())
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
