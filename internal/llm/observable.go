package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

type observableEngine struct {
	driver string
	model  string

	engine domain.InferenceEngine

	duration metric.Float64Histogram
	pages    metric.Int64Counter
}

// NewObservableEngine wraps e with a span and duration/page metrics per batch.
func NewObservableEngine(driver, model string, e domain.InferenceEngine) domain.InferenceEngine {
	meter := observability.Meter()

	duration, _ := meter.Float64Histogram("pdf_ocr.engine.batch.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of one inference batch"))

	pages, _ := meter.Int64Counter("pdf_ocr.engine.pages",
		metric.WithDescription("Pages submitted to the inference engine"))

	return &observableEngine{
		driver:   driver,
		model:    model,
		engine:   e,
		duration: duration,
		pages:    pages,
	}
}

func (e *observableEngine) Generate(ctx context.Context, requests []domain.InferenceRequest) ([]domain.RawGeneration, error) {
	ctx, span := observability.Tracer().Start(ctx, "generate "+e.model)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.system", e.driver),
		attribute.String("gen_ai.request.model", e.model),
	}
	span.SetAttributes(append(attrs, attribute.Int("pdf_ocr.batch.size", len(requests)))...)

	start := time.Now()
	result, err := e.engine.Generate(ctx, requests)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs = append(attrs, attribute.String("error.type", string(domain.TypeOf(err))))
	}

	if e.duration != nil {
		e.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	}
	if e.pages != nil {
		e.pages.Add(ctx, int64(len(requests)), metric.WithAttributes(attrs...))
	}

	return result, err
}
