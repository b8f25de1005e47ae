package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	ctx := context.Background()

	logger := NewNoopLogger()
	logger.Debug(ctx, "msg", "k", "v")
	logger.Info(ctx, "msg")
	logger.Warn(ctx, "msg", "k", 1)
	logger.Error(ctx, "msg", "k", true)

	metrics := NewNoopMetrics()
	metrics.IncCounter("c", 1, "tag", "v")
	metrics.RecordTimer("t", 0)
	metrics.RecordGauge("g", 1.5)

	tracer := NewNoopTracer()
	spanCtx, span := tracer.Start(ctx, "op")
	assert.Equal(t, ctx, spanCtx)
	span.AddEvent("evt")
	span.End()
	assert.NotNil(t, tracer.Span(ctx))
}

func TestKvToClueSkipsNonStringKeysAndOddTrailer(t *testing.T) {
	fielders := kvToClue([]any{"a", 1, 2, "ignored-nonstring-key", "b", "two", "trailing-no-value"})
	if len(fielders) != 2 {
		t.Fatalf("non-string keys and a trailing odd element should be dropped, got %d fielders", len(fielders))
	}
}

func TestTagsToAttrsPadsMissingValue(t *testing.T) {
	attrs := tagsToAttrs([]string{"k1", "v1", "k2"})
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[1].Value.AsString() != "" {
		t.Fatalf("expected empty value for unpaired tag, got %q", attrs[1].Value.AsString())
	}
}

func TestKvToAttrsTypeSwitches(t *testing.T) {
	attrs := kvToAttrs([]any{
		"s", "text",
		"i", 7,
		"i64", int64(8),
		"f", 1.5,
		"b", true,
		"other", struct{}{},
	})
	if len(attrs) != 6 {
		t.Fatalf("expected 6 attributes, got %d", len(attrs))
	}
}
