package observability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warning ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"nonsense", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracerRejectsProtocol(t *testing.T) {
	if _, err := InitTracer(TracerConfig{Enabled: true, Protocol: "carrier-pigeon"}); err == nil {
		t.Error("InitTracer() accepted an unknown protocol")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}

	for _, tt := range tests {
		if got := newSampler(tt.ratio).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("newSampler(%v) = %s, want root %s", tt.ratio, got, tt.want)
		}
	}
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, ok := StartSpan(context.Background(), "logwatch.poll", attribute.String("symbol", "app"))
	EndSpan(ok, nil, "poll complete")

	_, failed := StartSpan(context.Background(), "logwatch.poll")
	EndSpan(failed, errors.New("boom"), "poll failed")

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("first span status = %v, want Ok", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("second span status = %v, want Error", spans[1].Status().Code)
	}
	if len(spans[1].Events()) == 0 {
		t.Error("error was not recorded on the failed span")
	}
}
