package otel_test

import (
	"context"
	"testing"

	tlotel "github.com/taskloom/taskloom/internal/otel"
)

func TestSetupDisabledReturnsUsableNoopTracer(t *testing.T) {
	p, err := tlotel.Setup(tlotel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("expected a non-nil tracer even when disabled")
	}
	_, span := tlotel.StartSpan(context.Background(), p.Tracer, "test.span")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetupEnabledProducesStdoutExporterTracer(t *testing.T) {
	p, err := tlotel.Setup(tlotel.Config{Enabled: true, ServiceName: "taskloom-test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("expected a non-nil tracer")
	}
	_, span := tlotel.StartClientSpan(context.Background(), p.Tracer, "test.client.span",
		tlotel.AttrTaskID.String("task-1"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
