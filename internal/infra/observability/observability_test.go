package observability

import (
	"context"
	"errors"
	"testing"
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

func TestTracer_StartEnd_RecordsSpan(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())

	_, span := tr.StartSpan(context.Background(), "bout.run", map[string]string{"bout_id": "b1"})
	tr.EndSpan(span, nil)

	if tr.SpanCount() != 1 {
		t.Fatalf("SpanCount() = %d, want 1", tr.SpanCount())
	}
	spans := tr.Spans(1)
	if spans[0].Operation != "bout.run" {
		t.Errorf("Operation = %q, want %q", spans[0].Operation, "bout.run")
	}
	if spans[0].Status != SpanOK {
		t.Errorf("Status = %d, want SpanOK", spans[0].Status)
	}
	if spans[0].EndTime.Before(spans[0].StartTime) {
		t.Error("EndTime should not be before StartTime")
	}
	if spans[0].Attrs["bout_id"] != "b1" {
		t.Errorf("Attrs[bout_id] = %q, want %q", spans[0].Attrs["bout_id"], "b1")
	}
}

func TestTracer_ChildSpanLinksParent(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	ctx := WithTraceID(context.Background(), "req-42")

	ctx, parent := tr.StartSpan(ctx, "bout.run", nil)
	_, child := tr.StartSpan(ctx, "bout.turn", nil)
	tr.EndSpan(child, nil)
	tr.EndSpan(parent, nil)

	if child.ParentID != parent.SpanID {
		t.Errorf("child.ParentID = %q, want %q", child.ParentID, parent.SpanID)
	}
	if child.TraceID != "req-42" || parent.TraceID != "req-42" {
		t.Errorf("trace ids = %q/%q, want req-42", parent.TraceID, child.TraceID)
	}
	if TraceID(ctx) != "req-42" {
		t.Errorf("TraceID(ctx) = %q", TraceID(ctx))
	}
}

func TestTracer_EndSpan_RecordsError(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())

	_, span := tr.StartSpan(context.Background(), "ledger.settle", nil)
	tr.EndSpan(span, errors.New("boom"))

	spans := tr.Spans(1)
	if spans[0].Status != SpanError {
		t.Errorf("Status = %d, want SpanError", spans[0].Status)
	}
	if spans[0].Attrs["error"] != "boom" {
		t.Errorf("error attr = %q, want %q", spans[0].Attrs["error"], "boom")
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: false, MaxSpans: 100})
	_, span := tr.StartSpan(context.Background(), "noop", nil)
	tr.EndSpan(span, nil)

	if tr.SpanCount() != 0 {
		t.Errorf("disabled tracer SpanCount() = %d, want 0", tr.SpanCount())
	}
}

func TestTracer_NilIsNoop(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartSpan(context.Background(), "noop", nil)
	span.SetAttr("k", "v")
	tr.EndSpan(span, nil)
	if ctx == nil || tr.SpanCount() != 0 || tr.Spans(5) != nil {
		t.Error("nil tracer should record nothing")
	}
}

func TestTracer_RingBuffer_Overflow(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: true, MaxSpans: 3})
	for i := 0; i < 5; i++ {
		_, span := tr.StartSpan(context.Background(), "op", map[string]string{"i": string(rune('a' + i))})
		tr.EndSpan(span, nil)
	}

	if tr.SpanCount() != 3 {
		t.Fatalf("SpanCount() = %d, want 3 (ring buffer)", tr.SpanCount())
	}
	if got := tr.Spans(0)[0].Attrs["i"]; got != "c" {
		t.Errorf("oldest kept span = %q, want %q", got, "c")
	}

	tr.Reset()
	if tr.SpanCount() != 0 {
		t.Errorf("after Reset SpanCount() = %d, want 0", tr.SpanCount())
	}
}
