// Package telemetry records runs as OpenTelemetry traces: one span per
// test with a child span per step and per failed start condition.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/devicelab-dev/pagecheck/pkg/core"
	"github.com/devicelab-dev/pagecheck/pkg/executor"
	"github.com/devicelab-dev/pagecheck/pkg/flow"
)

const tracerName = "github.com/devicelab-dev/pagecheck/pkg/telemetry"

// Attribute keys
var (
	AttrTestID     = attribute.Key("pagecheck.test.id")
	AttrTestName   = attribute.Key("pagecheck.test.name")
	AttrTestSource = attribute.Key("pagecheck.test.source")
	AttrTestStatus = attribute.Key("pagecheck.test.status")
	AttrStepIndex  = attribute.Key("pagecheck.step.index")
	AttrStepAction = attribute.Key("pagecheck.step.action")
	AttrStepStatus = attribute.Key("pagecheck.step.status")
	AttrErrorCode  = attribute.Key("pagecheck.error.code")
	AttrErrorCat   = attribute.Key("pagecheck.error.category")
	AttrState      = attribute.Key("pagecheck.state")
)

type testSpans struct {
	ctx  context.Context
	span trace.Span
	step trace.Span
}

// Tracer is an executor.Observer that turns engine events into spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	mu    sync.Mutex
	tests map[string]*testSpans
}

var _ executor.Observer = (*Tracer)(nil)

// NewStdout creates a tracer that exports JSON spans to w when Shutdown
// is called or its batch fills.
func NewStdout(w io.Writer, serviceVersion string) (*Tracer, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return New(sdktrace.WithBatcher(exporter), serviceVersion), nil
}

// New creates a tracer whose spans go to the given processor option, such
// as sdktrace.WithBatcher or sdktrace.WithSyncer.
func New(exporter sdktrace.TracerProviderOption, serviceVersion string) *Tracer {
	res := resource.NewSchemaless(
		attribute.String("service.name", "pagecheck"),
		attribute.String("service.version", serviceVersion),
	)
	provider := sdktrace.NewTracerProvider(
		exporter,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
		tests:    make(map[string]*testSpans),
	}
}

// Shutdown ends spans still open and flushes the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	for id, ts := range t.tests {
		if ts.step != nil {
			ts.step.End()
		}
		ts.span.SetStatus(codes.Error, "test did not finish")
		ts.span.End()
		delete(t.tests, id)
	}
	t.mu.Unlock()
	return t.provider.Shutdown(ctx)
}

func (t *Tracer) OnTestStart(info executor.TestInfo) {
	ctx, span := t.tracer.Start(context.Background(), "test "+info.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrTestID.String(info.ID),
			AttrTestName.String(info.Name),
			AttrTestSource.String(info.Source),
		),
	)
	t.mu.Lock()
	t.tests[info.ID] = &testSpans{ctx: ctx, span: span}
	t.mu.Unlock()
}

func (t *Tracer) OnStateChange(info executor.TestInfo, state executor.State) {
	if ts := t.lookup(info); ts != nil {
		ts.span.AddEvent("state", trace.WithAttributes(AttrState.String(state.String())))
	}
}

func (t *Tracer) OnStepStart(info executor.TestInfo, index int, step *flow.Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.tests[info.ID]
	if ts == nil {
		return
	}
	_, ts.step = t.tracer.Start(ts.ctx, "step "+step.Name,
		trace.WithAttributes(
			AttrStepIndex.Int(index),
			AttrStepAction.String(string(step.Action)),
		),
	)
}

func (t *Tracer) OnStepEnd(info executor.TestInfo, index int, result *core.StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.tests[info.ID]
	if ts == nil {
		return
	}

	span := ts.step
	ts.step = nil
	if index < 0 || span == nil {
		// Start conditions have no start event; rebuild the span from the
		// result's timing.
		_, span = t.tracer.Start(ts.ctx, result.Name,
			trace.WithTimestamp(result.StartTime),
			trace.WithAttributes(AttrStepIndex.Int(index)),
		)
		defer span.End(trace.WithTimestamp(result.StartTime.Add(result.Duration)))
	} else {
		defer span.End()
	}

	span.SetAttributes(AttrStepStatus.String(result.Status.String()))
	if result.Failed() {
		span.SetAttributes(
			AttrErrorCode.String(result.Code),
			AttrErrorCat.String(result.Category.String()),
		)
		span.SetStatus(codes.Error, result.Error)
		for _, msg := range result.ValidationErrors {
			span.AddEvent("validation failed", trace.WithAttributes(attribute.String("message", msg)))
		}
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (t *Tracer) OnTestEnd(info executor.TestInfo, result *core.TestResult) {
	t.mu.Lock()
	ts := t.tests[info.ID]
	delete(t.tests, info.ID)
	t.mu.Unlock()
	if ts == nil {
		return
	}

	if ts.step != nil {
		ts.step.End()
	}
	ts.span.SetAttributes(AttrTestStatus.String(result.Status.String()))
	switch {
	case result.Critical:
		ts.span.RecordError(result.Err)
		ts.span.SetAttributes(AttrErrorCode.String(core.CodeOf(result.Err)))
		ts.span.SetStatus(codes.Error, result.Error)
	case result.Status == core.StatusFailed:
		ts.span.SetStatus(codes.Error, fmt.Sprintf("%d step(s) failed", result.FailedSteps))
	default:
		ts.span.SetStatus(codes.Ok, "")
	}
	ts.span.End()
}

func (t *Tracer) lookup(info executor.TestInfo) *testSpans {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tests[info.ID]
}
