package ralph

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"agentrelay/internal/event"
	"agentrelay/internal/trace"
)

// TracingObserver records a run as OpenTelemetry spans: one loop span, a
// child span per iteration and a grandchild span per tool execution.
type TracingObserver struct {
	NoopObserver
	provider *trace.Provider
	tracer   oteltrace.Tracer

	mu        sync.Mutex
	loopCtx   context.Context
	loopSpan  oteltrace.Span
	iterCtx   context.Context
	iterSpan  oteltrace.Span
	toolSpans map[string]oteltrace.Span // tool call ID → span
}

var _ Observer = (*TracingObserver)(nil)

// NewTracingObserver creates a TracingObserver exporting through p.
func NewTracingObserver(p *trace.Provider) *TracingObserver {
	return &TracingObserver{
		provider:  p,
		tracer:    p.Tracer(),
		toolSpans: make(map[string]oteltrace.Span),
	}
}

// OnLoopStart begins the loop span.
func (o *TracingObserver) OnLoopStart(info LoopInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loopCtx, o.loopSpan = o.tracer.Start(context.Background(), "ralph-loop",
		oteltrace.WithAttributes(trace.Attributes(map[string]string{
			"mode":               info.Mode.String(),
			"model":              info.Model,
			"max_iterations":     strconv.Itoa(info.MaxIterations),
			"completion_promise": info.CompletionPromise,
		})...))
}

// OnIterationStart begins an iteration span.
func (o *TracingObserver) OnIterationStart(info IterationInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loopSpan == nil {
		return
	}
	o.iterCtx, o.iterSpan = o.tracer.Start(o.loopCtx, "iteration-"+strconv.Itoa(info.Iteration),
		oteltrace.WithAttributes(
			attribute.Int(trace.AttrKey("iteration"), info.Iteration),
			attribute.String(trace.AttrKey("session_id"), info.SessionID),
			attribute.Int(trace.AttrKey("prompt_length"), len(info.Prompt)),
		))
}

// OnEvent opens and closes tool spans.
func (o *TracingObserver) OnEvent(_ int, e event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.iterSpan == nil {
		return
	}
	switch e.Type {
	case event.TypeToolExecutionStart:
		attrs := map[string]string{"tool_name": e.Data.ToolName, "tool_call_id": e.Data.ToolCallID}
		for k, v := range e.Data.Attributes {
			attrs[k] = v
		}
		_, span := o.tracer.Start(o.iterCtx, "tool:"+e.Data.ToolName,
			oteltrace.WithAttributes(trace.Attributes(attrs)...))
		o.toolSpans[e.Data.ToolCallID] = span
	case event.TypeToolExecutionComplete:
		span, ok := o.toolSpans[e.Data.ToolCallID]
		if !ok {
			return
		}
		delete(o.toolSpans, e.Data.ToolCallID)
		if e.Data.Result != "" {
			span.SetAttributes(attribute.String(trace.AttrKey("tool_result"), e.Data.Result))
		}
		span.End()
	}
}

// OnIterationEnd ends the iteration span and any tool spans left open.
func (o *TracingObserver) OnIterationEnd(r IterationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.iterSpan == nil {
		return
	}
	for id, span := range o.toolSpans {
		span.End()
		delete(o.toolSpans, id)
	}
	o.iterSpan.SetAttributes(
		attribute.Bool(trace.AttrKey("completed"), r.Completed),
		attribute.Int(trace.AttrKey("response_length"), len(r.Response)),
	)
	if r.Err != nil {
		o.iterSpan.RecordError(r.Err)
		o.iterSpan.SetStatus(codes.Error, r.Err.Error())
	}
	o.iterSpan.End()
	o.iterSpan = nil
	o.iterCtx = nil
}

// OnLoopEnd ends the loop span.
func (o *TracingObserver) OnLoopEnd(res *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loopSpan == nil {
		return
	}
	o.loopSpan.SetAttributes(
		attribute.String(trace.AttrKey("state"), res.State.String()),
		attribute.Int(trace.AttrKey("iterations"), res.Iterations),
	)
	if err != nil {
		o.loopSpan.RecordError(err)
		o.loopSpan.SetStatus(codes.Error, err.Error())
	}
	o.loopSpan.End()
	o.loopSpan = nil
}

// Shutdown flushes pending spans.
func (o *TracingObserver) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}
