package tools

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/common/apperr"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/common/tracing"
	"github.com/agenthive/agenthive/internal/security"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	subjectKey
)

// RequestID returns the request id the dispatcher attached, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// CallerSubject returns the authenticated subject, or "".
func CallerSubject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// Observer receives per-call measurements. Implemented by the metrics
// package; nil disables observation.
type Observer interface {
	ObserveToolCall(tool, outcome string, elapsed time.Duration)
}

// Dispatcher runs every tool invocation through the same gauntlet:
// authenticate, validate, input-scan, execute under a bounded semaphore
// with a request-scoped deadline, output-scan, audit.
type Dispatcher struct {
	registry *Registry
	authReg  *auth.Registry
	audit    *auth.Audit
	pipeline *security.Pipeline
	sem      *semaphore.Weighted
	timeout  time.Duration
	observer Observer
	log      *logger.Logger
}

// NewDispatcher wires a dispatcher. maxWorkers bounds in-flight calls;
// timeout is the default per-call deadline.
func NewDispatcher(registry *Registry, authReg *auth.Registry, audit *auth.Audit, pipeline *security.Pipeline, maxWorkers int64, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		authReg:  authReg,
		audit:    audit,
		pipeline: pipeline,
		sem:      semaphore.NewWeighted(maxWorkers),
		timeout:  timeout,
		log:      logger.New("dispatcher"),
	}
}

// SetObserver attaches a metrics observer.
func (d *Dispatcher) SetObserver(o Observer) { d.observer = o }

// Dispatch executes one tool call. Unauthenticated calls are rejected
// before anything about the arguments is recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, token, name string, args map[string]any) (any, error) {
	start := time.Now()

	caller, err := d.authReg.Verify(token)
	if err != nil {
		d.observe(name, err, start)
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	requestID := uuid.New().String()

	ctx, span := tracing.Tracer("dispatcher").Start(ctx, "tool."+name)
	result, err := d.run(ctx, caller, requestID, name, args)

	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.outcome", outcome),
		attribute.String("request.id", requestID),
	)
	span.End()
	d.audit.Record(ctx, caller.Subject, name, requestID, outcome, errDetail(err))
	d.observe(name, err, start)
	return result, err
}

func (d *Dispatcher) run(ctx context.Context, caller auth.Identity, requestID, name string, args map[string]any) (any, error) {
	tool, ok := d.registry.Get(name)
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "unknown tool %q", name)
	}
	if err := checkSchema(tool.InputSchema, args); err != nil {
		return nil, err
	}

	timeout := d.timeout
	if override, err := intArg(args, "timeout_seconds", 0); err == nil && override > 0 {
		timeout = time.Duration(override) * time.Second
		delete(args, "timeout_seconds")
	}

	args, err := d.pipeline.CheckInput(ctx, caller.Subject, name, args)
	if err != nil {
		return nil, err
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.KindResourceExhausted, err, "server at capacity")
	}
	defer d.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx = context.WithValue(callCtx, requestIDKey, requestID)
	callCtx = context.WithValue(callCtx, subjectKey, caller.Subject)

	result, err := d.invoke(callCtx, tool, caller, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && apperr.KindOf(err) == apperr.KindInternal {
			return nil, apperr.Wrap(apperr.KindDeadline, err, "tool %q exceeded its deadline", name)
		}
		return nil, err
	}

	return d.pipeline.CheckOutput(ctx, caller.Subject, name, result)
}

// invoke runs the handler with panic recovery. A panicking tool becomes an
// Internal error carrying the request id, never a crashed server.
func (d *Dispatcher) invoke(ctx context.Context, tool *Tool, caller auth.Identity, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Tool panicked",
				zap.String("tool", tool.Name),
				zap.String("request_id", RequestID(ctx)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = apperr.New(apperr.KindInternal, "internal error (request %s)", RequestID(ctx))
		}
	}()
	return tool.Handler(ctx, caller, args)
}

func (d *Dispatcher) observe(name string, err error, start time.Time) {
	if d.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	d.observer.ObserveToolCall(name, outcome, time.Since(start))
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
