package calls

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/logging"
	"github.com/drblury/tenantflow/internal/runtime/metrics"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
)

// ErrorInfo reasons attached to routing failures.
const (
	ErrorDomain                = "tenantflow"
	ReasonMalformedCallContext = "MALFORMED_CALL_CONTEXT"
	ReasonTenantUnavailable    = "TENANT_UNAVAILABLE"
)

// Resolver resolves a tenant token to an Available engine.
type Resolver interface {
	Resolve(token string) (*tenant.Engine, error)
}

// Router resolves the tenant of each inbound call and hands the call to
// that tenant's engine. It never retries or queues.
type Router struct {
	resolver Resolver
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l logging.ServiceLogger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		if t != nil {
			r.tracer = t
		}
	}
}

func NewRouter(resolver Resolver, opts ...Option) (*Router, error) {
	if resolver == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	r := &Router{
		resolver: resolver,
		logger:   logging.Discard(),
		tracer:   otel.Tracer("tenantflow/calls"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.LogFields{"component": "call-router"})
	return r, nil
}

// Resolve extracts the tenant token of ctx and resolves its engine. The
// returned error is a gRPC status.
func (r *Router) Resolve(ctx context.Context) (*tenant.Engine, error) {
	token, err := TokenFromIncoming(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	e, err := r.resolver.Resolve(token)
	if err != nil {
		return nil, toStatus(err)
	}
	return e, nil
}

// UnaryServerInterceptor routes unary calls. Calls without a tenant token
// fail with InvalidArgument, calls for an unavailable tenant with
// Unavailable. A panic in the handler becomes Internal.
func (r *Router) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		e, err := r.Resolve(ctx)
		if err != nil {
			r.record(info.FullMethod, err)
			return nil, err
		}
		ctx, span := r.startSpan(ctx, info.FullMethod, e)
		defer func() {
			if p := recover(); p != nil {
				err = r.recovered(info.FullMethod, e, p)
			}
			r.finish(span, info.FullMethod, err)
		}()
		return handler(ContextWithEngine(ctx, e), req)
	}
}

// StreamServerInterceptor routes streaming calls like UnaryServerInterceptor.
func (r *Router) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		ctx := ss.Context()
		e, err := r.Resolve(ctx)
		if err != nil {
			r.record(info.FullMethod, err)
			return err
		}
		ctx, span := r.startSpan(ctx, info.FullMethod, e)
		defer func() {
			if p := recover(); p != nil {
				err = r.recovered(info.FullMethod, e, p)
			}
			r.finish(span, info.FullMethod, err)
		}()
		return handler(srv, &tenantStream{ServerStream: ss, ctx: ContextWithEngine(ctx, e)})
	}
}

type tenantStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tenantStream) Context() context.Context { return s.ctx }

func (r *Router) startSpan(ctx context.Context, method string, e *tenant.Engine) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, method, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(
		attribute.String("tenantflow.tenant", e.Token()),
		attribute.String("rpc.method", method),
	))
}

func (r *Router) finish(span trace.Span, method string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
	r.record(method, err)
}

func (r *Router) recovered(method string, e *tenant.Engine, p any) error {
	r.logger.Error("Tenant call handler panicked", fmt.Errorf("panic: %v", p), logging.LogFields{
		"method": method,
		"tenant": e.Token(),
		"stack":  string(debug.Stack()),
	})
	return status.Error(codes.Internal, "tenant call failed")
}

func (r *Router) record(method string, err error) {
	r.metrics.RecordCall(method, status.Code(err).String())
}

// toStatus converts routing failures to gRPC statuses carrying ErrorInfo.
func toStatus(err error) error {
	var malformed *errspkg.MalformedCallContextError
	if errors.As(err, &malformed) {
		return withInfo(codes.InvalidArgument, err.Error(), ReasonMalformedCallContext, map[string]string{"key": malformed.Key})
	}
	var unavailable *errspkg.TenantUnavailableError
	if errors.As(err, &unavailable) {
		return withInfo(codes.Unavailable, err.Error(), ReasonTenantUnavailable, map[string]string{
			"tenant": unavailable.Token,
			"state":  unavailable.State,
		})
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func withInfo(code codes.Code, msg, reason string, md map[string]string) error {
	st := status.New(code, msg)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain, Metadata: md})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// Reason returns the ErrorInfo reason of a status error, or "".
func Reason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.GetReason()
		}
	}
	return ""
}

// Route forwards a call to the implementation of the engine resolved for
// ctx and returns its result verbatim. The engine implementation must be
// an Impl.
func Route[Impl, Req, Resp any](ctx context.Context, req Req, call func(Impl, context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	e, ok := EngineFromContext(ctx)
	if !ok {
		return zero, status.Error(codes.Internal, "no tenant engine bound to call")
	}
	impl, ok := e.Implementation().(Impl)
	if !ok {
		return zero, status.Errorf(codes.Unimplemented, "tenant %s does not implement %T", e.Token(), (*Impl)(nil))
	}
	return call(impl, ctx, req)
}
