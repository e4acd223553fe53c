// Package calls routes synchronous gRPC calls to the engine of the tenant
// named in the call metadata.
package calls

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
)

// Call metadata keys carrying the tenant token. gRPC lowercases keys.
const (
	MetadataKey      = "tenant-token"
	MetadataKeyAlias = "x-tenant-token"
)

// TokenFromIncoming returns the tenant token of an inbound call. A missing
// or blank token is a MalformedCallContextError.
func TokenFromIncoming(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		for _, key := range []string{MetadataKey, MetadataKeyAlias} {
			for _, v := range md.Get(key) {
				if v = strings.TrimSpace(v); v != "" {
					return v, nil
				}
			}
		}
	}
	return "", &errspkg.MalformedCallContextError{Key: MetadataKey}
}

// WithTenant returns ctx with token attached to outgoing call metadata.
func WithTenant(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, MetadataKey, token)
}

func hasOutgoingTenant(ctx context.Context) bool {
	md, ok := metadata.FromOutgoingContext(ctx)
	return ok && (len(md.Get(MetadataKey)) > 0 || len(md.Get(MetadataKeyAlias)) > 0)
}

// UnaryClientInterceptor attaches token to every call that does not carry
// a tenant token already.
func UnaryClientInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if !hasOutgoingTenant(ctx) {
			ctx = WithTenant(ctx, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor is the streaming form of UnaryClientInterceptor.
func StreamClientInterceptor(token string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if !hasOutgoingTenant(ctx) {
			ctx = WithTenant(ctx, token)
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

type engineKey struct{}

// ContextWithEngine stores the resolved engine of a call.
func ContextWithEngine(ctx context.Context, e *tenant.Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, e)
}

// EngineFromContext returns the engine stored by the server interceptors.
func EngineFromContext(ctx context.Context) (*tenant.Engine, bool) {
	e, ok := ctx.Value(engineKey{}).(*tenant.Engine)
	return e, ok && e != nil
}
