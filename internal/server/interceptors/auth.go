// Package interceptors holds gRPC server interceptors.
package interceptors

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/authgate"
)

const bearerPrefix = "bearer "

// Authenticator resolves a bearer token to a live session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (authgate.Principal, error)
}

// AuthUnary returns a unary server interceptor that authenticates the Bearer token from gRPC
// metadata and stores the principal in the context. publicMethods is the set of full method
// names that do not require a token (e.g. grpc.health.v1.Health/Check); they still get the
// principal when a valid token is sent.
func AuthUnary(gate Authenticator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := authenticate(ctx, gate, publicMethods[info.FullMethod])
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// AuthStream is AuthUnary for streaming RPCs.
func AuthStream(gate Authenticator, publicMethods map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), gate, publicMethods[info.FullMethod])
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, gate Authenticator, public bool) (context.Context, error) {
	token := extractBearer(ctx)
	if token == "" {
		if public {
			return ctx, nil
		}
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	p, err := gate.Authenticate(ctx, token)
	if err != nil {
		if public {
			return ctx, nil
		}
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	noteSession(ctx, p.SessionID)
	return authgate.WithPrincipal(ctx, p), nil
}

// authedStream overrides Context so handlers see the principal.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

// StatusFromAuth maps gate errors to gRPC status errors for handlers that authorize inline.
func StatusFromAuth(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authgate.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	default:
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
}
