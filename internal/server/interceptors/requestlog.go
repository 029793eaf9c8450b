package interceptors

import (
	"context"
	"log"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/authgate"
)

// callSession carries the session id authenticated further down the chain back to the request log.
type callSession struct{ id string }

type callSessionKey struct{}

func withCallSession(ctx context.Context) (context.Context, *callSession) {
	cs := &callSession{}
	return context.WithValue(ctx, callSessionKey{}, cs), cs
}

// noteSession records the authenticated session for the enclosing request log, if any.
func noteSession(ctx context.Context, id string) {
	if cs, ok := ctx.Value(callSessionKey{}).(*callSession); ok {
		cs.id = id
	}
}

// RequestLogUnary returns a unary server interceptor that logs failed RPCs with the caller's
// session and address. Methods in skipMethods (e.g. health checks) are never logged.
// Chain it before AuthUnary.
func RequestLogUnary(skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		ctx, cs := withCallSession(ctx)
		resp, err := handler(ctx, req)
		if err != nil && !skipMethods[info.FullMethod] {
			logRPC(ctx, cs, info.FullMethod, err, time.Since(start))
		}
		return resp, err
	}
}

// RequestLogStream is RequestLogUnary for streaming RPCs.
func RequestLogStream(skipMethods map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx, cs := withCallSession(ss.Context())
		err := handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
		if err != nil && !skipMethods[info.FullMethod] {
			logRPC(ctx, cs, info.FullMethod, err, time.Since(start))
		}
		return err
	}
}

func logRPC(ctx context.Context, cs *callSession, method string, err error, elapsed time.Duration) {
	code := status.Code(err)
	if code == codes.Canceled {
		return
	}
	session := "-"
	if p, ok := authgate.PrincipalFrom(ctx); ok {
		session = p.SessionID
	} else if cs.id != "" {
		session = cs.id
	}
	log.Printf("grpc: %s %s session=%s ip=%s took=%s", method, code, session, ClientIP(ctx), elapsed.Round(time.Millisecond))
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
