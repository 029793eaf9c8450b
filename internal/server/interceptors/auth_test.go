package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/authgate"
)

type fakeGate struct {
	calls int
}

func (f *fakeGate) Authenticate(_ context.Context, token string) (authgate.Principal, error) {
	f.calls++
	if token == "good" {
		return authgate.Principal{SessionID: "s1", Permissions: []string{"session:read"}}, nil
	}
	return authgate.Principal{}, authgate.ErrUnauthorized
}

func withAuth(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
}

func echoSession(ctx context.Context, _ interface{}) (interface{}, error) {
	if p, ok := authgate.PrincipalFrom(ctx); ok {
		return p.SessionID, nil
	}
	return "anonymous", nil
}

func TestAuthUnary(t *testing.T) {
	public := map[string]bool{"/grpc.health.v1.Health/Check": true}
	tests := []struct {
		name     string
		method   string
		ctx      context.Context
		wantCode codes.Code
		wantResp string
	}{
		{"public without token", "/grpc.health.v1.Health/Check", context.Background(), codes.OK, "anonymous"},
		{"public with bad token", "/grpc.health.v1.Health/Check", withAuth("Bearer bad"), codes.OK, "anonymous"},
		{"public with good token", "/grpc.health.v1.Health/Check", withAuth("Bearer good"), codes.OK, "s1"},
		{"protected without token", "/sessions.Terminal/Attach", context.Background(), codes.Unauthenticated, ""},
		{"protected with bad token", "/sessions.Terminal/Attach", withAuth("Bearer bad"), codes.Unauthenticated, ""},
		{"protected with wrong scheme", "/sessions.Terminal/Attach", withAuth("Basic good"), codes.Unauthenticated, ""},
		{"protected with good token", "/sessions.Terminal/Attach", withAuth("Bearer good"), codes.OK, "s1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interceptor := AuthUnary(&fakeGate{}, public)
			resp, err := interceptor(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, echoSession)
			if code := status.Code(err); code != tt.wantCode {
				t.Fatalf("code = %v, want %v (err %v)", code, tt.wantCode, err)
			}
			if err == nil && resp != tt.wantResp {
				t.Errorf("response = %v, want %q", resp, tt.wantResp)
			}
		})
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestAuthStream(t *testing.T) {
	gate := &fakeGate{}
	interceptor := AuthStream(gate, nil)
	info := &grpc.StreamServerInfo{FullMethod: "/sessions.Terminal/Attach"}

	var seen string
	handler := func(_ interface{}, ss grpc.ServerStream) error {
		p, _ := authgate.PrincipalFrom(ss.Context())
		seen = p.SessionID
		return nil
	}
	if err := interceptor(nil, &fakeStream{ctx: withAuth("Bearer good")}, info, handler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen != "s1" {
		t.Errorf("handler saw session %q, want s1", seen)
	}

	err := interceptor(nil, &fakeStream{ctx: context.Background()}, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
	if gate.calls != 1 {
		t.Errorf("gate calls = %d, want 1 (no call without a token)", gate.calls)
	}
}

func TestStatusFromAuth(t *testing.T) {
	if StatusFromAuth(nil) != nil {
		t.Error("nil error mapped to a status")
	}
	if code := status.Code(StatusFromAuth(authgate.ErrForbidden)); code != codes.PermissionDenied {
		t.Errorf("forbidden -> %v", code)
	}
	if code := status.Code(StatusFromAuth(errors.New("x"))); code != codes.Unauthenticated {
		t.Errorf("other -> %v", code)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":    "abc",
		"bearer abc":    "abc",
		"BEARER  abc  ": "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"":              "",
	}
	for header, want := range tests {
		if got := extractBearer(withAuth(header)); got != want {
			t.Errorf("extractBearer(%q) = %q, want %q", header, got, want)
		}
	}
	if got := extractBearer(context.Background()); got != "" {
		t.Errorf("no metadata: got %q", got)
	}
}

func TestClientIP(t *testing.T) {
	md := func(kv ...string) context.Context {
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
	}
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"x-forwarded-for", md("x-forwarded-for", "203.0.113.1"), "203.0.113.1"},
		{"x-forwarded-for list", md("x-forwarded-for", "203.0.113.1, 10.0.0.1"), "203.0.113.1"},
		{"x-real-ip", md("x-real-ip", " 198.51.100.7 "), "198.51.100.7"},
		{"forwarded wins", md("x-forwarded-for", "203.0.113.1", "x-real-ip", "198.51.100.7"), "203.0.113.1"},
		{"peer", peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.0.2.9"), Port: 5000}}), "192.0.2.9"},
		{"unknown", context.Background(), "unknown"},
	}
	for _, tt := range tests {
		if got := ClientIP(tt.ctx); got != tt.want {
			t.Errorf("%s: ClientIP = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRequestLogUnary_PassesThrough(t *testing.T) {
	interceptor := RequestLogUnary(map[string]bool{"/skip": true})
	wantErr := status.Error(codes.NotFound, "missing")
	for _, method := range []string{"/skip", "/logged"} {
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: method},
			func(context.Context, interface{}) (interface{}, error) { return nil, wantErr })
		if !errors.Is(err, wantErr) {
			t.Errorf("%s: err = %v, want %v", method, err, wantErr)
		}
	}
}

func TestRequestLogUnary_ChainedBeforeAuth(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })

	reqLog := RequestLogUnary(nil)
	auth := AuthUnary(&fakeGate{}, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/sessions.Terminal/Attach"}
	call := func(ctx context.Context, handler grpc.UnaryHandler) error {
		_, err := reqLog(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return auth(ctx, req, info, handler)
		})
		return err
	}

	if err := call(withAuth("Bearer bad"), echoSession); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("bad token: err = %v, want Unauthenticated", err)
	}
	if got := buf.String(); !strings.Contains(got, "/sessions.Terminal/Attach Unauthenticated session=-") {
		t.Errorf("rejection log = %q", got)
	}

	buf.Reset()
	failing := func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "missing")
	}
	if err := call(withAuth("Bearer good"), failing); status.Code(err) != codes.NotFound {
		t.Fatalf("good token: err = %v, want NotFound", err)
	}
	if got := buf.String(); !strings.Contains(got, "NotFound session=s1") {
		t.Errorf("handler failure log = %q", got)
	}
}
