package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/model"
)

const testServiceToken = "service-secret"

var testExpiry = time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

// staticSessions knows one valid token. "orphan-token" verifies but has no record.
type staticSessions struct{}

func (staticSessions) Verify(token string) (*auth.Claims, error) {
	switch token {
	case "good-token":
		return &auth.Claims{
			ID:               "user-1",
			Username:         "alicedoe",
			Role:             model.RoleStudent,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(testExpiry)},
		}, nil
	case "orphan-token":
		return &auth.Claims{ID: "missing", Role: model.RoleStudent}, nil
	}
	return nil, apperrors.New(apperrors.CodeUnauthorized, "invalid session token")
}

func (staticSessions) Me(_ context.Context, claims *auth.Claims) (model.Identity, error) {
	if claims.ID != "user-1" {
		return model.Identity{}, apperrors.New(apperrors.CodeNotFound, "identity not found")
	}
	return model.Identity{
		ID:           "user-1",
		Role:         model.RoleStudent,
		Username:     "alicedoe",
		PasswordHash: "$2a$12$secret",
		Email:        "alice@example.local",
		Name:         "Alice Doe",
		Class:        "10",
		Division:     "A",
		IsActive:     true,
		CreatedAt:    testExpiry,
	}, nil
}

func dialTestServer(t *testing.T, serviceToken string) *grpc.ClientConn {
	t.Helper()
	server, err := NewServer(serviceToken, staticSessions{}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(func() { server.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func withServiceToken(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, serviceTokenHeader, testServiceToken)
}

func TestHealthIsExemptFromServiceAuth(t *testing.T) {
	conn := dialTestServer(t, testServiceToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", resp.GetStatus())
	}
}

func TestVerifySessionRequiresServiceToken(t *testing.T) {
	conn := dialTestServer(t, testServiceToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := new(structpb.Struct)
	err := conn.Invoke(ctx, verifySessionMethod, wrapperspb.String("good-token"), out)
	if got := status.Code(err); got != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without service token, got %s", got)
	}

	wrong := metadata.AppendToOutgoingContext(ctx, serviceTokenHeader, "nope")
	err = conn.Invoke(wrong, verifySessionMethod, wrapperspb.String("good-token"), out)
	if got := status.Code(err); got != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied with wrong service token, got %s", got)
	}
}

func TestVerifySession(t *testing.T) {
	conn := dialTestServer(t, testServiceToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withServiceToken(ctx)

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, verifySessionMethod, wrapperspb.String("good-token"), out); err != nil {
		t.Fatalf("verify session: %v", err)
	}
	fields := out.GetFields()
	if fields["id"].GetStringValue() != "user-1" || fields["username"].GetStringValue() != "alicedoe" {
		t.Fatalf("unexpected claims %v", out.AsMap())
	}
	if fields["role"].GetStringValue() != string(model.RoleStudent) {
		t.Fatalf("expected student role, got %q", fields["role"].GetStringValue())
	}
	if fields["expiresAt"].GetStringValue() != "2030-01-02T03:04:05Z" {
		t.Fatalf("unexpected expiry %q", fields["expiresAt"].GetStringValue())
	}

	cases := []struct {
		name  string
		token string
		want  codes.Code
	}{
		{"empty", "", codes.InvalidArgument},
		{"invalid", "forged", codes.Unauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := conn.Invoke(ctx, verifySessionMethod, wrapperspb.String(tc.token), new(structpb.Struct))
			if got := status.Code(err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestGetIdentity(t *testing.T) {
	conn := dialTestServer(t, testServiceToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = withServiceToken(ctx)

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, getIdentityMethod, wrapperspb.String("good-token"), out); err != nil {
		t.Fatalf("get identity: %v", err)
	}
	fields := out.GetFields()
	if fields["email"].GetStringValue() != "alice@example.local" || fields["class"].GetStringValue() != "10" {
		t.Fatalf("unexpected identity %v", out.AsMap())
	}
	if !fields["isActive"].GetBoolValue() {
		t.Fatalf("expected isActive true")
	}
	for _, secret := range []string{"passwordHash", "password", "qrTokenHash"} {
		if _, ok := fields[secret]; ok {
			t.Fatalf("identity response leaks %s", secret)
		}
	}

	err := conn.Invoke(ctx, getIdentityMethod, wrapperspb.String("orphan-token"), new(structpb.Struct))
	if got := status.Code(err); got != codes.NotFound {
		t.Fatalf("expected NotFound for a token without a record, got %s", got)
	}
}

func TestServerWithoutServiceToken(t *testing.T) {
	conn := dialTestServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Invoke(ctx, verifySessionMethod, wrapperspb.String("good-token"), new(structpb.Struct)); err != nil {
		t.Fatalf("expected unauthenticated listener to serve in dev: %v", err)
	}
}

func TestServiceAuthInterceptor(t *testing.T) {
	if _, err := NewServiceAuthUnaryInterceptor(""); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
	interceptor, err := NewServiceAuthUnaryInterceptor(testServiceToken)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	handler := func(context.Context, interface{}) (interface{}, error) { return "ok", nil }

	cases := []struct {
		name   string
		method string
		ctx    context.Context
		want   codes.Code
	}{
		{"missing", getIdentityMethod, context.Background(), codes.Unauthenticated},
		{"wrong", getIdentityMethod, metadata.NewIncomingContext(context.Background(), metadata.Pairs(serviceTokenHeader, "nope")), codes.PermissionDenied},
		{"valid", getIdentityMethod, metadata.NewIncomingContext(context.Background(), metadata.Pairs(serviceTokenHeader, " service-secret ")), codes.OK},
		{"health", "/grpc.health.v1.Health/Check", context.Background(), codes.OK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := interceptor(tc.ctx, nil, &grpc.UnaryServerInfo{FullMethod: tc.method}, handler)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
