package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"schoolportal/identity/internal/apperrors"
	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/model"
)

// ServiceName is the session lookup service sibling portal services call to
// resolve a bearer token.
const ServiceName = "schoolportal.identity.v1.SessionService"

const (
	verifySessionMethod = "/" + ServiceName + "/VerifySession"
	getIdentityMethod   = "/" + ServiceName + "/GetIdentity"
)

// Sessions is the part of authn.Service the gRPC surface needs.
type Sessions interface {
	Verify(token string) (*auth.Claims, error)
	Me(ctx context.Context, claims *auth.Claims) (model.Identity, error)
}

// SessionServiceServer is the handler type registered under ServiceName.
// Requests carry the session token as a StringValue.
type SessionServiceServer interface {
	VerifySession(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetIdentity(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

type SessionServer struct {
	sessions Sessions
}

func NewSessionServer(sessions Sessions) *SessionServer {
	return &SessionServer{sessions: sessions}
}

// VerifySession returns the claims of a valid token.
func (s *SessionServer) VerifySession(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	claims, err := s.verify(req)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{
		"id":       claims.ID,
		"username": claims.Username,
		"role":     string(claims.Role),
	}
	if claims.ExpiresAt != nil {
		fields["expiresAt"] = claims.ExpiresAt.Time.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(fields)
}

// GetIdentity resolves a valid token to the stored record, without secrets.
func (s *SessionServer) GetIdentity(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	claims, err := s.verify(req)
	if err != nil {
		return nil, err
	}
	identity, err := s.sessions.Me(ctx, claims)
	if err != nil {
		return nil, toStatus(err)
	}

	fields := map[string]interface{}{
		"id":        identity.ID,
		"role":      string(identity.Role),
		"username":  identity.Username,
		"email":     identity.Email,
		"name":      identity.Name,
		"isActive":  identity.IsActive,
		"emailSent": identity.EmailSent,
		"createdAt": identity.CreatedAt.UTC().Format(time.RFC3339),
	}
	if identity.Role == model.RoleStudent {
		fields["class"] = identity.Class
		fields["division"] = identity.Division
		fields["parentName"] = identity.ParentName
		fields["place"] = identity.Place
	}
	if identity.RollNumber != nil {
		fields["rollNumber"] = *identity.RollNumber
	}
	if identity.Phone != nil {
		fields["phone"] = *identity.Phone
	}
	if identity.LastLogin != nil {
		fields["lastLogin"] = identity.LastLogin.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(fields)
}

func (s *SessionServer) verify(req *wrapperspb.StringValue) (*auth.Claims, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "token required")
	}
	claims, err := s.sessions.Verify(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return claims, nil
}

func toStatus(err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeUnauthorized:
		return status.Error(codes.Unauthenticated, "invalid session")
	case apperrors.CodeNotFound:
		return status.Error(codes.NotFound, "identity not found")
	case apperrors.CodeTimeout:
		return status.Error(codes.DeadlineExceeded, "record store timed out")
	default:
		return status.Error(codes.Internal, "lookup failed")
	}
}

func RegisterSessionServiceServer(registrar grpc.ServiceRegistrar, srv SessionServiceServer) {
	registrar.RegisterService(&sessionServiceDesc, srv)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "VerifySession", Handler: verifySessionHandler},
		{MethodName: "GetIdentity", Handler: getIdentityHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func verifySessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).VerifySession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: verifySessionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).VerifySession(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getIdentityHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).GetIdentity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getIdentityMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).GetIdentity(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
