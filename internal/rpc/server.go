package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"rotor.dev/internal/audit"
	"rotor.dev/internal/auth"
	"rotor.dev/internal/obs"
)

const (
	// ServiceName is the fully qualified gRPC service exposed to collaborators.
	ServiceName = "rotor.auth.v1.AuthInternal"

	methodVerify   = "/" + ServiceName + "/VerifyCredential"
	methodResolve  = "/" + ServiceName + "/ResolvePrincipal"
	methodRevoked  = "/" + ServiceName + "/CheckRevocation"
	requestIDKey   = "x-request-id"
	healthInterval = 10 * time.Second
)

// Readiness is probed to drive the standard gRPC health service.
type Readiness interface {
	Check(ctx context.Context) error
}

// Authenticator is the slice of auth.Service the internal surface needs.
type Authenticator interface {
	Authenticate(token string) (auth.Principal, error)
	AuthenticateRenewal(ctx context.Context, token string) (auth.Principal, error)
	ResolvePrincipal(token string) (auth.Principal, error)
	IsRevoked(ctx context.Context, cid string) (bool, error)
}

// Server implements the internal credential verification service.
type Server struct {
	svc       Authenticator
	readiness Readiness
	health    *health.Server
	log       *zap.Logger
}

// NewServer creates the gRPC service wrapper.
func NewServer(svc Authenticator, r Readiness) *Server {
	return &Server{
		svc:       svc,
		readiness: r,
		health:    health.NewServer(),
		log:       obs.Logger().Named("rpc"),
	}
}

// Register attaches the auth service and the health service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// NewGRPCServer builds a grpc.Server with request logging and registers s on it.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	return gs
}

// Check evaluates readiness and publishes the result to the health service.
func (s *Server) Check(ctx context.Context) error {
	if s.readiness == nil {
		s.setServing(true)
		return nil
	}
	if err := s.readiness.Check(ctx); err != nil {
		s.setServing(false)
		return err
	}
	s.setServing(true)
	return nil
}

// WatchHealth re-runs Check every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = healthInterval
	}
	_ = s.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			if err := s.Check(ctx); err != nil {
				s.log.Warn("readiness check failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) setServing(ok bool) {
	obs.SetReady(ok)
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// VerifyCredential checks an access (default) or renewal credential.
func (s *Server) VerifyCredential(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	var (
		p   auth.Principal
		err error
	)
	switch auth.Kind(stringField(req, "kind")) {
	case "", auth.KindAccess:
		p, err = s.svc.Authenticate(token)
	case auth.KindRenewal:
		p, err = s.svc.AuthenticateRenewal(ctx, token)
	default:
		return nil, status.Error(codes.InvalidArgument, "unknown credential kind")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return principalStruct(p)
}

// ResolvePrincipal returns the principal carried by an access credential.
func (s *Server) ResolvePrincipal(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	p, err := s.svc.ResolvePrincipal(token)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"principal": p.ID})
}

// CheckRevocation reports whether a renewal credential id is revoked.
func (s *Server) CheckRevocation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cid := stringField(req, "cid")
	if cid == "" {
		return nil, status.Error(codes.InvalidArgument, "cid is required")
	}
	revoked, err := s.svc.IsRevoked(ctx, cid)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"cid": cid, "revoked": revoked})
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDKey); len(v) > 0 {
			ctx = audit.WithRequestID(ctx, v[0])
		}
	}
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Info("rpc_complete",
		zap.String("request_id", audit.RequestIDFromContext(ctx)),
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000))
	return resp, err
}

func principalStruct(p auth.Principal) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"principal":  p.ID,
		"cid":        p.Claims.CredentialID,
		"family_id":  p.Claims.FamilyID,
		"kind":       string(p.Claims.Kind),
		"issued_at":  p.Claims.IssuedAt.UTC().Format(time.RFC3339),
		"expires_at": p.Claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.GetFields()[name].GetStringValue())
}

// toStatus maps auth errors onto gRPC codes. Messages stay coarse.
func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrReplayDetected):
		return status.Error(codes.PermissionDenied, "replay detected")
	case errors.Is(err, auth.ErrRevoked):
		return status.Error(codes.PermissionDenied, "revoked")
	case errors.Is(err, auth.ErrUnknownCredential):
		return status.Error(codes.NotFound, "unknown credential")
	case errors.Is(err, auth.ErrInvalidCredential):
		return status.Error(codes.Unauthenticated, "invalid credential")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, "credential store unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

type authInternalServer interface {
	VerifyCredential(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolvePrincipal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckRevocation(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(fullMethod string, call func(authInternalServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(authInternalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(authInternalServer), ctx, req.(*structpb.Struct))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*authInternalServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "VerifyCredential",
			Handler: unaryHandler(methodVerify, func(s authInternalServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.VerifyCredential(ctx, in)
			}),
		},
		{
			MethodName: "ResolvePrincipal",
			Handler: unaryHandler(methodResolve, func(s authInternalServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.ResolvePrincipal(ctx, in)
			}),
		},
		{
			MethodName: "CheckRevocation",
			Handler: unaryHandler(methodRevoked, func(s authInternalServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.CheckRevocation(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rotor/auth/v1/internal.proto",
}
