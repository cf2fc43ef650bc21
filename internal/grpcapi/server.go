// Package grpcapi serves the gRPC health protocol and carries the
// authorization guard onto gRPC calls.
package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"orgpass.org/internal/apperr"
	"orgpass.org/internal/auth"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/obs"
)

const serviceName = "orgpass.v1"

// HealthMethods are the health service methods callable without a token.
var HealthMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// NewServer builds a gRPC server with the health service registered and
// every unary call guarded by chain, except the public methods.
func NewServer(chain auth.Chain, public []string, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(chain, public...)))
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchReadiness polls r until ctx ends and mirrors the result into the
// health status of the overall server and serviceName.
func WatchReadiness(ctx context.Context, hs *health.Server, r readinessChecker, every time.Duration) {
	check := func() {
		st := healthpb.HealthCheckResponse_SERVING
		cctx, cancel := context.WithTimeout(ctx, every)
		err := r.Check(cctx)
		cancel()
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		obs.SetReady(err == nil)
		hs.SetServingStatus("", st)
		hs.SetServingStatus(serviceName, st)
	}
	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}

// UnaryAuthInterceptor runs chain against the bearer token from the
// authorization metadata. The resolved identity is attached to the context.
func UnaryAuthInterceptor(chain auth.Chain, public ...string) grpc.UnaryServerInterceptor {
	open := make(map[string]struct{}, len(public))
	for _, m := range public {
		open[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := open[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		r := &auth.Request{Bearer: bearerFromMetadata(ctx)}
		if err := chain.Run(ctx, r); err != nil {
			return nil, StatusFromError(err).Err()
		}
		ctx = auth.ContextWithToken(ctx, r.Bearer)
		if r.Identity != nil {
			ctx = auth.ContextWithIdentity(ctx, *r.Identity)
		}
		return handler(ctx, req)
	}
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	return ""
}

// StatusFromError maps an application error to a gRPC status carrying the
// reason code as its message prefix.
func StatusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	}
	reason := apperr.CodeOf(err)
	var code codes.Code
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		code = codes.InvalidArgument
	case apperr.ErrUnauthenticated:
		code = codes.Unauthenticated
	case apperr.ErrForbidden:
		code = codes.PermissionDenied
	case apperr.ErrNotFound:
		code = codes.NotFound
	case apperr.ErrConflict:
		code = codes.FailedPrecondition
		if errors.Is(err, credential.ErrDuplicateCode) || errors.Is(err, identity.ErrEmailTaken) {
			code = codes.AlreadyExists
		}
	case apperr.ErrDecode:
		code = codes.DataLoss
	default:
		return status.New(codes.Internal, reason+": internal error")
	}
	return status.New(code, reason+": "+err.Error())
}
