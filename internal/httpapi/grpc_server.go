package httpapi

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/obs"
	"qazna.org/entitlements/internal/reconcile"
)

const (
	purchaseServiceName = "entitlements.v1.PurchaseService"
	healthMethodPrefix  = "/grpc.health.v1.Health/"
	verifyMethod        = "/" + purchaseServiceName + "/Verify"
	restoreMethod       = "/" + purchaseServiceName + "/Restore"
)

// PurchaseServiceServer is the gRPC face of Verify and Restore. Messages are
// google.protobuf.Struct values with the same field names as the JSON API.
type PurchaseServiceServer interface {
	Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Restore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPurchaseServiceServer attaches srv to s.
func RegisterPurchaseServiceServer(s grpc.ServiceRegistrar, srv PurchaseServiceServer) {
	s.RegisterService(&purchaseServiceDesc, srv)
}

var purchaseServiceDesc = grpc.ServiceDesc{
	ServiceName: purchaseServiceName,
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: purchaseHandler(verifyMethod, PurchaseServiceServer.Verify)},
		{MethodName: "Restore", Handler: purchaseHandler(restoreMethod, PurchaseServiceServer.Restore)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "entitlements/v1/purchase.proto",
}

type purchaseMethod func(PurchaseServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func purchaseHandler(fullMethod string, call purchaseMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PurchaseServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PurchaseServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// PurchaseServiceClient calls PurchaseService over any client connection.
type PurchaseServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPurchaseServiceClient(cc grpc.ClientConnInterface) *PurchaseServiceClient {
	return &PurchaseServiceClient{cc: cc}
}

func (c *PurchaseServiceClient) Verify(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, verifyMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PurchaseServiceClient) Restore(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, restoreMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer serves PurchaseService and the standard health service.
type GRPCServer struct {
	svc       Reconciler
	readiness readinessChecker
	version   string
	health    *health.Server
}

var _ PurchaseServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string, svc Reconciler) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		svc:       svc,
		readiness: r,
		version:   version,
		health:    health.NewServer(),
	}
}

// Register attaches the purchase and health services to s.
func (s *GRPCServer) Register(srv *grpc.Server) {
	RegisterPurchaseServiceServer(srv, s)
	healthpb.RegisterHealthServer(srv, s.health)
}

// RefreshHealth maps the readiness probe onto the health service status for
// both the overall server and PurchaseService.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(purchaseServiceName, st)
	return err
}

// Shutdown marks every service NOT_SERVING.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

func (s *GRPCServer) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.establish(ctx, in, s.svc.Verify)
}

func (s *GRPCServer) Restore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.establish(ctx, in, s.svc.Restore)
}

func (s *GRPCServer) establish(ctx context.Context, in *structpb.Struct, fn establishFunc) (*structpb.Struct, error) {
	res, err := fn(ctx, requestFromStruct(in))
	if err != nil {
		return nil, grpcError(err)
	}
	out, err := ResultToStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode result")
	}
	return out, nil
}

func grpcError(err error) error {
	var rerr *reconcile.Error
	if !errors.As(err, &rerr) {
		return status.Error(codes.Internal, "internal error")
	}
	switch rerr.Kind {
	case reconcile.KindUnauthenticated:
		return status.Error(codes.Unauthenticated, rerr.Error())
	case reconcile.KindInvalidArgument:
		return status.Error(codes.InvalidArgument, rerr.Error())
	default:
		obs.Logger().Error().Err(err).Msg("grpc reconcile failed")
		return status.Error(codes.Internal, rerr.Error())
	}
}

// RequestToStruct encodes a purchase request for the wire.
func RequestToStruct(req reconcile.Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"productId":     req.ProductID,
		"purchaseToken": req.PurchaseToken,
	}
	if req.PackageName != "" {
		fields["packageName"] = req.PackageName
	}
	return structpb.NewStruct(fields)
}

func requestFromStruct(in *structpb.Struct) reconcile.Request {
	fields := in.GetFields()
	return reconcile.Request{
		ProductID:     fields["productId"].GetStringValue(),
		PurchaseToken: fields["purchaseToken"].GetStringValue(),
		PackageName:   fields["packageName"].GetStringValue(),
	}
}

// ResultToStruct encodes a reconcile result for the wire.
func ResultToStruct(res reconcile.Result) (*structpb.Struct, error) {
	fields := map[string]any{
		"success":          res.Success,
		"state":            string(res.State),
		"hasPremiumAccess": res.HasPremiumAccess,
	}
	if res.ExpiryDate != "" {
		fields["expiryDate"] = res.ExpiryDate
	}
	return structpb.NewStruct(fields)
}

// AuthInterceptor resolves the bearer token in the "authorization" metadata
// into a principal and tags the call with a request id. Health checks are
// public. A nil verifier lets calls through unauthenticated.
func AuthInterceptor(tokens *auth.Tokens) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx = audit.WithRequestID(ctx, incomingRequestID(md))

		if tokens == nil || strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, err := auth.ExtractBearer(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, auth.ErrUnauthenticated.Error())
		}
		principal, err := tokens.Authenticate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, auth.ErrInvalidToken.Error())
		}
		return handler(auth.ContextWithPrincipal(ctx, principal), req)
	}
}

func incomingRequestID(md metadata.MD) string {
	if vals := md.Get("x-request-id"); len(vals) > 0 {
		if id := strings.TrimSpace(vals[0]); validRequestID(id) {
			return id
		}
	}
	return uuid.NewString()
}
