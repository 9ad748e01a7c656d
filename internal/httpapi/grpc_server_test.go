package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/auth"
	"qazna.org/entitlements/internal/entitlement"
	"qazna.org/entitlements/internal/reconcile"
)

const bufSize = 1024 * 1024

type grpcEnv struct {
	conn    *grpc.ClientConn
	srv     *GRPCServer
	tokens  *auth.Tokens
	gateway *stubGateway
	audit   *audit.Memory
}

func startBufGRPC(t *testing.T, readiness readinessChecker) *grpcEnv {
	t.Helper()

	tokens, err := auth.NewTokens(testSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	env := &grpcEnv{
		tokens:  tokens,
		gateway: &stubGateway{raw: activeSubscription()},
		audit:   audit.NewMemory(),
	}
	svc := reconcile.New(env.gateway, entitlement.NewInMemory(), env.audit)
	env.srv = NewGRPCServer(readiness, "1.2.3", svc)

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.UnaryInterceptor(AuthInterceptor(tokens)))
	env.srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	env.conn = conn

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return env
}

func (e *grpcEnv) authed(t *testing.T, user string) context.Context {
	t.Helper()
	tok, err := e.tokens.Generate(user, nil, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok, "x-request-id", "grpc-req-1")
}

func TestGRPCVerify(t *testing.T) {
	env := startBufGRPC(t, ReadyProbe{})
	in, err := RequestToStruct(reconcile.Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok-grpc"})
	if err != nil {
		t.Fatalf("RequestToStruct: %v", err)
	}

	out, err := NewPurchaseServiceClient(env.conn).Verify(env.authed(t, "user-g"), in)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	fields := out.GetFields()
	if !fields["success"].GetBoolValue() || fields["state"].GetStringValue() != "active" || !fields["hasPremiumAccess"].GetBoolValue() {
		t.Fatalf("unexpected result: %v", out)
	}
	if fields["expiryDate"].GetStringValue() == "" {
		t.Fatal("missing expiryDate")
	}

	events := env.audit.Events()
	if len(events) != 1 || events[0].UserID != "user-g" || events[0].RequestID != "grpc-req-1" {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	env := startBufGRPC(t, ReadyProbe{})
	client := NewPurchaseServiceClient(env.conn)
	valid, _ := RequestToStruct(reconcile.Request{ProductID: "premium_monthly_v1", PurchaseToken: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Restore(ctx, valid); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	missing, _ := RequestToStruct(reconcile.Request{ProductID: "premium_monthly_v1"})
	if _, err := client.Verify(env.authed(t, "user-g"), missing); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}

	env.gateway.set(entitlement.RawSubscription{}, errors.New("backend detail"))
	_, err := client.Restore(env.authed(t, "user-g"), valid)
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if st.Message() != "Failed to restore purchases. Please try again." {
		t.Fatalf("unexpected message: %q", st.Message())
	}
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCHealth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env := startBufGRPC(t, ReadyProbe{})
	if err := env.srv.RefreshHealth(ctx); err != nil {
		t.Fatalf("RefreshHealth: %v", err)
	}
	resp, err := healthpb.NewHealthClient(env.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: purchaseServiceName})
	if err != nil {
		t.Fatalf("health check without credentials: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	down := startBufGRPC(t, failingReadiness{})
	if err := down.srv.RefreshHealth(ctx); err == nil {
		t.Fatal("expected readiness error")
	}
	resp, err = healthpb.NewHealthClient(down.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}
