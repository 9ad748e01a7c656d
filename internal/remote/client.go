// Package remote calls a running entitlements server over gRPC.
package remote

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"qazna.org/entitlements/internal/audit"
	"qazna.org/entitlements/internal/entitlement"
	"qazna.org/entitlements/internal/httpapi"
	"qazna.org/entitlements/internal/reconcile"
)

// Client wraps the gRPC purchase service.
type Client struct {
	conn *grpc.ClientConn
	svc  *httpapi.PurchaseServiceClient
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, svc: httpapi.NewPurchaseServiceClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Service calls Verify and Restore on behalf of the holder of a bearer token.
type Service struct {
	client *Client
	token  string
}

func NewService(client *Client, bearer string) *Service {
	return &Service{client: client, token: bearer}
}

func (s *Service) Verify(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	in, err := httpapi.RequestToStruct(req)
	if err != nil {
		return reconcile.Result{}, err
	}
	out, err := s.client.svc.Verify(s.outgoing(ctx), in)
	if err != nil {
		return reconcile.Result{}, mapError(err)
	}
	return resultFromStruct(out), nil
}

func (s *Service) Restore(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	in, err := httpapi.RequestToStruct(req)
	if err != nil {
		return reconcile.Result{}, err
	}
	out, err := s.client.svc.Restore(s.outgoing(ctx), in)
	if err != nil {
		return reconcile.Result{}, mapError(err)
	}
	return resultFromStruct(out), nil
}

// Helpers -----------------------------------------------------------------

func (s *Service) outgoing(ctx context.Context) context.Context {
	var pairs []string
	if s.token != "" {
		pairs = append(pairs, "authorization", "Bearer "+s.token)
	}
	if id := audit.RequestIDFromContext(ctx); id != "" {
		pairs = append(pairs, "x-request-id", id)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// mapError turns a gRPC status back into the reconcile error kinds.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind reconcile.Kind
	switch st.Code() {
	case codes.Unauthenticated:
		kind = reconcile.KindUnauthenticated
	case codes.InvalidArgument:
		kind = reconcile.KindInvalidArgument
	case codes.Internal:
		kind = reconcile.KindInternal
	default:
		return err
	}
	return &reconcile.Error{Kind: kind, Message: st.Message(), Err: err}
}

func resultFromStruct(out *structpb.Struct) reconcile.Result {
	fields := out.GetFields()
	return reconcile.Result{
		Success:          fields["success"].GetBoolValue(),
		State:            entitlement.State(fields["state"].GetStringValue()),
		HasPremiumAccess: fields["hasPremiumAccess"].GetBoolValue(),
		ExpiryDate:       fields["expiryDate"].GetStringValue(),
	}
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
