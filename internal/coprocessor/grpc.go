package coprocessor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "settlr.coprocessor.v1.Coprocessor"

const (
	methodEncrypt = "/" + serviceName + "/Encrypt"
	methodAllow   = "/" + serviceName + "/Allow"
	methodAdd     = "/" + serviceName + "/Add"
)

// Client calls a remote coprocessor over gRPC. Requests use the protobuf
// well-known types so no generated stubs are needed.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Extra options are appended after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("coprocessor: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Encrypt(ctx context.Context, ciphertext []byte) (Handle, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodEncrypt, wrapperspb.Bytes(ciphertext), out); err != nil {
		return Handle{}, fmt.Errorf("coprocessor Encrypt: %w", err)
	}
	return handleFromBytes(out.GetValue())
}

func (c *Client) Allow(ctx context.Context, h Handle, grantee common.Address) error {
	req, err := structpb.NewStruct(map[string]any{
		"handle":  h.Hex(),
		"grantee": grantee.Hex(),
	})
	if err != nil {
		return err
	}
	if err := c.conn.Invoke(ctx, methodAllow, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("coprocessor Allow %s: %w", h.Hex(), err)
	}
	return nil
}

func (c *Client) Add(ctx context.Context, a, b Handle) (Handle, error) {
	req, err := structpb.NewStruct(map[string]any{
		"lhs": a.Hex(),
		"rhs": b.Hex(),
	})
	if err != nil {
		return Handle{}, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, methodAdd, req, out); err != nil {
		return Handle{}, fmt.Errorf("coprocessor Add: %w", err)
	}
	return handleFromBytes(out.GetValue())
}

func handleFromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleSize {
		return h, fmt.Errorf("coprocessor: response handle is %d bytes, want %d", len(b), HandleSize)
	}
	copy(h[:], b)
	return h, nil
}

// ── server side ───────────────────────────────────────────────────────────────

// RegisterServer exposes impl on s using the same wire contract the Client
// speaks. Used to front the mock coprocessor in local deployments.
func RegisterServer(s grpc.ServiceRegistrar, impl Coprocessor) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Coprocessor)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Encrypt", Handler: encryptHandler},
		{MethodName: "Allow", Handler: allowHandler},
		{MethodName: "Add", Handler: addHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func encryptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		h, err := srv.(Coprocessor).Encrypt(ctx, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return wrapperspb.Bytes(h[:]), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEncrypt}, call)
}

func allowHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		h, err := ParseHandle(fields["handle"].GetStringValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		grantee := fields["grantee"].GetStringValue()
		if !common.IsHexAddress(grantee) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid grantee %q", grantee)
		}
		if err := srv.(Coprocessor).Allow(ctx, h, common.HexToAddress(grantee)); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAllow}, call)
}

func addHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		a, err := ParseHandle(fields["lhs"].GetStringValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		b, err := ParseHandle(fields["rhs"].GetStringValue())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		sum, err := srv.(Coprocessor).Add(ctx, a, b)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return wrapperspb.Bytes(sum[:]), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAdd}, call)
}
