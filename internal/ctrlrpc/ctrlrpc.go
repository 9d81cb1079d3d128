// Package ctrlrpc is the internal worker<->worker control plane:
// Disconnect (used by /api/disconnect to reach the worker owning a
// connection key), SetLogLevel (used by /api/loglevel), Drain (asks a
// worker to stop accepting new connections; the supervisor does not call
// it), and Snapshot (used to merge sibling workers' status views).
//
// The wire messages are plain Go structs marshaled with encoding/json
// through a custom grpc/encoding.Codec ("json") registered in place of the
// default protobuf codec; the build carries no generated .pb.go stubs. The
// client/server still ride real grpc.ClientConn / grpc.Server transport,
// framing, and service-method routing.
package ctrlrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc/encoding.Codec by marshaling through
// encoding/json instead of protobuf, since no generated .pb.go stubs exist
// in this build.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return jsonCodecName }

const serviceName = "ctrlrpc.Control"

// DisconnectRequest asks the owning worker to force-close the connection
// identified by Key.
type DisconnectRequest struct {
	Key string `json:"key"`
}

// DisconnectResponse reports whether a matching connection was found.
type DisconnectResponse struct {
	Found bool `json:"found"`
}

// SetLogLevelRequest mutates process-wide verbosity (0..4).
type SetLogLevelRequest struct {
	Level int32 `json:"level"`
}

// SetLogLevelResponse is empty; its presence keeps the RPC shape uniform.
type SetLogLevelResponse struct{}

// DrainRequest asks a worker to stop accepting new connections ahead of a
// supervisor-initiated respawn.
type DrainRequest struct {
	GracePeriodSeconds int32 `json:"grace_period_seconds"`
}

// DrainResponse is empty.
type DrainResponse struct{}

// SnapshotRequest asks a worker for its local status-plane snapshot. Each
// worker process keeps its own local statusplane.Plane; this RPC is how a
// peer worker (or the supervisor) pulls it for merging into the global
// view served at /status and /status/sse.
type SnapshotRequest struct{}

// SnapshotResponse carries the requested worker's local snapshot pre-encoded
// as JSON (internal/statusplane.Snapshot's wire form), so ctrlrpc does not
// need to import internal/statusplane.
type SnapshotResponse struct {
	JSON []byte `json:"json"`
}

// ControlServer is implemented by each worker to answer supervisor/HTTP-front
// control requests.
type ControlServer interface {
	Disconnect(context.Context, *DisconnectRequest) (*DisconnectResponse, error)
	SetLogLevel(context.Context, *SetLogLevelRequest) (*SetLogLevelResponse, error)
	Drain(context.Context, *DrainRequest) (*DrainResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
}

// RegisterControlServer wires srv into s using a hand-authored
// grpc.ServiceDesc, the same role protoc-gen-go-grpc's generated
// _ServiceDesc would normally fill.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Disconnect",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(DisconnectRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ControlServer).Disconnect(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Disconnect"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ControlServer).Disconnect(ctx, req.(*DisconnectRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "SetLogLevel",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(SetLogLevelRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ControlServer).SetLogLevel(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SetLogLevel"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ControlServer).SetLogLevel(ctx, req.(*SetLogLevelRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Drain",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(DrainRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ControlServer).Drain(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Drain"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ControlServer).Drain(ctx, req.(*DrainRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Snapshot",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(SnapshotRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ControlServer).Snapshot(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Snapshot"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ControlServer).Snapshot(ctx, req.(*SnapshotRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Metadata: "ctrlrpc.proto",
}

// Client wraps a grpc.ClientConn dialed with the json codec, invoking
// methods directly by full method name.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to a worker's (or the supervisor's) control listener.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}
	cc, err := grpc.DialContext(ctx, target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("ctrlrpc: dial %s: %w", target, err)
	}
	return &Client{cc: cc}, nil
}

func (c *Client) Close() error { return c.cc.Close() }

func (c *Client) Disconnect(ctx context.Context, req *DisconnectRequest) (*DisconnectResponse, error) {
	resp := new(DisconnectResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Disconnect", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SetLogLevel(ctx context.Context, req *SetLogLevelRequest) (*SetLogLevelResponse, error) {
	resp := new(SetLogLevelResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SetLogLevel", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Drain(ctx context.Context, req *DrainRequest) (*DrainResponse, error) {
	resp := new(DrainResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Drain", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	resp := new(SnapshotResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Snapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ErrNotFound is a NotFound status error for a connection key unknown to a
// worker. The worker's Disconnect does not return it; it reports an unknown
// key as a DisconnectResponse with Found set to false.
var ErrNotFound = status.Error(codes.NotFound, "ctrlrpc: connection key not found")
