// Package proto defines the gRPC control service for Peekaboo.
//
// Messages are plain structs carried by a JSON codec, so the service needs
// no protoc step. Server and client must both force Codec.
package proto

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
)

const serviceName = "peekaboo.Control"

// Codec marshals control messages as JSON.
var Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// ---- messages ----

type GetSampleRequest struct {
	UUID string `json:"uuid"`
}

type SampleReply struct {
	UUID         string    `json:"uuid"`
	SubmissionID uint64    `json:"submission_id"`
	SHA256       string    `json:"sha256"`
	FullName     string    `json:"full_name"`
	DeclaredName string    `json:"name_declared,omitempty"`
	State        string    `json:"state"`
	Cause        string    `json:"cause,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type StatsRequest struct{}

type StatsReply struct {
	Workers      int  `json:"workers"`
	Active       int  `json:"active"`
	Busy         int  `json:"busy"`
	Queued       int  `json:"queued"`
	Draining     bool `json:"draining"`
	OpenSessions int  `json:"open_sessions"`
}

// ---- service ----

// ControlServer is the server-side interface of peekaboo.Control.
type ControlServer interface {
	GetSample(context.Context, *GetSampleRequest) (*SampleReply, error)
	Stats(context.Context, *StatsRequest) (*StatsReply, error)
}

// ControlClient is the client-side interface of peekaboo.Control.
type ControlClient interface {
	GetSample(ctx context.Context, in *GetSampleRequest, opts ...grpc.CallOption) (*SampleReply, error)
	Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsReply, error)
}

// ServiceDesc is the grpc.ServiceDesc for peekaboo.Control.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetSample",
			Handler:    getSampleHandler,
		},
		{
			MethodName: "Stats",
			Handler:    statsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/service.go",
}

// RegisterControlServer registers srv with a gRPC server.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getSampleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetSampleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetSample(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetSample"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetSample(ctx, req.(*GetSampleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ---- client ----

type controlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient creates a peekaboo.Control client. The connection must
// be dialled with grpc.ForceCodec(Codec).
func NewControlClient(cc grpc.ClientConnInterface) ControlClient {
	return &controlClient{cc: cc}
}

func (c *controlClient) GetSample(ctx context.Context, in *GetSampleRequest, opts ...grpc.CallOption) (*SampleReply, error) {
	out := new(SampleReply)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetSample", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *controlClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsReply, error) {
	out := new(StatsReply)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Stats", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
