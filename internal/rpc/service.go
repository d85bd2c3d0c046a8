// Package rpc serves the observer stream and session snapshots over gRPC.
// Messages are google.protobuf.Struct values carrying the same JSON shapes
// as the WebSocket protocol, so no generated code is needed.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName      = "vrutest.Observer"
	getStateMethod   = "/" + serviceName + "/GetState"
	listActiveMethod = "/" + serviceName + "/ListActive"
	watchMethod      = "/" + serviceName + "/Watch"
)

// ObserverServer is the server side of the Observer service.
type ObserverServer interface {
	// GetState returns the snapshot of {"session_id": ...}.
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ListActive returns {"sessions": [...]} with every active playback state.
	ListActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Watch streams the envelopes of {"session_id": ...}, starting with
	// initial_state and ending after session_stopped.
	Watch(*structpb.Struct, grpc.ServerStream) error
}

func unaryHandler(method string, call func(ObserverServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ObserverServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ObserverServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ObserverServer).Watch(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ObserverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetState", Handler: unaryHandler(getStateMethod, ObserverServer.GetState)},
		{MethodName: "ListActive", Handler: unaryHandler(listActiveMethod, ObserverServer.ListActive)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "vrutest/observer.proto",
}

// RegisterObserverServer registers srv on s.
func RegisterObserverServer(s grpc.ServiceRegistrar, srv ObserverServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Client calls the Observer service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func sessionRequest(sessionID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id": structpb.NewStringValue(sessionID),
	}}
}

func (c *Client) GetState(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStateMethod, sessionRequest(sessionID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListActive(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listActiveMethod, &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStream receives envelopes from a Watch call.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv returns the next envelope, or io.EOF once the session has stopped.
func (w *WatchStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := w.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch opens the observer stream of a session.
func (c *Client) Watch(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*WatchStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(sessionRequest(sessionID)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}
