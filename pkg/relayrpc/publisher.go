package relayrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service and method names.
const (
	ServiceName        = "relaycast.v1.Publisher"
	PublishMethod      = "/relaycast.v1.Publisher/Publish"
	PublishBatchMethod = "/relaycast.v1.Publisher/PublishBatch"
)

// MaxBatchSize bounds PublishBatchRequest.Messages.
const MaxBatchSize = 1000

// PublishRequest asks the relay to broadcast Payload to Topic.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishResponse summarises one broadcast.
type PublishResponse struct {
	Subscribers int32 `json:"subscribers"`
	Delivered   int32 `json:"delivered"`
	Failed      int32 `json:"failed"`
}

// PublishBatchRequest carries up to MaxBatchSize messages, broadcast in order.
type PublishBatchRequest struct {
	Messages []*PublishRequest `json:"messages"`
}

// PublishBatchResponse holds one result per request message, in order.
type PublishBatchResponse struct {
	Results []*PublishResponse `json:"results"`
}

// PublisherServer is the server API for the Publisher service.
type PublisherServer interface {
	Publish(context.Context, *PublishRequest) (*PublishResponse, error)
	PublishBatch(context.Context, *PublishBatchRequest) (*PublishBatchResponse, error)
}

// UnimplementedPublisherServer can be embedded to have forward compatible implementations.
type UnimplementedPublisherServer struct{}

func (UnimplementedPublisherServer) Publish(context.Context, *PublishRequest) (*PublishResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Publish not implemented")
}

func (UnimplementedPublisherServer) PublishBatch(context.Context, *PublishBatchRequest) (*PublishBatchResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PublishBatch not implemented")
}

// RegisterPublisherServer registers srv with s.
func RegisterPublisherServer(s grpc.ServiceRegistrar, srv PublisherServer) {
	s.RegisterService(&Publisher_ServiceDesc, srv)
}

// Publisher_ServiceDesc is the grpc.ServiceDesc for the Publisher service.
var Publisher_ServiceDesc = grpc.ServiceDesc{ //nolint:revive
	ServiceName: ServiceName,
	HandlerType: (*PublisherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "PublishBatch", Handler: publishBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relaycast/v1/publisher",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PublisherServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PublisherServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func publishBatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishBatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PublisherServer).PublishBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishBatchMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PublisherServer).PublishBatch(ctx, req.(*PublishBatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// PublisherClient is the client API for the Publisher service.
type PublisherClient interface {
	Publish(ctx context.Context, in *PublishRequest, opts ...grpc.CallOption) (*PublishResponse, error)
	PublishBatch(ctx context.Context, in *PublishBatchRequest, opts ...grpc.CallOption) (*PublishBatchResponse, error)
}

type publisherClient struct {
	cc grpc.ClientConnInterface
}

// NewPublisherClient returns a client that calls the Publisher service over cc.
func NewPublisherClient(cc grpc.ClientConnInterface) PublisherClient {
	return &publisherClient{cc: cc}
}

func (c *publisherClient) Publish(ctx context.Context, in *PublishRequest, opts ...grpc.CallOption) (*PublishResponse, error) {
	out := new(PublishResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, PublishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *publisherClient) PublishBatch(ctx context.Context, in *PublishBatchRequest, opts ...grpc.CallOption) (*PublishBatchResponse, error) {
	out := new(PublishBatchResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, PublishBatchMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
