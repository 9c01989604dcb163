package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/relaycast/relaycast/pkg/relayrpc"
	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/dispatch"
)

// MaxPayloadBytes bounds a single published payload.
const MaxPayloadBytes = 1 << 20

// Publisher is the broadcast ingress. *relay.Server implements it.
type Publisher interface {
	Publish(ctx context.Context, topic types.Topic, payload []byte) dispatch.DeliveryReport
}

// Receiver implements relayrpc.PublisherServer.
// It validates each incoming message and hands it to the relay.
type Receiver struct {
	relayrpc.UnimplementedPublisherServer
	relay Publisher
}

// New creates a Receiver that publishes accepted messages through p.
func New(p Publisher) *Receiver {
	return &Receiver{relay: p}
}

// Publish is the unary RPC handler called by producers.
// Authentication is enforced by the gRPC server interceptor before this is called.
func (r *Receiver) Publish(ctx context.Context, in *relayrpc.PublishRequest) (*relayrpc.PublishResponse, error) {
	if err := validate(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return r.publish(ctx, in), nil
}

// PublishBatch validates every message first, then publishes them in order.
// One invalid message rejects the whole batch.
func (r *Receiver) PublishBatch(ctx context.Context, in *relayrpc.PublishBatchRequest) (*relayrpc.PublishBatchResponse, error) {
	if len(in.Messages) > relayrpc.MaxBatchSize {
		return nil, status.Errorf(codes.InvalidArgument, "batch of %d exceeds %d messages",
			len(in.Messages), relayrpc.MaxBatchSize)
	}
	for i, m := range in.Messages {
		if err := validate(m); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "messages[%d]: %v", i, err)
		}
	}

	out := &relayrpc.PublishBatchResponse{Results: make([]*relayrpc.PublishResponse, 0, len(in.Messages))}
	for _, m := range in.Messages {
		out.Results = append(out.Results, r.publish(ctx, m))
	}
	return out, nil
}

func (r *Receiver) publish(ctx context.Context, in *relayrpc.PublishRequest) *relayrpc.PublishResponse {
	report := r.relay.Publish(ctx, types.Topic(in.Topic), in.Payload)

	slog.Debug("receiver: message published",
		"topic", in.Topic,
		"bytes", len(in.Payload),
		"subscribers", report.Subscribers,
		"failed", report.Failed(),
	)

	return &relayrpc.PublishResponse{
		Subscribers: int32(report.Subscribers),
		Delivered:   int32(report.Delivered),
		Failed:      int32(report.Failed()),
	}
}

func validate(in *relayrpc.PublishRequest) error {
	if in == nil {
		return fmt.Errorf("message is required")
	}
	if in.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if !types.Topic(in.Topic).Valid() {
		return fmt.Errorf("topic %q is invalid", in.Topic)
	}
	if len(in.Payload) > MaxPayloadBytes {
		return fmt.Errorf("payload of %d bytes exceeds %d", len(in.Payload), MaxPayloadBytes)
	}
	return nil
}
