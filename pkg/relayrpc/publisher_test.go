package relayrpc_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/relaycast/relaycast/pkg/relayrpc"
)

// echoServer reports the payload length as the subscriber count.
type echoServer struct {
	relayrpc.UnimplementedPublisherServer
	got []*relayrpc.PublishRequest
}

func (e *echoServer) Publish(_ context.Context, in *relayrpc.PublishRequest) (*relayrpc.PublishResponse, error) {
	e.got = append(e.got, in)
	return &relayrpc.PublishResponse{Subscribers: int32(len(in.Payload)), Delivered: 1}, nil
}

func dial(t *testing.T, srv relayrpc.PublisherServer) relayrpc.PublisherClient {
	t.Helper()
	s := grpc.NewServer()
	relayrpc.RegisterPublisherServer(s, srv)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(lis) //nolint:errcheck
	t.Cleanup(s.Stop)

	conn, err := grpc.Dial(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	) //nolint:staticcheck
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return relayrpc.NewPublisherClient(conn)
}

func TestPublish_JSONCodecRoundTrip(t *testing.T) {
	srv := &echoServer{}
	client := dial(t, srv)

	resp, err := client.Publish(context.Background(), &relayrpc.PublishRequest{
		Topic:   "chat_1",
		Payload: json.RawMessage(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if resp.Subscribers != 7 || resp.Delivered != 1 {
		t.Errorf("response: got %+v", resp)
	}
	if len(srv.got) != 1 || srv.got[0].Topic != "chat_1" || string(srv.got[0].Payload) != `{"a":1}` {
		t.Errorf("server saw %+v", srv.got)
	}
}

func TestPublishBatch_Unimplemented(t *testing.T) {
	client := dial(t, &echoServer{})
	_, err := client.PublishBatch(context.Background(), &relayrpc.PublishBatchRequest{})
	if code := status.Code(err); code != codes.Unimplemented {
		t.Errorf("code: got %v, want Unimplemented", code)
	}
}
