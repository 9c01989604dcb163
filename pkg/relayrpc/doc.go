// Package relayrpc defines the relaycast.v1.Publisher gRPC service used by
// producers to push broadcast content into a relay.
//
// Messages are plain Go structs carried with a JSON codec registered under
// the content-subtype "json"; there is no generated protobuf code. The
// client in this package selects the codec on every call, so callers only
// need a *grpc.ClientConn:
//
//	conn, _ := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
//	resp, err := relayrpc.NewPublisherClient(conn).Publish(ctx, &relayrpc.PublishRequest{
//		Topic:   "chat_42",
//		Payload: json.RawMessage(`{"body":"hi"}`),
//	})
//
// Servers register an implementation with RegisterPublisherServer.
package relayrpc
