package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/relaycast/relaycast/pkg/relayrpc"
	"github.com/relaycast/relaycast/pkg/types"
)

type PublishCmd struct {
	flags *Flags

	topic string
	via   string
}

// NewPublishCmd creates a new publish command.
func NewPublishCmd(flags *Flags) *PublishCmd {
	return &PublishCmd{flags: flags}
}

// Register adds the publish command to the application.
func (cmd *PublishCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "publish",
		Usage:     "Broadcast one message to a topic",
		UsageText: "relayctl publish --topic <topic> [payload]",
		Description: `Publishes a payload to every current subscriber of a topic.

The payload is taken from the argument, or from stdin if none is given.
A payload that is valid JSON is delivered as-is; anything else is
delivered as a JSON string.

Examples:
  relayctl publish --topic chat_42 '{"body":"hi"}'
  echo '{"status":"done"}' | relayctl publish --topic job_7 --via http`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "topic",
				Aliases:     []string{"t"},
				Usage:       "topic to publish to",
				Required:    true,
				Destination: &cmd.topic,
			},
			&cli.StringFlag{
				Name:        "via",
				Usage:       "transport: grpc | http",
				Value:       "grpc",
				Destination: &cmd.via,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *PublishCmd) run(ctx context.Context, c *cli.Command) error {
	if !types.Topic(cmd.topic).Valid() {
		return fmt.Errorf("invalid topic %q", cmd.topic)
	}

	var payload []byte
	if c.Args().Len() > 0 {
		payload = []byte(c.Args().First())
	} else {
		data, err := io.ReadAll(c.Root().Reader)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		payload = bytes.TrimSpace(data)
	}

	var (
		resp *relayrpc.PublishResponse
		err  error
	)
	switch cmd.via {
	case "grpc":
		resp, err = cmd.publishGRPC(ctx, payload)
	case "http":
		resp, err = cmd.publishHTTP(ctx, payload)
	default:
		return fmt.Errorf("unknown transport %q", cmd.via)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(c.Root().Writer, "subscribers=%d delivered=%d failed=%d\n",
		resp.Subscribers, resp.Delivered, resp.Failed)
	return nil
}

func (cmd *PublishCmd) publishGRPC(ctx context.Context, payload []byte) (*relayrpc.PublishResponse, error) {
	if cmd.flags.GRPCAddr == "" {
		return nil, errors.New("--grpc is required")
	}
	conn, err := grpc.DialContext(ctx, cmd.flags.GRPCAddr, //nolint:staticcheck // NewClient needs grpc 1.63
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cmd.flags.GRPCAddr, err)
	}
	defer conn.Close()

	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	callCtx, cancel := context.WithTimeout(cmd.flags.outgoing(ctx), 10*time.Second)
	defer cancel()
	return relayrpc.NewPublisherClient(conn).Publish(callCtx, &relayrpc.PublishRequest{
		Topic:   cmd.topic,
		Payload: payload,
	})
}

func (cmd *PublishCmd) publishHTTP(ctx context.Context, payload []byte) (*relayrpc.PublishResponse, error) {
	target, err := cmd.flags.url("/api/v1/topics/" + url.PathEscape(cmd.topic) + "/publish")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cmd.flags.APIKey != "" {
		req.Header.Set(cmd.flags.header(), cmd.flags.APIKey)
	}

	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", target, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		return nil, fmt.Errorf("relay returned %d: %s", res.StatusCode, e.Error)
	}

	var out relayrpc.PublishResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
