package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/relaycast/relaycast/pkg/shipper"
	"github.com/relaycast/relaycast/pkg/types"
)

// maxLineBytes bounds one NDJSON input line.
const maxLineBytes = 1 << 20

type PipeCmd struct {
	flags *Flags

	batchSize  int
	bufferSize int
}

// NewPipeCmd creates a new pipe command.
func NewPipeCmd(flags *Flags) *PipeCmd {
	return &PipeCmd{flags: flags}
}

// Register adds the pipe command to the application.
func (cmd *PipeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "pipe",
		Usage:     "Stream messages from stdin to the relay",
		UsageText: "relayctl pipe [--batch-size 100]",
		Description: `Reads newline-delimited JSON messages from stdin and publishes them
over gRPC in batches, reconnecting if the relay goes away.

Each line is an object with a topic and a payload:
  {"topic":"job_7","payload":{"status":"done"}}

Lines that do not parse or name an invalid topic are skipped with a warning.
The command exits once stdin is closed and every message has been sent.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "batch-size",
				Usage:       "messages per PublishBatch call",
				Value:       shipper.DefaultBatchSize,
				Destination: &cmd.batchSize,
			},
			&cli.IntFlag{
				Name:        "buffer",
				Usage:       "messages buffered while the relay is unreachable",
				Value:       shipper.DefaultBufferSize,
				Destination: &cmd.bufferSize,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *PipeCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.flags.GRPCAddr == "" {
		return errors.New("--grpc is required")
	}
	s := shipper.New(shipper.Options{
		Endpoint:     cmd.flags.GRPCAddr,
		BufferSize:   cmd.bufferSize,
		BatchSize:    cmd.batchSize,
		APIKey:       cmd.flags.APIKey,
		APIKeyHeader: cmd.flags.header(),
	})

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	read, skipped, err := ReadMessages(c.Root().Reader, s.Ship)
	s.Close()
	<-done

	st := s.Stats()
	_, _ = fmt.Fprintf(c.Root().Writer, "read=%d skipped=%d shipped=%d delivered=%d evicted=%d rejected=%d\n",
		read, skipped, st.Shipped, st.Delivered, st.Evicted, st.Rejected)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// pipeLine is one NDJSON input record.
type pipeLine struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// ReadMessages parses NDJSON records from r and passes each valid one to
// ship. Blank lines are ignored; malformed lines and invalid topics are
// counted as skipped.
func ReadMessages(r io.Reader, ship func(topic string, payload json.RawMessage)) (read, skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var m pipeLine
		if err := json.Unmarshal(line, &m); err != nil {
			skipped++
			slog.Warn("pipe: skipping malformed line", "line", lineNo, "err", err)
			continue
		}
		if !types.Topic(m.Topic).Valid() {
			skipped++
			slog.Warn("pipe: skipping invalid topic", "line", lineNo, "topic", m.Topic)
			continue
		}

		// The scanner reuses its buffer.
		payload := append(json.RawMessage(nil), m.Payload...)
		ship(m.Topic, payload)
		read++
	}
	if err := sc.Err(); err != nil {
		return read, skipped, fmt.Errorf("read stdin: %w", err)
	}
	return read, skipped, nil
}
