package commands

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/metrics"
)

type StatsCmd struct {
	flags *Flags

	top int
}

// NewStatsCmd creates a new stats command.
func NewStatsCmd(flags *Flags) *StatsCmd {
	return &StatsCmd{flags: flags}
}

// Register adds the stats command to the application.
func (cmd *StatsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "stats",
		Usage:       "Show relay statistics",
		UsageText:   "relayctl stats [--top 10]",
		Description: "Scrapes the relay's /metrics endpoint and prints totals and the busiest topics.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "top",
				Usage:       "number of topics to list; 0 lists none",
				Value:       10,
				Destination: &cmd.top,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *StatsCmd) run(ctx context.Context, c *cli.Command) error {
	target, err := cmd.flags.url("/metrics")
	if err != nil {
		return err
	}
	mfs, err := metrics.Fetch(ctx, &http.Client{Timeout: 10 * time.Second}, target)
	if err != nil {
		return err
	}
	st := metrics.StatsFrom(mfs)

	w := tabwriter.NewWriter(c.Root().Writer, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "connections\t%d\n", st.Connections)
	_, _ = fmt.Fprintf(w, "topics\t%d\n", st.Topics)
	_, _ = fmt.Fprintf(w, "subscriptions\t%d\n", st.Subscriptions)
	_, _ = fmt.Fprintf(w, "published\t%d\n", st.Published)
	_, _ = fmt.Fprintf(w, "delivered\t%d\n", st.Delivered)
	_, _ = fmt.Fprintf(w, "send_failures\t%d\n", st.SendFailures)
	_, _ = fmt.Fprintf(w, "rejected_handshakes\t%d\n", st.RejectedHandshakes)
	_, _ = fmt.Fprintf(w, "denied_subscriptions\t%d\n", st.DeniedSubscriptions)

	topics := busiest(metrics.TopicsFrom(mfs), cmd.top)
	if len(topics) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "TOPIC\tSUBSCRIBERS")
		for _, t := range topics {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", t.topic, t.n)
		}
	}
	return w.Flush()
}

type topicCount struct {
	topic types.Topic
	n     int
}

// busiest returns the n topics with the most subscribers.
func busiest(topics map[types.Topic]int, n int) []topicCount {
	out := make([]topicCount, 0, len(topics))
	for t, c := range topics {
		out = append(out, topicCount{t, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].topic < out[j].topic
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}
