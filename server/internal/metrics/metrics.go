package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/relay"
)

// Metric names.
const (
	Connections         = "relaycast_connections"
	Topics              = "relaycast_topics"
	Subscriptions       = "relaycast_subscriptions"
	TopicSubscribers    = "relaycast_topic_subscribers"
	Goroutines          = "relaycast_goroutines"
	Published           = "relaycast_published_total"
	Delivered           = "relaycast_delivered_total"
	SendFailures        = "relaycast_send_failures_total"
	RejectedHandshakes  = "relaycast_rejected_handshakes_total"
	DeniedSubscriptions = "relaycast_denied_subscriptions_total"
)

// Source supplies the values to expose. *relay.Server implements it.
type Source interface {
	Stats() relay.Stats
	Topics() map[types.Topic]int
}

// Families builds the metric families for one exposition.
func Families(st relay.Stats, topics map[types.Topic]int) []*dto.MetricFamily {
	fams := []*dto.MetricFamily{
		gauge(Connections, "Open client connections.", float64(st.Connections)),
		gauge(Topics, "Topics with at least one subscriber.", float64(st.Topics)),
		gauge(Subscriptions, "Live (connection, topic) subscriptions.", float64(st.Subscriptions)),
		gauge(Goroutines, "Goroutines in the relay process.", float64(runtime.NumGoroutine())),
		counter(Published, "Publish calls.", float64(st.Published)),
		counter(Delivered, "Notifications queued to subscribers.", float64(st.Delivered)),
		counter(SendFailures, "Per-subscriber delivery failures (closed or full queue).", float64(st.SendFailures)),
		counter(RejectedHandshakes, "Connections refused at handshake.", float64(st.RejectedHandshakes)),
		counter(DeniedSubscriptions, "Subscriptions refused by the policy.", float64(st.DeniedSubscriptions)),
	}

	names := make([]string, 0, len(topics))
	for t := range topics {
		names = append(names, string(t))
	}
	sort.Strings(names)

	per := &dto.MetricFamily{
		Name: proto.String(TopicSubscribers),
		Help: proto.String("Subscribers per topic."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	for _, name := range names {
		per.Metric = append(per.Metric, &dto.Metric{
			Label: []*dto.LabelPair{{Name: proto.String("topic"), Value: proto.String(name)}},
			Gauge: &dto.Gauge{Value: proto.Float64(float64(topics[types.Topic(name)]))},
		})
	}
	if len(per.Metric) > 0 {
		fams = append(fams, per)
	}
	return fams
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

// Write encodes fams to w in the Prometheus text format.
func Write(w io.Writer, fams []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range fams {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the current statistics of src.
func Handler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		if err := Write(w, Families(src.Stats(), src.Topics())); err != nil {
			// Headers are already out; the scraper will see a truncated body.
			return
		}
	})
}

// Fetch GETs url and returns the parsed metric families.
func Fetch(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics: unexpected status %d", resp.StatusCode)
	}
	return Parse(resp.Body)
}

// Parse decodes a Prometheus text exposition from r into metric families.
// Any parse error fails the whole exposition.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("metrics: parse prometheus text: %w", err)
	}
	return mfs, nil
}

// Sum adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil (metric not present in the exposition).
func Sum(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}

// StatsFrom maps parsed families back to relay statistics.
func StatsFrom(mfs map[string]*dto.MetricFamily) relay.Stats {
	return relay.Stats{
		Connections:         int(Sum(mfs[Connections])),
		Topics:              int(Sum(mfs[Topics])),
		Subscriptions:       int(Sum(mfs[Subscriptions])),
		Published:           uint64(Sum(mfs[Published])),
		Delivered:           uint64(Sum(mfs[Delivered])),
		SendFailures:        uint64(Sum(mfs[SendFailures])),
		RejectedHandshakes:  uint64(Sum(mfs[RejectedHandshakes])),
		DeniedSubscriptions: uint64(Sum(mfs[DeniedSubscriptions])),
	}
}

// TopicsFrom returns the per-topic subscriber counts in mfs.
func TopicsFrom(mfs map[string]*dto.MetricFamily) map[types.Topic]int {
	out := make(map[types.Topic]int)
	for _, m := range mfs[TopicSubscribers].GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "topic" {
				out[types.Topic(lp.GetValue())] = int(m.GetGauge().GetValue())
			}
		}
	}
	return out
}
