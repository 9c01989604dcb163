package metrics

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/relay"
)

type fixedSource struct {
	stats  relay.Stats
	topics map[types.Topic]int
}

func (f fixedSource) Stats() relay.Stats          { return f.stats }
func (f fixedSource) Topics() map[types.Topic]int { return f.topics }

var sample = fixedSource{
	stats: relay.Stats{
		Connections:         3,
		Topics:              2,
		Subscriptions:       4,
		Published:           10,
		Delivered:           25,
		SendFailures:        2,
		RejectedHandshakes:  1,
		DeniedSubscriptions: 5,
	},
	topics: map[types.Topic]int{"chat_1": 3, "chat_2": 1},
}

func TestFamilies_Types(t *testing.T) {
	want := map[string]dto.MetricType{
		Connections:         dto.MetricType_GAUGE,
		Topics:              dto.MetricType_GAUGE,
		Subscriptions:       dto.MetricType_GAUGE,
		Goroutines:          dto.MetricType_GAUGE,
		Published:           dto.MetricType_COUNTER,
		Delivered:           dto.MetricType_COUNTER,
		SendFailures:        dto.MetricType_COUNTER,
		RejectedHandshakes:  dto.MetricType_COUNTER,
		DeniedSubscriptions: dto.MetricType_COUNTER,
		TopicSubscribers:    dto.MetricType_GAUGE,
	}
	fams := Families(sample.stats, sample.topics)
	if len(fams) != len(want) {
		t.Fatalf("families: got %d, want %d", len(fams), len(want))
	}
	for _, mf := range fams {
		typ, ok := want[mf.GetName()]
		if !ok {
			t.Errorf("unexpected family %q", mf.GetName())
			continue
		}
		if mf.GetType() != typ {
			t.Errorf("%s: type got %v, want %v", mf.GetName(), mf.GetType(), typ)
		}
		if mf.GetHelp() == "" {
			t.Errorf("%s: empty help", mf.GetName())
		}
	}
	for _, mf := range fams {
		switch mf.GetName() {
		case Connections:
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("connections: got %v, want 3", got)
			}
		case Delivered:
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 25 {
				t.Errorf("delivered: got %v, want 25", got)
			}
		}
	}
}

func TestWriteParse_RoundTripsStats(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, Families(sample.stats, sample.topics)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	text := buf.String()
	for _, want := range []string{
		"# TYPE relaycast_published_total counter",
		"# TYPE relaycast_connections gauge",
		`relaycast_topic_subscribers{topic="chat_1"} 3`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q:\n%s", want, text)
		}
	}

	mfs, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := StatsFrom(mfs); got != sample.stats {
		t.Errorf("StatsFrom: got %+v, want %+v", got, sample.stats)
	}
	if got := TopicsFrom(mfs); !reflect.DeepEqual(got, sample.topics) {
		t.Errorf("TopicsFrom: got %v, want %v", got, sample.topics)
	}
	if Sum(mfs[Goroutines]) <= 0 {
		t.Error("goroutines gauge should be positive")
	}
}

func TestFamilies_NoTopicsOmitsPerTopicFamily(t *testing.T) {
	for _, mf := range Families(relay.Stats{}, nil) {
		if mf.GetName() == TopicSubscribers {
			t.Fatal("per-topic family present with no topics")
		}
	}
}

func TestSum_NilFamily(t *testing.T) {
	if got := Sum(nil); got != 0 {
		t.Errorf("Sum(nil): got %v, want 0", got)
	}
}

func TestParse_Garbage(t *testing.T) {
	if _, err := Parse(strings.NewReader("this is { not metrics\n")); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestParse_TrailingGarbageAfterValidFamily(t *testing.T) {
	text := "# TYPE relaycast_connections gauge\nrelaycast_connections 3\nthis is { not metrics\n"
	if _, err := Parse(strings.NewReader(text)); err == nil {
		t.Fatal("expected error when the exposition is only partly valid")
	}
}

func TestHandlerFetch(t *testing.T) {
	srv := httptest.NewServer(Handler(sample))
	defer srv.Close()

	mfs, err := Fetch(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := StatsFrom(mfs).Connections; got != 3 {
		t.Errorf("connections: got %d, want 3", got)
	}
}

func TestFetch_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}
