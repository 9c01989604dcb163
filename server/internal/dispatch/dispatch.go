// Package dispatch fans a published message out to every current subscriber
// of its topic.
//
// Delivery is best-effort and at-most-once per subscriber per Publish call. A
// failed send (closed connection, full queue) is recorded in the
// DeliveryReport and does not stop delivery to the remaining subscribers. The
// dispatcher never retries.
//
// Fan-out for a single topic is serialized by a striped lock, so every
// subscriber of a topic observes that topic's messages in publish order.
// Sends only enqueue, so no lock is ever held across transport I/O.
package dispatch

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/relaycast/relaycast/pkg/types"
)

const stripes = 64

// Subscribers yields the current subscriber set of a topic.
type Subscribers interface {
	SubscribersOf(topic types.Topic) []types.ConnID
}

// Sender delivers one notification to one connection without blocking.
type Sender interface {
	Send(id types.ConnID, n types.Notification) error
}

// Failure is one subscriber the message could not be handed to.
type Failure struct {
	Conn types.ConnID `json:"conn"`
	Err  error        `json:"-"`
}

// MarshalJSON includes the error text.
func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Conn  types.ConnID `json:"conn"`
		Error string       `json:"error"`
	}{f.Conn, msg})
}

// DeliveryReport summarizes one Publish call.
type DeliveryReport struct {
	Topic       types.Topic `json:"topic"`
	Subscribers int         `json:"subscribers"`
	Delivered   int         `json:"delivered"`
	Failures    []Failure   `json:"failures,omitempty"`
}

// Failed returns the number of subscribers that did not receive the message.
func (r DeliveryReport) Failed() int { return len(r.Failures) }

// Counters are cumulative dispatcher totals.
type Counters struct {
	Published uint64
	Delivered uint64
	Failed    uint64
}

// Dispatcher publishes messages to topic subscribers. It is safe for concurrent use.
type Dispatcher struct {
	subs   Subscribers
	sender Sender

	locks [stripes]sync.Mutex

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Dispatcher reading subscribers from subs and delivering through sender.
func New(subs Subscribers, sender Sender) *Dispatcher {
	return &Dispatcher{subs: subs, sender: sender}
}

// Publish delivers payload to every connection subscribed to topic at call time.
func (d *Dispatcher) Publish(topic types.Topic, payload json.RawMessage) DeliveryReport {
	mu := &d.locks[stripe(topic)]
	mu.Lock()
	defer mu.Unlock()

	targets := d.subs.SubscribersOf(topic)
	report := DeliveryReport{Topic: topic, Subscribers: len(targets)}
	n := types.Notification{Type: types.TypeMessage, Topic: topic, Payload: payload}

	for _, id := range targets {
		if err := d.sender.Send(id, n); err != nil {
			report.Failures = append(report.Failures, Failure{Conn: id, Err: err})
			continue
		}
		report.Delivered++
	}

	d.published.Add(1)
	d.delivered.Add(uint64(report.Delivered))
	d.failed.Add(uint64(len(report.Failures)))
	return report
}

// Counters returns the cumulative totals.
func (d *Dispatcher) Counters() Counters {
	return Counters{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

func stripe(topic types.Topic) uint32 {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return h.Sum32() % stripes
}
