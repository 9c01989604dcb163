package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"testing"

	"github.com/relaycast/relaycast/pkg/types"
	"github.com/relaycast/relaycast/server/internal/registry"
	"github.com/relaycast/relaycast/server/internal/subscription"
)

// --- helpers ----------------------------------------------------------------

type env struct {
	tbl  *subscription.Table
	reg  *registry.Registry
	disp *Dispatcher
}

func newEnv(queueSize int) *env {
	tbl := subscription.New()
	reg := registry.New(queueSize, func(id types.ConnID) { tbl.RemoveConnection(id) })
	return &env{tbl: tbl, reg: reg, disp: New(tbl, reg)}
}

func (e *env) connect(topics ...types.Topic) *registry.Connection {
	c := e.reg.NewConnection("user", nil)
	e.reg.Register(c)
	for _, topic := range topics {
		e.tbl.Subscribe(c.ID(), topic)
	}
	return c
}

func drain(c *registry.Connection) []types.Notification {
	var out []types.Notification
	for {
		select {
		case n := <-c.Outbound():
			out = append(out, n)
		default:
			return out
		}
	}
}

func payload(s string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"body": s})
	return b
}

func bodyOf(t *testing.T, n types.Notification) string {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(n.Payload, &m); err != nil {
		t.Fatalf("decode payload %s: %v", n.Payload, err)
	}
	return m["body"]
}

func expectLen(t *testing.T, got []types.Notification, want int) {
	t.Helper()
	if len(got) != want {
		t.Fatalf("notifications: got %d, want %d", len(got), want)
	}
}

// --- tests ------------------------------------------------------------------

func TestPublish_DeliversOnlyToTopicSubscribers(t *testing.T) {
	e := newEnv(8)
	c1 := e.connect("chat_1")
	c2 := e.connect("chat_2")

	rep := e.disp.Publish("chat_1", payload("hello"))

	if rep.Subscribers != 1 || rep.Delivered != 1 || rep.Failed() != 0 {
		t.Errorf("report: %+v", rep)
	}

	got := drain(c1)
	expectLen(t, got, 1)
	if got[0].Type != types.TypeMessage || got[0].Topic != "chat_1" {
		t.Errorf("notification: %+v", got[0])
	}
	if b := bodyOf(t, got[0]); b != "hello" {
		t.Errorf("body: got %q, want hello", b)
	}
	expectLen(t, drain(c2), 0)
}

func TestPublish_NoSubscribersIsNotAnError(t *testing.T) {
	e := newEnv(8)
	rep := e.disp.Publish("nobody_home", payload("x"))
	if want := (DeliveryReport{Topic: "nobody_home"}); !reflect.DeepEqual(rep, want) {
		t.Errorf("report: got %+v, want %+v", rep, want)
	}
}

func TestPublish_FIFOPerSubscriber(t *testing.T) {
	e := newEnv(8)
	c := e.connect("chat_1")

	e.disp.Publish("chat_1", payload("m1"))
	e.disp.Publish("chat_1", payload("m2"))

	got := drain(c)
	expectLen(t, got, 2)
	if a, b := bodyOf(t, got[0]), bodyOf(t, got[1]); a != "m1" || b != "m2" {
		t.Errorf("order: got %q, %q", a, b)
	}
}

func TestPublish_FailureDoesNotAbortFanOut(t *testing.T) {
	e := newEnv(1)
	slow := e.connect("chat_1")
	fast := e.connect("chat_1")

	e.disp.Publish("chat_1", payload("m1"))
	drain(fast)

	rep := e.disp.Publish("chat_1", payload("m2"))

	if rep.Subscribers != 2 || rep.Delivered != 1 {
		t.Errorf("report: %+v", rep)
	}
	if len(rep.Failures) != 1 {
		t.Fatalf("failures: got %d, want 1", len(rep.Failures))
	}
	if f := rep.Failures[0]; f.Conn != slow.ID() || !errors.Is(f.Err, registry.ErrBackpressure) {
		t.Errorf("failure: %+v", f)
	}
	expectLen(t, drain(fast), 1)

	c := e.disp.Counters()
	if c.Published != 2 || c.Delivered != 3 || c.Failed != 1 {
		t.Errorf("counters: %+v", c)
	}
}

func TestPublish_ClosedConnectionExcluded(t *testing.T) {
	e := newEnv(8)
	gone := e.connect("a", "b")
	e.reg.Remove(gone.ID())

	for _, topic := range []types.Topic{"a", "b"} {
		if slices.Contains(e.tbl.SubscribersOf(topic), gone.ID()) {
			t.Errorf("removed connection still subscribed to %s", topic)
		}
	}

	if rep := e.disp.Publish("a", payload("x")); rep.Subscribers != 0 {
		t.Errorf("subscribers: got %d, want 0", rep.Subscribers)
	}
}

// racingSender drops a subscriber from the registry just before sending to it.
type racingSender struct {
	reg  *registry.Registry
	once sync.Once
	kill types.ConnID
}

func (s *racingSender) Send(id types.ConnID, n types.Notification) error {
	if id == s.kill {
		s.once.Do(func() { s.reg.Remove(id) })
	}
	return s.reg.Send(id, n)
}

func TestPublish_RaceWithClosureIsADeliveryFailure(t *testing.T) {
	e := newEnv(8)
	victim := e.connect("chat_1")
	e.connect("chat_1")
	d := New(e.tbl, &racingSender{reg: e.reg, kill: victim.ID()})

	rep := d.Publish("chat_1", payload("x"))

	if rep.Subscribers != 2 || rep.Delivered != 1 {
		t.Errorf("report: %+v", rep)
	}
	if len(rep.Failures) != 1 {
		t.Fatalf("failures: got %d, want 1", len(rep.Failures))
	}
	if !errors.Is(rep.Failures[0].Err, registry.ErrClosed) {
		t.Errorf("failure err: got %v, want ErrClosed", rep.Failures[0].Err)
	}
}

func TestPublish_ConcurrentPublishersKeepSameOrderForAllSubscribers(t *testing.T) {
	e := newEnv(1024)
	a := e.connect("chat_1")
	b := e.connect("chat_1")

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				e.disp.Publish("chat_1", payload(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	ga, gb := drain(a), drain(b)
	expectLen(t, ga, 200)
	expectLen(t, gb, 200)
	for i := range ga {
		if string(ga[i].Payload) != string(gb[i].Payload) {
			t.Fatalf("position %d: %s vs %s", i, ga[i].Payload, gb[i].Payload)
		}
	}
}

func TestFailure_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Failure{Conn: "c1", Err: registry.ErrBackpressure})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]string{"conn": "c1", "error": "registry: send failed: outbound queue full"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
