package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTopicValid(t *testing.T) {
	cases := []struct {
		topic Topic
		want  bool
	}{
		{"chat_1", true},
		{"orders/eu-west", true},
		{"", false},
		{"has space", false},
		{"tab\there", false},
		{Topic(strings.Repeat("a", MaxTopicLen)), true},
		{Topic(strings.Repeat("a", MaxTopicLen+1)), false},
	}
	for _, c := range cases {
		if got := c.topic.Valid(); got != c.want {
			t.Errorf("Topic(%q).Valid() = %v, want %v", c.topic, got, c.want)
		}
	}
}

func TestNotification_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Notification{Type: TypeConnected, Topic: "chat_1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `{"type":"connected","topic":"chat_1"}`; got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
