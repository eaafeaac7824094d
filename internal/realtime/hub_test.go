package realtime

import (
	"testing"
)

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		ok      bool
		channel string
	}{
		{"token subscribe", `{"action":"subscribe","channel":"token:abc"}`, true, "token:abc"},
		{"service subscribe", `{"action":"subscribe","channel":" service:s1 "}`, true, "service:s1"},
		{"unknown prefix", `{"action":"subscribe","channel":"user:1"}`, false, ""},
		{"empty id", `{"action":"subscribe","channel":"token:"}`, false, ""},
		{"unsubscribe all", `{"action":"unsubscribe"}`, true, ""},
		{"bad action", `{"action":"publish","channel":"token:abc"}`, false, ""},
		{"not json", `hello`, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.frame))
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && msg.Channel != tc.channel {
				t.Fatalf("expected channel %q, got %q", tc.channel, msg.Channel)
			}
		})
	}
}

func TestHubRoutesByChannel(t *testing.T) {
	h := NewHub()
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	h.Register(a)
	h.Register(b)
	h.Subscribe(a, TokenChannel("t1"))
	h.Subscribe(b, ServiceChannel("s1"))

	if got := h.Broadcast(TokenChannel("t1"), []byte("one")); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if got := h.Broadcast(ServiceChannel("s2"), []byte("two")); got != 0 {
		t.Fatalf("expected 0 deliveries, got %d", got)
	}
	if msg := <-a.Send; string(msg) != "one" {
		t.Fatalf("unexpected message %q", msg)
	}
	if len(b.Send) != 0 {
		t.Fatalf("client b should not receive token messages")
	}

	h.Unsubscribe(a, TokenChannel("t1"))
	if h.Subscribers(TokenChannel("t1")) != 0 {
		t.Fatalf("expected no subscribers after unsubscribe")
	}

	h.Unregister(b)
	if _, open := <-b.Send; open {
		t.Fatalf("expected send channel closed")
	}
	h.Unregister(b)
}

func TestHubDropsWhenClientIsSlow(t *testing.T) {
	h := NewHub()
	slow := NewClient("slow", 1)
	h.Register(slow)
	h.Subscribe(slow, ServiceChannel("s1"))

	if got := h.Broadcast(ServiceChannel("s1"), []byte("first")); got != 1 {
		t.Fatalf("expected first message accepted")
	}
	if got := h.Broadcast(ServiceChannel("s1"), []byte("second")); got != 0 {
		t.Fatalf("expected second message dropped")
	}
}
