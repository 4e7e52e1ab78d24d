package broker

import "testing"

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"uagv/v2/RobotCompany/+/state", "uagv/v2/RobotCompany/carter01/state", true},
		{"uagv/v2/RobotCompany/+/state", "uagv/v2/RobotCompany/carter01/order", false},
		{"uagv/v2/RobotCompany/+/state", "uagv/v2/RobotCompany/state", false},
		{"uagv/v2/RobotCompany/#", "uagv/v2/RobotCompany/carter01/state", true},
		{"#", "anything/at/all", true},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.filter, tc.topic); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestOptionsURL(t *testing.T) {
	tcp := Options{Host: "localhost", Port: 1883, Transport: "tcp"}
	if got := tcp.URL(); got != "tcp://localhost:1883" {
		t.Errorf("tcp URL = %q", got)
	}
	ws := Options{Host: "broker", Port: 9001, Transport: "websockets", WSPath: "/mqtt"}
	if got := ws.URL(); got != "ws://broker:9001/mqtt" {
		t.Errorf("websockets URL = %q", got)
	}
}

func TestFakeRoundTrip(t *testing.T) {
	f := NewFake()
	if err := f.Subscribe("uagv/v2/RobotCompany/+/state"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !f.Subscribed("uagv/v2/RobotCompany/+/state") {
		t.Fatal("filter not recorded")
	}

	f.Inject("uagv/v2/RobotCompany/carter01/state", []byte(`{}`))
	select {
	case msg := <-f.Messages():
		if msg.Topic != "uagv/v2/RobotCompany/carter01/state" {
			t.Errorf("topic = %q", msg.Topic)
		}
	default:
		t.Fatal("no message delivered")
	}

	if err := f.Publish("uagv/v2/RobotCompany/carter01/order", []byte(`{"orderId":"m1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-f.Published():
		if msg.Topic != "uagv/v2/RobotCompany/carter01/order" {
			t.Errorf("published topic = %q", msg.Topic)
		}
	default:
		t.Fatal("publish not captured")
	}
}

func TestFakeClose(t *testing.T) {
	f := NewFake()
	f.Close()
	if err := f.Publish("t", nil); err != ErrClosed {
		t.Errorf("publish after close = %v, want ErrClosed", err)
	}
	if err := f.Subscribe("t"); err != ErrClosed {
		t.Errorf("subscribe after close = %v, want ErrClosed", err)
	}
	f.Inject("t", nil)
	select {
	case <-f.Messages():
		t.Error("inject after close delivered")
	default:
	}
}
