package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/friendsincode/skald/internal/events"
	"github.com/rs/zerolog"
)

func TestNodeIDsAreUnique(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	if a == b {
		t.Fatalf("two node IDs collided: %s", a)
	}
	if !strings.Contains(a, "-") {
		t.Fatalf("node ID %q missing host-uuid separator", a)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := newBusMessage(events.EventSegmentStarted, events.Payload{"title": "x"}, "node-1")

	data, err := msg.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.EventType != events.EventSegmentStarted {
		t.Errorf("event type = %q", got.EventType)
	}
	if got.NodeID != "node-1" {
		t.Errorf("node id = %q", got.NodeID)
	}
	if got.MessageID != msg.MessageID {
		t.Errorf("message id changed: %q vs %q", got.MessageID, msg.MessageID)
	}
	if got.Payload["title"] != "x" {
		t.Errorf("payload = %v", got.Payload)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := decodeMessage([]byte("{")); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestRelayForwardsLocalAndSkipsRemote(t *testing.T) {
	local := events.NewBus()
	r := &relay{local: local, nodeID: "me", logger: zerolog.Nop()}

	sent := make(chan *busMessage, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.wg.Add(1)
	go r.forward(ctx, func(_ events.EventType, m *busMessage) error {
		sent <- m
		return nil
	})
	time.Sleep(20 * time.Millisecond) // let the forward loop subscribe

	local.Publish(events.EventSegmentStarted, events.Payload{"title": "local"})

	select {
	case m := <-sent:
		if m.NodeID != "me" {
			t.Fatalf("forwarded message node = %q", m.NodeID)
		}
		if m.Payload["title"] != "local" {
			t.Fatalf("forwarded payload = %v", m.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local event never forwarded")
	}

	// A remote message reaches local subscribers but is not re-forwarded.
	observer := local.Subscribe(events.EventNowPlaying)
	r.inject(&busMessage{EventType: events.EventNowPlaying, Payload: events.Payload{"title": "remote"}, NodeID: "other"})

	select {
	case p := <-observer:
		if p["title"] != "remote" {
			t.Fatalf("injected payload = %v", p)
		}
		if p[originKey] != "other" {
			t.Fatalf("origin marker = %v", p[originKey])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote event never injected")
	}

	select {
	case m := <-sent:
		t.Fatalf("remote event was re-forwarded: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	// Our own message coming back is an echo and must be dropped.
	r.inject(&busMessage{EventType: events.EventNowPlaying, Payload: events.Payload{}, NodeID: "me"})
	select {
	case p := <-observer:
		t.Fatalf("own echo delivered: %v", p)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	r.wg.Wait()
}

func TestRedisBusDegradesWithoutServer(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1" // nothing listens here
	cfg.CheckInterval = time.Hour

	local := events.NewBus()
	rb, err := NewRedisBus(cfg, local, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	defer rb.Close()

	// Local delivery is unaffected by the dead broker.
	sub := local.Subscribe(events.EventStateChanged)
	local.Publish(events.EventStateChanged, events.Payload{"to": "PLAYING_SONG"})

	select {
	case p := <-sub:
		if p["to"] != "PLAYING_SONG" {
			t.Fatalf("payload = %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local subscriber starved")
	}

	// The probe is rate limited right after the failed boot ping.
	if err := rb.TryReconnect(context.Background()); err == nil {
		t.Fatal("expected rate limited reconnect probe")
	}
}

func TestNATSBusKeepsLocalDeliveryWhenOffline(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.StreamName = ""

	local := events.NewBus()
	nb, err := NewNATSBus(cfg, local, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewNATSBus: %v", err)
	}
	defer nb.Close()

	sub := local.Subscribe(events.EventSegmentFinished)
	local.Publish(events.EventSegmentFinished, events.Payload{"kind": "song"})

	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("local subscriber starved")
	}
}
