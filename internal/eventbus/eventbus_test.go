package eventbus

import (
	"testing"
	"time"

	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/events"
	"github.com/rs/zerolog"
)

func TestDeliverRemoteSkipsOwnMessages(t *testing.T) {
	local := events.NewBus()
	sub := local.Subscribe(events.EventMeetingsUpdated)

	own, err := marshalMessage(events.EventMeetingsUpdated, events.Payload{"count": 1}, "node-a")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	deliverRemote(local, "node-a", own, zerolog.Nop())
	select {
	case p := <-sub:
		t.Fatalf("own message should be skipped, got %v", p)
	default:
	}

	deliverRemote(local, "node-b", own, zerolog.Nop())
	select {
	case p := <-sub:
		// JSON numbers decode as float64.
		if p["count"] != float64(1) {
			t.Fatalf("unexpected payload: %v", p)
		}
	default:
		t.Fatal("expected remote message to be delivered")
	}

	deliverRemote(local, "node-b", []byte("not json"), zerolog.Nop())
}

func TestNamespaces(t *testing.T) {
	if got := RedisChannel(events.EventTabOpened); got != "autojoin:events:meeting.tab_opened" {
		t.Fatalf("unexpected redis channel %q", got)
	}
	if got := NATSSubject(events.EventMeetingsUpdated); got != "autojoin.events.meetings.updated" {
		t.Fatalf("unexpected nats subject %q", got)
	}
}

func TestRedisBusFallsBackWhenUnreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.CheckInterval = time.Hour

	rb, err := NewRedisBus(cfg, "node-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	defer rb.Close()

	if !rb.Fallback() {
		t.Fatal("expected fallback mode")
	}

	sub := rb.Subscribe(events.EventTabClosed)
	rb.Publish(events.EventTabClosed, events.Payload{"tab_id": "t1"})
	select {
	case p := <-sub:
		if p["tab_id"] != "t1" {
			t.Fatalf("unexpected payload: %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("expected local delivery in fallback mode")
	}
	rb.Unsubscribe(events.EventTabClosed, sub)
}

func TestNATSBusFallsBackWhenUnreachable(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	nb, err := NewNATSBus(cfg, "node-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("new nats bus: %v", err)
	}
	defer nb.Close()

	if nb.Connected() {
		t.Fatal("expected no connection")
	}
	sub := nb.Subscribe(events.EventPassFailed)
	nb.Publish(events.EventPassFailed, events.Payload{"error": "boom"})
	select {
	case p := <-sub:
		if p["error"] != "boom" {
			t.Fatalf("unexpected payload: %v", p)
		}
	default:
		t.Fatal("expected local delivery")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.EventBusBackend = config.EventBusMemory
	b, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := b.(*events.Bus); !ok {
		t.Fatalf("expected in-process bus, got %T", b)
	}

	cfg.EventBusBackend = config.EventBusBackend("kafka")
	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}

func TestNodeIDIsUnique(t *testing.T) {
	if NodeID() == NodeID() {
		t.Fatal("expected distinct node ids")
	}
}

func TestBreaker(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	b := breaker{maxFails: 3, retryAfter: 30 * time.Second}

	if b.failure(now) || b.failure(now) {
		t.Fatal("breaker opened before the threshold")
	}
	if !b.failure(now) || !b.open {
		t.Fatal("third failure should open the breaker")
	}
	if b.failure(now) {
		t.Fatal("an open breaker must not report opening again")
	}

	if b.probeDue(now.Add(10 * time.Second)) {
		t.Fatal("probe allowed before retryAfter")
	}
	if !b.probeDue(now.Add(31 * time.Second)) {
		t.Fatal("probe should be due after retryAfter")
	}
	if b.probeDue(now.Add(32 * time.Second)) {
		t.Fatal("a probe stamps lastProbe")
	}

	b.success()
	if b.open || b.fails != 0 {
		t.Fatalf("success should reset the breaker: %+v", b)
	}
	if b.probeDue(now.Add(time.Hour)) {
		t.Fatal("closed breaker never probes")
	}
}
