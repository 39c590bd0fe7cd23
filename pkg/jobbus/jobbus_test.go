package jobbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cadence/pkg/timeops"
)

type testPayload struct {
	Name string `json:"name"`
}

func newTestBus(t *testing.T, clock timeops.Clock) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBus(rdb, slog.Default(), clock), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	clock := timeops.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	bus, _ := newTestBus(t, clock)
	ctx := context.Background()

	id, err := bus.Enqueue(ctx, QueueSMS, testPayload{Name: "a"}, Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := bus.Dequeue(ctx, QueueSMS, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil {
		t.Fatal("Dequeue returned nil, want a job")
	}
	if job.ID != id {
		t.Errorf("job.ID = %s, want %s", job.ID, id)
	}

	var p testPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if p.Name != "a" {
		t.Errorf("payload name = %q, want %q", p.Name, "a")
	}

	if err := bus.Ack(ctx, job); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Queue is now empty.
	job2, err := bus.Dequeue(ctx, QueueSMS, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job2 != nil {
		t.Errorf("Dequeue after ack = %+v, want nil", job2)
	}
}

func TestPriorityOrdering(t *testing.T) {
	clock := timeops.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	bus, _ := newTestBus(t, clock)
	ctx := context.Background()

	// Enqueue low before critical; critical must pop first.
	if _, err := bus.Enqueue(ctx, QueueVoice, testPayload{Name: "low"}, Options{Priority: 8}); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if _, err := bus.Enqueue(ctx, QueueVoice, testPayload{Name: "critical"}, Options{Priority: 1}); err != nil {
		t.Fatalf("Enqueue critical: %v", err)
	}
	if _, err := bus.Enqueue(ctx, QueueVoice, testPayload{Name: "medium"}, Options{Priority: 5}); err != nil {
		t.Fatalf("Enqueue medium: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := bus.Dequeue(ctx, QueueVoice, time.Minute)
		if err != nil || job == nil {
			t.Fatalf("Dequeue %d: job=%v err=%v", i, job, err)
		}
		var p testPayload
		_ = json.Unmarshal(job.Payload, &p)
		order = append(order, p.Name)
	}

	want := []string{"critical", "medium", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dequeue order = %v, want %v", order, want)
		}
	}
}

func TestSamePriorityIsFIFO(t *testing.T) {
	clock := timeops.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	bus, _ := newTestBus(t, clock)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		if _, err := bus.Enqueue(ctx, QueueEvents, testPayload{Name: name}, Options{Priority: 5}); err != nil {
			t.Fatalf("Enqueue %s: %v", name, err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		job, err := bus.Dequeue(ctx, QueueEvents, time.Minute)
		if err != nil || job == nil {
			t.Fatalf("Dequeue: job=%v err=%v", job, err)
		}
		var p testPayload
		_ = json.Unmarshal(job.Payload, &p)
		if p.Name != want {
			t.Fatalf("got %q, want %q", p.Name, want)
		}
	}
}

func TestDelayedDelivery(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{t: start}
	bus, _ := newTestBus(t, clock)
	ctx := context.Background()

	if _, err := bus.Enqueue(ctx, QueueVoice, testPayload{Name: "delayed"}, Options{Delay: 30 * time.Second}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Not yet due.
	job, err := bus.Dequeue(ctx, QueueVoice, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job != nil {
		t.Fatal("delayed job delivered early")
	}

	// Past the delay.
	clock.t = start.Add(31 * time.Second)
	job, err = bus.Dequeue(ctx, QueueVoice, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil {
		t.Fatal("delayed job not delivered after its delay")
	}
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{t: start}
	bus, _ := newTestBus(t, clock)
	ctx := context.Background()

	if _, err := bus.Enqueue(ctx, QueueVoice, testPayload{Name: "x"}, Options{Attempt: 1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := bus.Dequeue(ctx, QueueVoice, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: job=%v err=%v", job, err)
	}
	// No ack — the worker died.

	clock.t = start.Add(2 * time.Minute)
	n, err := bus.ReapExpired(ctx, QueueVoice)
	if err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("ReapExpired = %d, want 1", n)
	}

	redelivered, err := bus.Dequeue(ctx, QueueVoice, time.Minute)
	if err != nil || redelivered == nil {
		t.Fatalf("Dequeue after reap: job=%v err=%v", redelivered, err)
	}
	if redelivered.ID != job.ID {
		t.Errorf("redelivered id = %s, want %s", redelivered.ID, job.ID)
	}
	if redelivered.Attempt != 1 {
		t.Errorf("redelivered attempt = %d, want preserved 1", redelivered.Attempt)
	}
}

func TestDepth(t *testing.T) {
	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	bus, _ := newTestBus(t, timeops.FixedClock{T: start})
	ctx := context.Background()

	if _, err := bus.Enqueue(ctx, QueueSMS, testPayload{Name: "a"}, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Enqueue(ctx, QueueSMS, testPayload{Name: "b"}, Options{Delay: time.Hour}); err != nil {
		t.Fatal(err)
	}

	depth, err := bus.Depth(ctx, QueueSMS)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Errorf("Depth = %d, want 2", depth)
	}
}

// stepClock is a mutable fake clock.
type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time { return c.t }
