package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cadence/pkg/healing"
	"github.com/wisbric/cadence/pkg/interaction"
	"github.com/wisbric/cadence/pkg/jobbus"
	"github.com/wisbric/cadence/pkg/timeops"
	"github.com/wisbric/cadence/pkg/umbrella"
)

type fakeResolver struct {
	assignment umbrella.Assignment
}

func (f *fakeResolver) Resolve(context.Context, uuid.UUID) (umbrella.Assignment, error) {
	return f.assignment, nil
}

type fakeSlots struct {
	results  []umbrella.AcquireResult
	acquires int
	releases int
}

func (f *fakeSlots) TryAcquire(context.Context, uuid.UUID, uuid.UUID, int, int) (umbrella.AcquireResult, error) {
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	f.acquires++
	return res, nil
}

func (f *fakeSlots) Release(context.Context, uuid.UUID, uuid.UUID) error {
	f.releases++
	return nil
}

type fakeProvider struct {
	resp *CallResponse
	err  error
}

func (f *fakeProvider) InitiateCall(context.Context, string, CallRequest) (*CallResponse, error) {
	return f.resp, f.err
}

type fakeInteractions struct {
	inserted []*interaction.Interaction
}

func (f *fakeInteractions) Insert(_ context.Context, in *interaction.Interaction) (uuid.UUID, error) {
	f.inserted = append(f.inserted, in)
	return uuid.New(), nil
}

type fakeExecLog struct {
	entries []ExecEntry
}

func (f *fakeExecLog) Log(entry ExecEntry) { f.entries = append(f.entries, entry) }

func (f *fakeExecLog) find(action string) *ExecEntry {
	for i := range f.entries {
		if f.entries[i].Action == action {
			return &f.entries[i]
		}
	}
	return nil
}

type workerHarness struct {
	worker       *Worker
	bus          *jobbus.Bus
	slots        *fakeSlots
	provider     *fakeProvider
	interactions *fakeInteractions
	execLog      *fakeExecLog
}

func newWorkerHarness(t *testing.T, slots *fakeSlots, provider *fakeProvider) *workerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := timeops.FixedClock{T: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	bus := jobbus.NewBus(rdb, slog.Default(), clock)

	h := &workerHarness{
		bus:          bus,
		slots:        slots,
		provider:     provider,
		interactions: &fakeInteractions{},
		execLog:      &fakeExecLog{},
	}
	resolver := &fakeResolver{assignment: umbrella.Assignment{
		UmbrellaID: uuid.New(), ProviderKey: "key", Limit: 2, TenantCap: 1,
	}}
	h.worker = NewWorker(bus, resolver, slots, provider, h.interactions, h.execLog,
		Config{Concurrency: 1, RetryDelay: 30 * time.Second, MaxRetries: 3}, slog.Default())
	return h
}

func testJob(t *testing.T, payload JobPayload, attempt int) *jobbus.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &jobbus.Job{ID: uuid.New().String(), Queue: jobbus.QueueVoice, Attempt: attempt, Payload: data}
}

func TestHandle_SuccessHoldsSlot(t *testing.T) {
	slots := &fakeSlots{results: []umbrella.AcquireResult{umbrella.Acquired}}
	provider := &fakeProvider{resp: &CallResponse{CallID: "call-1", Status: "queued"}}
	h := newWorkerHarness(t, slots, provider)

	payload := JobPayload{
		TenantID: uuid.New(), EnrollmentID: uuid.New(), ContactID: uuid.New(),
		Phone: "+15551234567", FirstMessage: "Hi", Priority: 3,
	}
	if err := h.worker.Handle(context.Background(), testJob(t, payload, 0)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if slots.releases != 0 {
		t.Errorf("releases = %d, want 0 (webhook releases the slot)", slots.releases)
	}
	if e := h.execLog.find("call_initiated"); e == nil || e.ProviderID != "call-1" {
		t.Errorf("execution log = %+v, want call_initiated with the call id", h.execLog.entries)
	}
	if len(h.interactions.inserted) != 1 {
		t.Fatalf("interactions = %d, want 1", len(h.interactions.inserted))
	}
	if h.interactions.inserted[0].Outcome != "delivered" {
		t.Errorf("interaction outcome = %s, want delivered", h.interactions.inserted[0].Outcome)
	}
}

func TestHandle_CapacityRejectionRequeuesWithDelay(t *testing.T) {
	slots := &fakeSlots{results: []umbrella.AcquireResult{umbrella.UmbrellaFull}}
	h := newWorkerHarness(t, slots, &fakeProvider{})

	payload := JobPayload{EnrollmentID: uuid.New(), Priority: 3}
	if err := h.worker.Handle(context.Background(), testJob(t, payload, 0)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// The job went back on the queue delayed, not ready.
	ctx := context.Background()
	job, err := h.bus.Dequeue(ctx, jobbus.QueueVoice, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job != nil {
		t.Fatal("capacity-rejected job must be delayed, not immediately ready")
	}

	depth, err := h.bus.Depth(ctx, jobbus.QueueVoice)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 delayed job", depth)
	}
}

func TestHandle_CapacityExhaustedDropsJob(t *testing.T) {
	slots := &fakeSlots{results: []umbrella.AcquireResult{umbrella.TenantCap}}
	h := newWorkerHarness(t, slots, &fakeProvider{})

	payload := JobPayload{TenantID: uuid.New(), EnrollmentID: uuid.New(), Priority: 3}
	// Attempt equals the retry budget: drop with an execution record.
	if err := h.worker.Handle(context.Background(), testJob(t, payload, 3)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	e := h.execLog.find("skipped_capacity")
	if e == nil {
		t.Fatal("expected a skipped_capacity execution record")
	}
	if e.Status != "capacity_exhausted" {
		t.Errorf("status = %s, want capacity_exhausted", e.Status)
	}

	depth, _ := h.bus.Depth(context.Background(), jobbus.QueueVoice)
	if depth != 0 {
		t.Errorf("depth = %d, want 0 (job dropped)", depth)
	}
}

func TestHandle_ProviderErrorReleasesSlotAndHeals(t *testing.T) {
	slots := &fakeSlots{results: []umbrella.AcquireResult{umbrella.Acquired}}
	provider := &fakeProvider{err: errors.New("provider down")}
	h := newWorkerHarness(t, slots, provider)

	payload := JobPayload{TenantID: uuid.New(), EnrollmentID: uuid.New(), ContactID: uuid.New(), Phone: "+15551234567"}
	if err := h.worker.Handle(context.Background(), testJob(t, payload, 0)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if slots.releases != 1 {
		t.Errorf("releases = %d, want 1 (failed initiation returns the slot)", slots.releases)
	}
	if h.execLog.find("call_initiation_failed") == nil {
		t.Error("expected a call_initiation_failed execution record")
	}

	// Failure surfaced onto the healing queue.
	job, err := h.bus.Dequeue(context.Background(), jobbus.QueueHealing, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("healing job = %v err = %v", job, err)
	}
	var hp healing.JobPayload
	_ = json.Unmarshal(job.Payload, &hp)
	if hp.FailureType != healing.FailureCallFailed {
		t.Errorf("failure type = %s, want call_failed", hp.FailureType)
	}
	if len(h.interactions.inserted) != 0 {
		t.Errorf("interactions = %d, want 0 on failed initiation", len(h.interactions.inserted))
	}
}
