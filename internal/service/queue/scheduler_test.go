package queue_test

import (
	"context"
	"sync"
	"testing"

	"maidan-service/internal/service/handshake"
	"maidan-service/internal/service/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecorder) CreateMatch(_ context.Context, _, _ int64, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return int64(1000 + f.calls), nil
}

func newScheduler(t *testing.T) (*queue.Service, *handshake.Service, *queue.Scheduler, *fakeNotifier) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	notifier := newFakeNotifier()
	store := queue.NewService(rdb, queue.Config{}, notifier)
	pairs := handshake.NewService(rdb, store, &fakeRecorder{}, notifier, handshake.DefaultConfig())
	sched := queue.NewScheduler(store, pairs, queue.DefaultSweepInterval)
	return store, pairs, sched, notifier
}

func TestTickPairsTwoOldestAndOpensPending(t *testing.T) {
	ctx := context.Background()
	store, _, sched, notifier := newScheduler(t)

	if err := store.Join(ctx, footballTicket("conn-a", 1)); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := store.Join(ctx, footballTicket("conn-b", 2)); err != nil {
		t.Fatalf("join b: %v", err)
	}

	sched.Tick(ctx)

	eventsA := notifier.eventsFor("conn-a")
	eventsB := notifier.eventsFor("conn-b")
	if len(eventsA) != 1 || eventsA[0].Event != "match_found" {
		t.Fatalf("expected match_found for a, got %+v", eventsA)
	}
	if len(eventsB) != 1 || eventsB[0].Event != "match_found" {
		t.Fatalf("expected match_found for b, got %+v", eventsB)
	}
	if eventsA[0].Data["opponentId"] != int64(2) {
		t.Fatalf("a should face user 2, got %v", eventsA[0].Data["opponentId"])
	}
	if eventsB[0].Data["opponentId"] != int64(1) {
		t.Fatalf("b should face user 1, got %v", eventsB[0].Data["opponentId"])
	}
	if eventsA[0].Data["pendingId"] == "" || eventsA[0].Data["pendingId"] != eventsB[0].Data["pendingId"] {
		t.Fatalf("both sides must share one pending id: %+v vs %+v", eventsA[0].Data, eventsB[0].Data)
	}

	// Both connections now hold a pending slot, not a ticket.
	for _, conn := range []string{"conn-a", "conn-b"} {
		status, err := store.Status(ctx, conn)
		if err != nil {
			t.Fatalf("status %s: %v", conn, err)
		}
		if status.Status != queue.QueueStatusPending {
			t.Fatalf("expected %s pending, got %s", conn, status.Status)
		}
	}
}

func TestTickLeavesShortBucketAlone(t *testing.T) {
	ctx := context.Background()
	store, _, sched, notifier := newScheduler(t)

	if err := store.Join(ctx, footballTicket("conn-a", 1)); err != nil {
		t.Fatalf("join: %v", err)
	}

	sched.Tick(ctx)

	if events := notifier.eventsFor("conn-a"); len(events) != 0 {
		t.Fatalf("lone ticket must stay queued, got events %+v", events)
	}
	status, err := store.Status(ctx, "conn-a")
	if err != nil || status.Status != queue.QueueStatusQueued {
		t.Fatalf("expected still queued, got %+v (%v)", status, err)
	}
}

func TestDeclineThenTickPairsRequeuedSideFirst(t *testing.T) {
	ctx := context.Background()
	store, pairs, sched, notifier := newScheduler(t)

	if err := store.Join(ctx, footballTicket("conn-a", 1)); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := store.Join(ctx, footballTicket("conn-b", 2)); err != nil {
		t.Fatalf("join b: %v", err)
	}
	sched.Tick(ctx)

	eventsA := notifier.eventsFor("conn-a")
	if len(eventsA) == 0 || eventsA[0].Event != "match_found" {
		t.Fatalf("expected match_found before decline, got %+v", eventsA)
	}
	pendingID, _ := eventsA[0].Data["pendingId"].(string)

	if err := pairs.Decline(ctx, pendingID, 1); err != nil {
		t.Fatalf("decline: %v", err)
	}

	cancelled := notifier.eventsFor("conn-b")
	if len(cancelled) < 2 || cancelled[1].Event != "match_cancelled" {
		t.Fatalf("expected match_cancelled for b, got %+v", cancelled)
	}
	if cancelled[1].Data["reason"] != "opponent_declined" {
		t.Fatalf("unexpected cancel reason: %+v", cancelled[1].Data)
	}

	// A newcomer behind the requeued side must pair with it, in order.
	if err := store.Join(ctx, footballTicket("conn-c", 3)); err != nil {
		t.Fatalf("join c: %v", err)
	}
	sched.Tick(ctx)

	foundB := notifier.eventsFor("conn-b")
	last := foundB[len(foundB)-1]
	if last.Event != "match_found" || last.Data["opponentId"] != int64(3) {
		t.Fatalf("requeued b should pair with c, got %+v", last)
	}
	foundC := notifier.eventsFor("conn-c")
	if len(foundC) != 1 || foundC[0].Data["opponentId"] != int64(2) {
		t.Fatalf("c should face the requeued user 2, got %+v", foundC)
	}
}

func TestTickSplitsPairSharingOneIdentity(t *testing.T) {
	ctx := context.Background()
	store, _, sched, notifier := newScheduler(t)

	// Same user queued from two connections.
	if err := store.Join(ctx, footballTicket("conn-a1", 1)); err != nil {
		t.Fatalf("join a1: %v", err)
	}
	if err := store.Join(ctx, footballTicket("conn-a2", 1)); err != nil {
		t.Fatalf("join a2: %v", err)
	}

	sched.Tick(ctx)

	if events := notifier.eventsFor("conn-a1"); len(events) != 0 {
		t.Fatalf("no pairing should happen for one identity, got %+v", events)
	}
	status, err := store.Status(ctx, "conn-a1")
	if err != nil || status.Status != queue.QueueStatusQueued {
		t.Fatalf("older connection should be requeued, got %+v (%v)", status, err)
	}
}
