package handshake_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"maidan-service/internal/model"
	"maidan-service/internal/service/handshake"
	"maidan-service/internal/service/match"
	"maidan-service/internal/service/queue"
	appErr "maidan-service/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type notifiedEvent struct {
	ConnID string
	Event  string
	Data   map[string]interface{}
}

type fakeNotifier struct {
	mu      sync.Mutex
	events  []notifiedEvent
	offline map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{offline: make(map[string]bool)}
}

func (f *fakeNotifier) Notify(connID string, event string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, notifiedEvent{ConnID: connID, Event: event, Data: data})
}

func (f *fakeNotifier) IsConnected(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[connID]
}

func (f *fakeNotifier) setOffline(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[connID] = true
}

func (f *fakeNotifier) eventsFor(connID string) []notifiedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notifiedEvent
	for _, e := range f.events {
		if e.ConnID == connID {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	rdb      *redis.Client
	db       *gorm.DB
	store    *queue.Service
	svc      *handshake.Service
	notifier *fakeNotifier
}

func newFixture(t *testing.T, pendingTTL time.Duration) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.Match{}); err != nil {
		t.Fatalf("failed to migrate match model: %v", err)
	}

	notifier := newFakeNotifier()
	store := queue.NewService(rdb, queue.Config{}, notifier)
	cfg := handshake.DefaultConfig()
	if pendingTTL > 0 {
		cfg.PendingTTL = pendingTTL
	}
	svc := handshake.NewService(rdb, store, match.NewService(db), notifier, cfg)

	return &fixture{rdb: rdb, db: db, store: store, svc: svc, notifier: notifier}
}

func ticket(connID string, userID int64) queue.Ticket {
	return queue.Ticket{
		ConnID:     connID,
		UserID:     userID,
		SportType:  "FOOTBALL",
		SkillLevel: "INTERMEDIATE",
	}
}

// openPending opens a pairing for users a=1 (conn-a) and b=2 (conn-b)
// and returns its id, read back from the match_found notification.
func openPending(t *testing.T, fx *fixture) string {
	t.Helper()
	ctx := context.Background()
	if err := fx.svc.OpenPending(ctx, ticket("conn-a", 1), ticket("conn-b", 2)); err != nil {
		t.Fatalf("open pending: %v", err)
	}
	events := fx.notifier.eventsFor("conn-a")
	if len(events) == 0 || events[0].Event != "match_found" {
		t.Fatalf("expected match_found, got %+v", events)
	}
	pendingID, _ := events[0].Data["pendingId"].(string)
	if pendingID == "" {
		t.Fatal("missing pending id in match_found")
	}
	return pendingID
}

func matchCount(t *testing.T, fx *fixture, playerA, playerB int64) int64 {
	t.Helper()
	var count int64
	err := fx.db.Model(&model.Match{}).
		Where("player_a_id = ? AND player_b_id = ?", playerA, playerB).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count matches: %v", err)
	}
	return count
}

func TestAcceptUnknownPendingFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)

	err := fx.svc.Accept(ctx, "no-such-id", 1)
	if !errors.Is(err, appErr.ErrPendingNotFound) {
		t.Fatalf("expected ErrPendingNotFound, got %v", err)
	}
}

func TestAcceptByOutsiderFails(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	pendingID := openPending(t, fx)

	err := fx.svc.Accept(ctx, pendingID, 99)
	if !errors.Is(err, appErr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestFirstAcceptNotifiesOpponentAndKeepsRecord(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	pendingID := openPending(t, fx)

	if err := fx.svc.Accept(ctx, pendingID, 1); err != nil {
		t.Fatalf("accept: %v", err)
	}

	eventsB := fx.notifier.eventsFor("conn-b")
	last := eventsB[len(eventsB)-1]
	if last.Event != "opponent_accepted" || last.Data["pendingId"] != pendingID {
		t.Fatalf("expected opponent_accepted for b, got %+v", last)
	}
	if matchCount(t, fx, 1, 2) != 0 {
		t.Fatal("one-sided accept must not create a durable match")
	}
	// Accepting again from the other side must still find the record.
	if err := fx.svc.Accept(ctx, pendingID, 2); err != nil {
		t.Fatalf("second accept: %v", err)
	}
}

func TestBothAcceptsConfirmExactlyOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	pendingID := openPending(t, fx)

	if err := fx.svc.Accept(ctx, pendingID, 1); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if err := fx.svc.Accept(ctx, pendingID, 2); err != nil {
		t.Fatalf("accept b: %v", err)
	}

	if got := matchCount(t, fx, 1, 2); got != 1 {
		t.Fatalf("expected exactly one durable match, got %d", got)
	}

	for _, conn := range []string{"conn-a", "conn-b"} {
		events := fx.notifier.eventsFor(conn)
		last := events[len(events)-1]
		if last.Event != "match_confirmed" {
			t.Fatalf("expected match_confirmed for %s, got %+v", conn, last)
		}
		if last.Data["matchId"] == nil {
			t.Fatalf("match_confirmed must carry the durable id, got %+v", last.Data)
		}
	}

	// Neither side remains queued or slotted.
	for _, conn := range []string{"conn-a", "conn-b"} {
		status, err := fx.store.Status(ctx, conn)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Status != queue.QueueStatusIdle {
			t.Fatalf("expected %s idle after confirm, got %s", conn, status.Status)
		}
	}

	err := fx.svc.Accept(ctx, pendingID, 1)
	if !errors.Is(err, appErr.ErrPendingNotFound) {
		t.Fatalf("confirmed record must be gone, got %v", err)
	}
}

func TestDeclineRequeuesOpponentAtHead(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	pendingID := openPending(t, fx)

	// Someone else is already waiting; the requeued side must still
	// end up in front of them.
	if err := fx.store.Join(ctx, ticket("conn-c", 3)); err != nil {
		t.Fatalf("join c: %v", err)
	}

	if err := fx.svc.Decline(ctx, pendingID, 1); err != nil {
		t.Fatalf("decline: %v", err)
	}

	eventsB := fx.notifier.eventsFor("conn-b")
	last := eventsB[len(eventsB)-1]
	if last.Event != "match_cancelled" || last.Data["reason"] != "opponent_declined" {
		t.Fatalf("expected match_cancelled/opponent_declined for b, got %+v", last)
	}

	key, err := queue.NewBucketKey("FOOTBALL", "INTERMEDIATE")
	if err != nil {
		t.Fatalf("bucket key: %v", err)
	}
	first, second, err := fx.store.PopOldestPair(ctx, key)
	if err != nil || first == nil || second == nil {
		t.Fatalf("expected a pair after requeue, got %v %v %v", first, second, err)
	}
	if first.UserID != 2 || second.UserID != 3 {
		t.Fatalf("requeued side must be at the head: got (%d,%d)", first.UserID, second.UserID)
	}

	if matchCount(t, fx, 1, 2) != 0 {
		t.Fatal("declined pairing must not persist a match")
	}
}

func TestDeclineSkipsRequeueWhenOpponentGone(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	pendingID := openPending(t, fx)

	fx.notifier.setOffline("conn-b")

	if err := fx.svc.Decline(ctx, pendingID, 1); err != nil {
		t.Fatalf("decline: %v", err)
	}

	status, err := fx.store.Status(ctx, "conn-b")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status == queue.QueueStatusQueued {
		t.Fatal("a gone connection must not be requeued")
	}
}

func TestAcceptAfterDeadlineFailsExpired(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 30*time.Millisecond)
	pendingID := openPending(t, fx)

	time.Sleep(50 * time.Millisecond)

	err := fx.svc.Accept(ctx, pendingID, 1)
	if !errors.Is(err, appErr.ErrPendingExpired) {
		t.Fatalf("expected ErrPendingExpired, got %v", err)
	}
	// The lazy expiry also tears the record down.
	err = fx.svc.Accept(ctx, pendingID, 2)
	if !errors.Is(err, appErr.ErrPendingNotFound) {
		t.Fatalf("expected ErrPendingNotFound after teardown, got %v", err)
	}
	if matchCount(t, fx, 1, 2) != 0 {
		t.Fatal("expired pairing must not persist a match")
	}
}

func TestExpiryRequeuesOnlyConnectedSide(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 30*time.Millisecond)
	pendingID := openPending(t, fx)

	// A accepts and stays; B neither responds nor stays connected.
	if err := fx.svc.Accept(ctx, pendingID, 1); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	fx.notifier.setOffline("conn-b")

	time.Sleep(50 * time.Millisecond)
	if err := fx.svc.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	statusA, err := fx.store.Status(ctx, "conn-a")
	if err != nil {
		t.Fatalf("status a: %v", err)
	}
	if statusA.Status != queue.QueueStatusQueued {
		t.Fatalf("accepting side should be requeued on expiry, got %s", statusA.Status)
	}

	eventsA := fx.notifier.eventsFor("conn-a")
	last := eventsA[len(eventsA)-1]
	if last.Event != "match_cancelled" || last.Data["reason"] != "expired" {
		t.Fatalf("expected match_cancelled/expired for a, got %+v", last)
	}

	// The silent, departed side gets neither a requeue nor an event.
	statusB, err := fx.store.Status(ctx, "conn-b")
	if err != nil {
		t.Fatalf("status b: %v", err)
	}
	if statusB.Status != queue.QueueStatusIdle {
		t.Fatalf("departed side must not be requeued, got %s", statusB.Status)
	}

	err = fx.svc.Accept(ctx, pendingID, 1)
	if !errors.Is(err, appErr.ErrPendingNotFound) {
		t.Fatalf("reaped record must be gone, got %v", err)
	}
}
