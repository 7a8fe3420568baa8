package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/db/dbtest"
	"github.com/zulandar/milepost/internal/models"
	"gorm.io/gorm"
)

func enqueue(t *testing.T, db *gorm.DB, key, aggregateID string) *models.OutboxEvent {
	t.Helper()
	ev, err := Enqueue(db, AggregateProposal, Envelope{Event: key, AggregateID: aggregateID, Summary: "x"}, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return ev
}

func reload(t *testing.T, db *gorm.DB, id uint) models.OutboxEvent {
	t.Helper()
	var ev models.OutboxEvent
	if err := db.First(&ev, id).Error; err != nil {
		t.Fatalf("reload event %d: %v", id, err)
	}
	return ev
}

func TestEnqueue_RoundTrip(t *testing.T) {
	db := dbtest.Open(t)
	env := Envelope{
		Event:           MilestoneReleased,
		AggregateID:     "ms_1",
		ConversationRef: "conv-9",
		Summary:         "released",
		Release: &Release{
			MilestoneID: "ms_1",
			Currency:    "USD",
			Gross:       decimal.RequireFromString("2500"),
			Fee:         decimal.RequireFromString("250"),
			Net:         decimal.RequireFromString("2250"),
		},
	}
	ev, err := Enqueue(db, AggregateMilestone, env, ReleaseDedupeKey("ms_1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := reload(t, db, ev.ID)
	if got.Status != models.OutboxPending || got.RoutingKey != MilestoneReleased {
		t.Errorf("event = %+v", got)
	}
	if got.DedupeKey == nil || *got.DedupeKey != "release:ms_1" {
		t.Errorf("DedupeKey = %v", got.DedupeKey)
	}

	decoded, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Release == nil || !decoded.Release.Net.Equal(decimal.NewFromInt(2250)) {
		t.Errorf("decoded release = %+v", decoded.Release)
	}
	if decoded.ConversationRef != "conv-9" {
		t.Errorf("ConversationRef = %q", decoded.ConversationRef)
	}
}

func TestEnqueue_DuplicateDedupeKey(t *testing.T) {
	db := dbtest.Open(t)
	env := Envelope{Event: MilestoneReleased, AggregateID: "ms_1"}
	if _, err := Enqueue(db, AggregateMilestone, env, "release:ms_1"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	_, err := Enqueue(db, AggregateMilestone, env, "release:ms_1")
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Errorf("err = %v, want ErrDuplicatedKey", err)
	}
}

func TestEnqueue_RequiresRoutingKey(t *testing.T) {
	db := dbtest.Open(t)
	if _, err := Enqueue(db, AggregateProposal, Envelope{AggregateID: "p"}, ""); err == nil {
		t.Error("expected error for missing routing key")
	}
}

func TestRouteMatches(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "proposal.created", true},
		{"proposal.*", "proposal.created", true},
		{"proposal.*", "contract.created", false},
		{"milestone.released", "milestone.released", true},
		{"milestone.released", "milestone.rejected", false},
	}
	for _, tt := range tests {
		if got := (route{pattern: tt.pattern}).matches(tt.key); got != tt.want {
			t.Errorf("route(%q).matches(%q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestDispatcher_DeliversToMatchingHandlers(t *testing.T) {
	db := dbtest.Open(t)
	created := enqueue(t, db, ProposalCreated, "prop_1")
	released := enqueue(t, db, MilestoneReleased, "ms_1")

	var all, releases []string
	d := NewDispatcher(db, nil)
	d.Handle("*", "all", HandlerFunc(func(_ context.Context, ev models.OutboxEvent, _ Envelope) error {
		all = append(all, ev.RoutingKey)
		return nil
	}))
	d.Handle(MilestoneReleased, "payment", HandlerFunc(func(_ context.Context, _ models.OutboxEvent, env Envelope) error {
		releases = append(releases, env.AggregateID)
		return nil
	}))

	n, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered %d, want 2", n)
	}
	if len(all) != 2 || len(releases) != 1 || releases[0] != "ms_1" {
		t.Errorf("all=%v releases=%v", all, releases)
	}
	for _, id := range []uint{created.ID, released.ID} {
		if got := reload(t, db, id).Status; got != models.OutboxSent {
			t.Errorf("event %d status = %q, want sent", id, got)
		}
	}

	// Nothing left to do.
	if n, _ := d.RunOnce(context.Background()); n != 0 {
		t.Errorf("second sweep delivered %d, want 0", n)
	}
}

func TestDispatcher_DrainPastOneBatch(t *testing.T) {
	db := dbtest.Open(t)
	for i := 0; i < 7; i++ {
		enqueue(t, db, ProposalCreated, "prop_1")
	}

	calls := 0
	d := NewDispatcher(db, nil).WithBatchSize(3)
	d.Handle("*", "count", HandlerFunc(func(context.Context, models.OutboxEvent, Envelope) error {
		calls++
		return nil
	}))

	n, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 7 || calls != 7 {
		t.Errorf("delivered %d with %d calls, want 7", n, calls)
	}
	if left, _ := Due(db, time.Now(), 10); len(left) != 0 {
		t.Errorf("%d events still due", len(left))
	}
}

func TestDispatcher_DrainStopsOnRescheduledFailures(t *testing.T) {
	db := dbtest.Open(t)
	for i := 0; i < 4; i++ {
		enqueue(t, db, MilestoneReleased, "ms_1")
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	d := NewDispatcher(db, nil).
		WithBatchSize(2).
		WithClock(func() time.Time { return now })
	d.Handle("*", "payment", HandlerFunc(func(context.Context, models.OutboxEvent, Envelope) error {
		calls++
		return errors.New("processor unavailable")
	}))

	n, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 0 || calls != 4 {
		t.Errorf("delivered %d with %d calls, want 0 with 4", n, calls)
	}
}

type fakeAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeAlerter) Alert(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

func TestDispatcher_RetryThenFail(t *testing.T) {
	db := dbtest.Open(t)
	ev := enqueue(t, db, MilestoneReleased, "ms_1")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := &fakeAlerter{}
	d := NewDispatcher(db, nil).
		WithMaxRetries(2).
		WithAlerter(alerts).
		WithClock(func() time.Time { return now })
	d.Handle("*", "payment", HandlerFunc(func(context.Context, models.OutboxEvent, Envelope) error {
		return errors.New("processor unavailable")
	}))

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := reload(t, db, ev.ID)
	if got.Status != models.OutboxPending || got.RetryCount != 1 {
		t.Fatalf("after first failure: status=%q retries=%d", got.Status, got.RetryCount)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(now.Add(RetryDelay)) {
		t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, now.Add(RetryDelay))
	}
	if !strings.Contains(got.LastError, "processor unavailable") {
		t.Errorf("LastError = %q", got.LastError)
	}

	// Not due yet.
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := reload(t, db, ev.ID); got.RetryCount != 1 {
		t.Errorf("event retried before its backoff elapsed: retries=%d", got.RetryCount)
	}

	now = now.Add(time.Minute)
	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got = reload(t, db, ev.ID)
	if got.Status != models.OutboxFailed || got.RetryCount != 2 {
		t.Fatalf("after final failure: status=%q retries=%d", got.Status, got.RetryCount)
	}
	if len(alerts.titles) != 1 || !strings.Contains(alerts.titles[0], "milestone.released") {
		t.Errorf("alerts = %v", alerts.titles)
	}

	failed, err := Failed(db, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("Failed() = %v, %v", failed, err)
	}

	if err := Replay(db, ev.ID); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	got = reload(t, db, ev.ID)
	if got.Status != models.OutboxPending || got.RetryCount != 0 || got.NextRetryAt != nil {
		t.Errorf("after replay: %+v", got)
	}
}

func TestReplay_NotFailed(t *testing.T) {
	db := dbtest.Open(t)
	ev := enqueue(t, db, ProposalCreated, "prop_1")
	if err := Replay(db, ev.ID); err == nil {
		t.Error("replaying a pending event should fail")
	}
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	db := dbtest.Open(t)
	enqueue(t, db, ProposalCreated, "prop_1")

	delivered := make(chan struct{}, 1)
	d := NewDispatcher(db, nil)
	d.Handle("*", "signal", HandlerFunc(func(context.Context, models.OutboxEvent, Envelope) error {
		delivered <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Nudge()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("nudge did not trigger a sweep")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
