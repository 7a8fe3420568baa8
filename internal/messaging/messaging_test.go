package messaging

import (
	"context"
	"testing"

	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/db/dbtest"
	"github.com/zulandar/milepost/internal/models"
	"github.com/zulandar/milepost/internal/outbox"
)

// --- Post validation tests ---

func TestPost_Validation(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		body string
		opts PostOpts
		want string
	}{
		{"missing ref", "", "hi", PostOpts{OutboxEventID: 1}, "messaging: conversation ref is required"},
		{"missing event", "conv-1", "hi", PostOpts{}, "messaging: outbox event id is required"},
		{"missing body", "conv-1", "", PostOpts{OutboxEventID: 1}, "messaging: body is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Post(nil, tt.ref, tt.body, tt.opts)
			if err == nil || err.Error() != tt.want {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestInbox_MissingRef(t *testing.T) {
	if _, err := Inbox(nil, ""); err == nil || err.Error() != "messaging: conversation ref is required" {
		t.Errorf("err = %v", err)
	}
}

// --- Persistence tests ---

func TestPost_Inbox_Acknowledge(t *testing.T) {
	db := dbtest.Open(t)

	first, err := Post(db, "conv-1", "New offer", PostOpts{OutboxEventID: 1, EntityType: "proposal", EntityID: "prop_1", EventKey: "proposal.created"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := Post(db, "conv-1", "Offer accepted", PostOpts{OutboxEventID: 2, EntityType: "proposal", EntityID: "prop_1"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := Post(db, "conv-2", "Elsewhere", PostOpts{OutboxEventID: 3}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	msgs, err := Inbox(db, "conv-1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "New offer" {
		t.Fatalf("inbox = %+v", msgs)
	}

	if err := Acknowledge(db, "conv-1", first.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := Acknowledge(db, "conv-1", first.ID); err != nil {
		t.Fatalf("Acknowledge again: %v", err)
	}
	msgs, _ = Inbox(db, "conv-1")
	if len(msgs) != 1 || msgs[0].Body != "Offer accepted" {
		t.Errorf("inbox after ack = %+v", msgs)
	}

	if err := Acknowledge(db, "conv-1", 9999); apperr.Code(err) != "not_found" {
		t.Errorf("unknown message: got %v, want not_found", err)
	}
	if err := Acknowledge(db, "conv-2", first.ID); apperr.Code(err) != "not_found" {
		t.Errorf("message of another conversation: got %v, want not_found", err)
	}
}

func TestPost_SameEventOnce(t *testing.T) {
	db := dbtest.Open(t)
	for i := 0; i < 2; i++ {
		if _, err := Post(db, "conv-1", "New offer", PostOpts{OutboxEventID: 7}); err != nil {
			t.Fatalf("Post #%d: %v", i+1, err)
		}
	}
	var n int64
	db.Model(&models.SystemMessage{}).Count(&n)
	if n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestHandler(t *testing.T) {
	db := dbtest.Open(t)
	h := Handler(db)
	ctx := context.Background()

	ev := models.OutboxEvent{ID: 4, AggregateType: "milestone", AggregateID: "ms_1", RoutingKey: "milestone.submitted"}
	if err := h.Handle(ctx, ev, outbox.Envelope{ConversationRef: "conv-1", Summary: "Work submitted"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// No conversation attached: nothing to post.
	if err := h.Handle(ctx, models.OutboxEvent{ID: 5}, outbox.Envelope{Summary: "x"}); err != nil {
		t.Fatalf("Handle without ref: %v", err)
	}

	msgs, _ := Inbox(db, "conv-1")
	if len(msgs) != 1 || msgs[0].EntityID != "ms_1" || msgs[0].EventKey != "milestone.submitted" {
		t.Errorf("inbox = %+v", msgs)
	}
}
