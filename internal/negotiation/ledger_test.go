package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/db/dbtest"
	"github.com/zulandar/milepost/internal/models"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	gdb := dbtest.Open(t)
	return NewLedger(gdb, nil).WithClock(func() time.Time { return t0 }), gdb
}

func milestones(amounts ...string) []MilestoneInput {
	out := make([]MilestoneInput, len(amounts))
	for i, a := range amounts {
		out[i] = MilestoneInput{Title: "Phase " + string(rune('A'+i)), AmountGross: d(a), DurationDays: 7 * (i + 1)}
	}
	return out
}

func clientOffer(job string, total string, amounts ...string) CreateOpts {
	return CreateOpts{
		ActorID:            "client-1",
		JobID:              job,
		ClientID:           "client-1",
		FreelancerID:       "free-1",
		OfferedBy:          models.PartyClient,
		Milestones:         milestones(amounts...),
		Total:              d(total),
		Currency:           "usd",
		PlatformFeePercent: d("10"),
		ConversationRef:    "conv-1",
	}
}

func mustCreate(t *testing.T, l *Ledger, opts CreateOpts) *models.Proposal {
	t.Helper()
	p, err := l.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestCreate_StartsChain(t *testing.T) {
	l, gdb := newLedger(t)
	p := mustCreate(t, l, clientOffer("job-1", "5000", "2000", "3000"))

	if p.RootID != p.ID || p.SupersedesID != nil {
		t.Errorf("root=%q supersedes=%v, want own id / nil", p.RootID, p.SupersedesID)
	}
	if p.Status != models.ProposalSent || p.AcceptedByClient || p.AcceptedByFreelancer {
		t.Errorf("new proposal = %q %v %v", p.Status, p.AcceptedByClient, p.AcceptedByFreelancer)
	}
	if p.Currency != "USD" || p.Origin != "direct" {
		t.Errorf("currency=%q origin=%q", p.Currency, p.Origin)
	}
	if len(p.Milestones) != 2 || p.Milestones[1].Position != 2 {
		t.Errorf("milestones = %+v", p.Milestones)
	}

	var chain models.NegotiationChain
	gdb.First(&chain, "root_id = ?", p.ID)
	if chain.HeadID != p.ID || chain.Status != models.ChainOpen || chain.OpenKey == nil {
		t.Errorf("chain = %+v", chain)
	}

	var events []models.OutboxEvent
	gdb.Find(&events)
	if len(events) != 1 || events[0].RoutingKey != "proposal.created" {
		t.Errorf("outbox = %+v", events)
	}
}

func TestCreate_Validation(t *testing.T) {
	l, _ := newLedger(t)
	past := t0.Add(-time.Hour)
	tests := []struct {
		name   string
		mutate func(*CreateOpts)
	}{
		{"sum mismatch", func(o *CreateOpts) { o.Total = d("4999.98") }},
		{"no milestones", func(o *CreateOpts) { o.Milestones = nil }},
		{"empty title", func(o *CreateOpts) { o.Milestones[0].Title = "  " }},
		{"zero amount", func(o *CreateOpts) { o.Milestones[0].AmountGross = decimal.Zero }},
		{"negative duration", func(o *CreateOpts) { o.Milestones[1].DurationDays = -1 }},
		{"bad currency", func(o *CreateOpts) { o.Currency = "dollars" }},
		{"fee over 100", func(o *CreateOpts) { o.PlatformFeePercent = d("101") }},
		{"fee past cents", func(o *CreateOpts) { o.PlatformFeePercent = d("10.125") }},
		{"sub-cent amount", func(o *CreateOpts) {
			o.Milestones[0].AmountGross = d("1999.996")
			o.Milestones[1].AmountGross = d("3000.004")
		}},
		{"sub-cent total", func(o *CreateOpts) { o.Total = d("5000.004") }},
		{"same party twice", func(o *CreateOpts) { o.FreelancerID = o.ClientID }},
		{"bad offered_by", func(o *CreateOpts) { o.OfferedBy = "agency" }},
		{"expired on arrival", func(o *CreateOpts) { o.ValidUntil = &past }},
		{"missing job", func(o *CreateOpts) { o.JobID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := clientOffer("job-1", "5000", "2000", "3000")
			tt.mutate(&opts)
			_, err := l.Create(context.Background(), opts)
			var ve *apperr.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreate_WithinCentTolerance(t *testing.T) {
	l, _ := newLedger(t)
	mustCreate(t, l, clientOffer("job-1", "5000.01", "2000", "3000"))
}

func TestCreate_ActorMustHoldOfferSlot(t *testing.T) {
	l, _ := newLedger(t)
	opts := clientOffer("job-1", "5000", "2000", "3000")
	opts.ActorID = "free-1"
	_, err := l.Create(context.Background(), opts)
	var ae *apperr.AuthorizationError
	if !errors.As(err, &ae) {
		t.Errorf("err = %v, want AuthorizationError", err)
	}
}

func TestCreate_OnOpenChainSupersedesHead(t *testing.T) {
	l, gdb := newLedger(t)
	first := mustCreate(t, l, clientOffer("job-1", "5000", "2000", "3000"))
	second := mustCreate(t, l, clientOffer("job-1", "4000", "4000"))

	if second.RootID != first.ID || second.SupersedesID == nil || *second.SupersedesID != first.ID {
		t.Errorf("second root=%q supersedes=%v", second.RootID, second.SupersedesID)
	}
	old, _ := l.Get(context.Background(), first.ID)
	if old.Status != models.ProposalSuperseded {
		t.Errorf("first status = %q, want superseded", old.Status)
	}

	var chains int64
	gdb.Model(&models.NegotiationChain{}).Count(&chains)
	if chains != 1 {
		t.Errorf("chains = %d, want 1", chains)
	}
}

func TestCreate_OnHalfAcceptedHeadFails(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	p := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	if _, err := l.Respond(ctx, "free-1", p.ID, ActionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := l.Create(ctx, clientOffer("job-1", "6000", "6000"))
	var se *apperr.StateError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want StateError", err)
	}
}

// Client offers 5000 as 2000+3000, the freelancer counters 2500+2500, the
// client accepts and the freelancer confirms.
func TestNegotiation_CounterAcceptConfirm(t *testing.T) {
	l, gdb := newLedger(t)
	ctx := context.Background()

	offer := mustCreate(t, l, clientOffer("job-42", "5000", "2000", "3000"))

	counter, err := l.Counter(ctx, CounterOpts{
		ActorID:    "free-1",
		ProposalID: offer.ID,
		Milestones: milestones("2500", "2500"),
		Total:      d("5000"),
		Message:    "even split",
	})
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if counter.OfferedBy != models.PartyFreelancer || counter.RootID != offer.ID {
		t.Errorf("counter offered_by=%q root=%q", counter.OfferedBy, counter.RootID)
	}
	if DisplayStatus(counter) != models.ProposalCountered {
		t.Errorf("counter display = %q", DisplayStatus(counter))
	}
	prior, _ := l.Get(ctx, offer.ID)
	if prior.Status != models.ProposalSuperseded {
		t.Errorf("prior status = %q, want superseded", prior.Status)
	}

	res, err := l.Respond(ctx, "client-1", counter.ID, ActionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Proposal.Status != models.ProposalPending || !res.Proposal.AcceptedByClient || res.Proposal.AcceptedByFreelancer {
		t.Errorf("after accept = %q client=%v freelancer=%v",
			res.Proposal.Status, res.Proposal.AcceptedByClient, res.Proposal.AcceptedByFreelancer)
	}
	if res.Contract != nil {
		t.Error("contract created before confirmation")
	}

	res, err = l.Respond(ctx, "free-1", counter.ID, ActionConfirm)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Proposal.Status != models.ProposalAccepted || !res.Proposal.AcceptedByFreelancer {
		t.Errorf("after confirm = %q", res.Proposal.Status)
	}
	c := res.Contract
	if c == nil {
		t.Fatal("no contract materialized")
	}
	if !c.FeesTotal.Equal(d("5000")) || c.Currency != "USD" || c.Status != models.ContractActive {
		t.Errorf("contract = %+v", c)
	}
	if !c.PlatformFeeAmount.Equal(d("500")) {
		t.Errorf("platform fee = %s, want 500", c.PlatformFeeAmount)
	}
	if len(c.Milestones) != 2 {
		t.Fatalf("contract milestones = %d, want 2", len(c.Milestones))
	}
	if !c.Milestones[0].DueAt.Equal(t0.AddDate(0, 0, 7)) || !c.Milestones[1].DueAt.Equal(t0.AddDate(0, 0, 21)) {
		t.Errorf("due dates = %v, %v", c.Milestones[0].DueAt, c.Milestones[1].DueAt)
	}

	var chain models.NegotiationChain
	gdb.First(&chain, "root_id = ?", offer.ID)
	if chain.Status != models.ChainContracted || chain.OpenKey != nil {
		t.Errorf("chain = %+v", chain)
	}

	// The job is now locked.
	_, err = l.Create(ctx, clientOffer("job-42", "100", "100"))
	var se *apperr.StateError
	if !errors.As(err, &se) || se.Msg != "job locked" {
		t.Errorf("create on locked job err = %v, want job locked", err)
	}
}

func TestCounter_NonHeadIsConflict(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	if _, err := l.Counter(ctx, CounterOpts{ActorID: "free-1", ProposalID: offer.ID, Milestones: milestones("4000"), Total: d("4000")}); err != nil {
		t.Fatalf("first counter: %v", err)
	}

	_, err := l.Counter(ctx, CounterOpts{ActorID: "free-1", ProposalID: offer.ID, Milestones: milestones("3000"), Total: d("3000")})
	var ce *apperr.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConflictError", err)
	}
}

func TestCounter_OwnOfferRejected(t *testing.T) {
	l, _ := newLedger(t)
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	_, err := l.Counter(context.Background(), CounterOpts{ActorID: "client-1", ProposalID: offer.ID, Milestones: milestones("4000"), Total: d("4000")})
	var se *apperr.StateError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want StateError", err)
	}
}

func TestRespond_Authorization(t *testing.T) {
	l, _ := newLedger(t)
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	_, err := l.Respond(context.Background(), "stranger", offer.ID, ActionAccept)
	var ae *apperr.AuthorizationError
	if !errors.As(err, &ae) {
		t.Errorf("err = %v, want AuthorizationError", err)
	}
}

func TestRespond_NotFound(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Respond(context.Background(), "client-1", "prop_missing", ActionAccept)
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("err = %v, want NotFoundError", err)
	}
}

func TestRespond_TerminalClosesChain(t *testing.T) {
	tests := []struct {
		name   string
		actor  string
		action Action
		status string
	}{
		{"reject", "free-1", ActionReject, models.ProposalRejected},
		{"cancel", "free-1", ActionCancel, models.ProposalCancelled},
		{"withdraw", "client-1", ActionWithdraw, models.ProposalWithdrawn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, gdb := newLedger(t)
			ctx := context.Background()
			offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))

			res, err := l.Respond(ctx, tt.actor, offer.ID, tt.action)
			if err != nil {
				t.Fatalf("Respond: %v", err)
			}
			if res.Proposal.Status != tt.status || res.Proposal.DecidedAt == nil {
				t.Errorf("status=%q decided_at=%v", res.Proposal.Status, res.Proposal.DecidedAt)
			}

			var chain models.NegotiationChain
			gdb.First(&chain, "root_id = ?", offer.ID)
			if chain.Status != models.ChainClosed || chain.OpenKey != nil {
				t.Errorf("chain = %+v", chain)
			}

			// A further offer on the tuple starts a fresh root.
			next := mustCreate(t, l, clientOffer("job-1", "6000", "6000"))
			if next.RootID != next.ID || next.SupersedesID != nil {
				t.Errorf("next root=%q supersedes=%v, want fresh chain", next.RootID, next.SupersedesID)
			}
		})
	}
}

func TestRespond_CancelAfterAcceptDisallowed(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	if _, err := l.Respond(ctx, "free-1", offer.ID, ActionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err := l.Respond(ctx, "client-1", offer.ID, ActionCancel)
	var se *apperr.StateError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StateError", err)
	}
	// The explicit reversal path still works.
	res, err := l.Respond(ctx, "client-1", offer.ID, ActionReject)
	if err != nil || res.Proposal.Status != models.ProposalRejected {
		t.Errorf("reject after accept: %v, %+v", err, res)
	}
}

func TestRespond_ExpiredOffer(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	opts := clientOffer("job-1", "5000", "5000")
	until := t0.Add(time.Hour)
	opts.ValidUntil = &until
	offer := mustCreate(t, l, opts)

	l.WithClock(func() time.Time { return t0.Add(2 * time.Hour) })
	_, err := l.Respond(ctx, "free-1", offer.ID, ActionAccept)
	var se *apperr.StateError
	if !errors.As(err, &se) || se.Msg != "offer expired" {
		t.Errorf("err = %v, want offer expired", err)
	}
}

func TestConfirm_ConcurrentMaterializesOnce(t *testing.T) {
	l, gdb := newLedger(t)
	ctx := context.Background()
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "2000", "3000"))
	if _, err := l.Respond(ctx, "free-1", offer.ID, ActionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Respond(ctx, "client-1", offer.ID, ActionConfirm)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful confirms = %d (errs %v), want 1", ok, errs)
	}

	var contracts int64
	gdb.Model(&models.Contract{}).Where("proposal_id = ?", offer.ID).Count(&contracts)
	if contracts != 1 {
		t.Errorf("contracts = %d, want 1", contracts)
	}
}

func TestContract_CancelsOtherChainsOnJob(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	a := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	other := clientOffer("job-1", "4000", "4000")
	other.FreelancerID = "free-2"
	b := mustCreate(t, l, other)

	if _, err := l.Respond(ctx, "free-1", a.ID, ActionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := l.Respond(ctx, "client-1", a.ID, ActionConfirm); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	got, _ := l.Get(ctx, b.ID)
	if got.Status != models.ProposalCancelled {
		t.Errorf("competing head status = %q, want cancelled", got.Status)
	}
	_, err := l.Respond(ctx, "free-2", b.ID, ActionAccept)
	var se *apperr.StateError
	if !errors.As(err, &se) {
		t.Errorf("accept on force-cancelled head err = %v, want StateError", err)
	}
}

func TestCounter_OnLockedJob(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	a := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	other := clientOffer("job-1", "4000", "4000")
	other.FreelancerID = "free-2"
	b := mustCreate(t, l, other)

	if _, err := l.Respond(ctx, "free-1", a.ID, ActionAccept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := l.Respond(ctx, "client-1", a.ID, ActionConfirm); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, err := l.Counter(ctx, CounterOpts{ActorID: "free-2", ProposalID: b.ID, Milestones: milestones("4500"), Total: d("4500")})
	var se *apperr.StateError
	if !errors.As(err, &se) || se.Msg != "job locked" {
		t.Errorf("counter on locked job err = %v, want job locked", err)
	}
}

func TestCounter_SubCentTermsRejected(t *testing.T) {
	l, _ := newLedger(t)
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	_, err := l.Counter(context.Background(), CounterOpts{ActorID: "free-1", ProposalID: offer.ID, Milestones: milestones("0.004"), Total: d("0.004")})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestChain_History(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	offer := mustCreate(t, l, clientOffer("job-1", "5000", "5000"))
	l.WithClock(func() time.Time { return t0.Add(time.Minute) })
	counter, err := l.Counter(ctx, CounterOpts{ActorID: "free-1", ProposalID: offer.ID, Milestones: milestones("4500"), Total: d("4500")})
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}

	chain, revisions, err := l.Chain(ctx, offer.ID)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if chain.HeadID != counter.ID {
		t.Errorf("head = %q, want %q", chain.HeadID, counter.ID)
	}
	if len(revisions) != 2 || revisions[0].ID != offer.ID || revisions[1].ID != counter.ID {
		t.Errorf("revisions out of order: %+v", revisions)
	}
	if len(revisions[1].Milestones) != 1 {
		t.Errorf("revision milestones not loaded")
	}
}
