package negotiation

import (
	"fmt"

	"github.com/zulandar/milepost/internal/apperr"
	"github.com/zulandar/milepost/internal/models"
)

// Kind tags a NegotiationState.
type Kind int

const (
	Open Kind = iota
	HalfAccepted
	Accepted
	Rejected
	Cancelled
	Withdrawn
	Superseded
)

var kindNames = map[Kind]string{
	Open:         "open",
	HalfAccepted: "half_accepted",
	Accepted:     "accepted",
	Rejected:     "rejected",
	Cancelled:    "cancelled",
	Withdrawn:    "withdrawn",
	Superseded:   "superseded",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is the negotiation state of one proposal. By is set only for
// HalfAccepted and names the party whose acceptance is recorded.
type State struct {
	Kind Kind
	By   models.Party
}

// Terminal reports whether no further action can apply.
func (s State) Terminal() bool {
	switch s.Kind {
	case Accepted, Rejected, Cancelled, Withdrawn, Superseded:
		return true
	}
	return false
}

// Action is a move a party makes against a chain head.
type Action string

const (
	ActionAccept    Action = "accept"
	ActionConfirm   Action = "confirm"
	ActionReject    Action = "reject"
	ActionCancel    Action = "cancel"
	ActionWithdraw  Action = "withdraw"
	ActionCounter   Action = "counter"
	ActionSupersede Action = "supersede"
)

// ParseAction validates a respond action name. Counter and supersede have
// their own operations and are not accepted here.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAccept, ActionConfirm, ActionReject, ActionCancel, ActionWithdraw:
		return a, nil
	}
	return "", apperr.Validation("unknown action %q", s)
}

// Transition applies action by actor to a proposal in state s offered by
// offeredBy. It is the only way a proposal's status or acceptance flags
// change.
func Transition(s State, offeredBy, actor models.Party, action Action) (State, error) {
	receiver := actor != offeredBy

	switch s.Kind {
	case Superseded:
		return s, apperr.Stale("proposal has been superseded by a newer revision")
	case Accepted, Rejected, Cancelled, Withdrawn:
		return s, apperr.State("proposal is already %s", s.Kind)

	case Open:
		switch action {
		case ActionAccept:
			if !receiver {
				return s, apperr.State("the offering party confirms, it cannot accept its own offer")
			}
			return State{Kind: HalfAccepted, By: actor}, nil
		case ActionConfirm:
			if receiver {
				return s, apperr.State("only the offering party can confirm")
			}
			return s, apperr.State("the counterpart has not accepted yet")
		case ActionCounter:
			if !receiver {
				return s, apperr.State("only the receiving party can counter an open offer")
			}
			return State{Kind: Superseded}, nil
		case ActionReject:
			if !receiver {
				return s, apperr.State("the offering party withdraws, it cannot reject its own offer")
			}
			return State{Kind: Rejected}, nil
		case ActionCancel:
			return State{Kind: Cancelled}, nil
		case ActionWithdraw:
			if receiver {
				return s, apperr.State("only the offering party can withdraw")
			}
			return State{Kind: Withdrawn}, nil
		case ActionSupersede:
			return State{Kind: Superseded}, nil
		}

	case HalfAccepted:
		switch action {
		case ActionConfirm:
			if receiver {
				return s, apperr.State("only the offering party can confirm")
			}
			return State{Kind: Accepted}, nil
		case ActionAccept:
			if actor == s.By {
				return s, apperr.State("already accepted")
			}
			return s, apperr.State("the offering party confirms, it cannot accept its own offer")
		case ActionReject:
			return State{Kind: Rejected}, nil
		case ActionCancel, ActionWithdraw:
			return s, apperr.State("cannot %s after the counterpart accepted, reject instead", action)
		case ActionCounter, ActionSupersede:
			return s, apperr.State("offer already accepted by %s, confirm or reject it", s.By)
		}
	}
	return s, apperr.State("action %q not allowed while %s", action, s.Kind)
}

// StateOf derives the state of a stored proposal.
func StateOf(p *models.Proposal) State {
	switch p.Status {
	case models.ProposalPending:
		return State{Kind: HalfAccepted, By: p.OfferedBy.Counterpart()}
	case models.ProposalAccepted:
		return State{Kind: Accepted}
	case models.ProposalRejected:
		return State{Kind: Rejected}
	case models.ProposalCancelled:
		return State{Kind: Cancelled}
	case models.ProposalWithdrawn:
		return State{Kind: Withdrawn}
	case models.ProposalSuperseded:
		return State{Kind: Superseded}
	}
	return State{Kind: Open}
}

// Columns returns the stored status and acceptance flags for s.
func Columns(s State) (status string, byClient, byFreelancer bool) {
	switch s.Kind {
	case HalfAccepted:
		return models.ProposalPending, s.By == models.PartyClient, s.By == models.PartyFreelancer
	case Accepted:
		return models.ProposalAccepted, true, true
	case Rejected:
		return models.ProposalRejected, false, false
	case Cancelled:
		return models.ProposalCancelled, false, false
	case Withdrawn:
		return models.ProposalWithdrawn, false, false
	case Superseded:
		return models.ProposalSuperseded, false, false
	}
	return models.ProposalSent, false, false
}

// DisplayStatus is the label shown to users: an open revision that answers
// an earlier one reads "countered".
func DisplayStatus(p *models.Proposal) string {
	if p.Status == models.ProposalSent && p.SupersedesID != nil {
		return models.ProposalCountered
	}
	return p.Status
}

// Apply writes the columns of s onto p.
func Apply(p *models.Proposal, s State) {
	p.Status, p.AcceptedByClient, p.AcceptedByFreelancer = Columns(s)
}
