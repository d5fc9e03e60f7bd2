package listing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned for any action the current status does not allow.
	ErrInvalidTransition = errors.New("listing: invalid transition")
	// ErrMissingDisputeReason is returned when a dispute is raised without a reason.
	ErrMissingDisputeReason = errors.New("listing: dispute reason required")
	// ErrUnauthorizedActor is returned when the acting user may not perform the action.
	ErrUnauthorizedActor = errors.New("listing: actor not permitted")
)

// Action is a buyer or seller trigger on a listing.
type Action string

const (
	ActionPurchase       Action = "purchase"
	ActionMarkShipped    Action = "mark_shipped"
	ActionRaiseDispute   Action = "raise_dispute"
	ActionConfirmReceipt Action = "confirm_receipt"
)

type party int

const (
	partyNonSeller party = iota
	partySeller
	partyBuyer
)

type edge struct {
	from   Status
	action Action
	to     Status
	by     party
}

var transitions = []edge{
	{StatusAvailable, ActionPurchase, StatusEscrowFunded, partyNonSeller},
	{StatusEscrowFunded, ActionMarkShipped, StatusShipped, partySeller},
	{StatusEscrowFunded, ActionRaiseDispute, StatusDisputed, partyBuyer},
	{StatusShipped, ActionConfirmReceipt, StatusReleased, partyBuyer},
}

func lookup(from Status, action Action) (edge, bool) {
	for _, e := range transitions {
		if e.from == from && e.action == action {
			return e, true
		}
	}
	return edge{}, false
}

// NextStatus reports the status action leads to from from, if the move exists.
func NextStatus(from Status, action Action) (Status, bool) {
	e, ok := lookup(from, action)
	return e.to, ok
}

// Command is one requested transition.
type Command struct {
	Action  Action
	ActorID string
	Reason  string
}

// Transition applies cmd to l and returns the updated copy. It is the only
// place a listing's status changes. On error l is returned untouched.
func Transition(l Listing, cmd Command) (Listing, error) {
	e, ok := lookup(l.Status, cmd.Action)
	if !ok {
		return l, fmt.Errorf("%w: %s on %s listing", ErrInvalidTransition, cmd.Action, l.Status)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	if !permitted(l, e.by, actor) {
		return l, fmt.Errorf("%w: %s", ErrUnauthorizedActor, cmd.Action)
	}

	next := l
	switch cmd.Action {
	case ActionPurchase:
		next.BuyerID = &actor
	case ActionRaiseDispute:
		reason := strings.TrimSpace(cmd.Reason)
		if reason == "" {
			return l, ErrMissingDisputeReason
		}
		next.DisputeReason = &reason
	}
	next.Status = e.to
	return next, nil
}

func permitted(l Listing, by party, actor string) bool {
	if actor == "" {
		return false
	}
	switch by {
	case partySeller:
		return actor == l.SellerID
	case partyBuyer:
		return l.BuyerID != nil && actor == *l.BuyerID
	default:
		return actor != l.SellerID
	}
}

// AllowedActions lists what actorID may do to l right now.
func AllowedActions(l Listing, actorID string) []Action {
	var out []Action
	for _, e := range transitions {
		if e.from == l.Status && permitted(l, e.by, strings.TrimSpace(actorID)) {
			out = append(out, e.action)
		}
	}
	return out
}
