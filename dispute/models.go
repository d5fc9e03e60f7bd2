package dispute

import (
	"time"

	"ghillie/money"
)

// Record is a disputed listing as seen by support and the two parties.
type Record struct {
	ListingID string
	Title     string
	SellerID  string
	BuyerID   string
	Reason    string
	// HeldAmount is what the buyer paid into escrow.
	HeldAmount money.Pence
	RaisedAt   time.Time
}

// Viewer identifies who is asking. Support staff see every dispute.
type Viewer struct {
	UserID  string
	Support bool
}
