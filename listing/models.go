package listing

import (
	"time"

	"ghillie/money"
)

// Status is the escrow lifecycle position of a listing.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusEscrowFunded Status = "escrow_funded"
	StatusShipped      Status = "shipped"
	StatusReleased     Status = "released"
	StatusDisputed     Status = "disputed"
)

// Valid reports whether s is one of the five lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusEscrowFunded, StatusShipped, StatusReleased, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusDisputed
}

type Condition string

const (
	ConditionNew     Condition = "New"
	ConditionLikeNew Condition = "Like New"
	ConditionGood    Condition = "Good"
	ConditionUsed    Condition = "Used"
)

var (
	// Conditions lists the accepted item conditions.
	Conditions = []Condition{ConditionNew, ConditionLikeNew, ConditionGood, ConditionUsed}
	// Regions lists the UK regions a listing can be located in.
	Regions = []string{"South East", "South West", "London", "Midlands", "North West", "North East", "Wales", "Scotland"}
	// Categories lists the gear categories sellers choose from.
	Categories = []string{"Rods", "Reels", "Alarms", "Bivvies", "Furniture", "Luggage", "Terminal Tackle"}
)

// Listing is a single marketplace sale record. Price, shipping fields and
// the split flag are fixed at creation; only Status, BuyerID and
// DisputeReason change afterwards.
type Listing struct {
	ID                   string
	Title                string
	Description          string
	Price                money.Pence
	PostagePrice         money.Pence
	InsuranceFee         money.Pence
	ShippingMethod       string
	Category             string
	Condition            Condition
	Region               string
	PhotoRef             string
	VerificationVideoRef string
	SellerID             string
	BuyerID              *string
	Status               Status
	DisputeReason        *string
	IsInsured            bool
	IsSplitShipping      bool
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Buyer returns the buyer id or "" when nobody has committed to purchase.
func (l Listing) Buyer() string {
	if l.BuyerID == nil {
		return ""
	}
	return *l.BuyerID
}

// Reason returns the dispute reason or "".
func (l Listing) Reason() string {
	if l.DisputeReason == nil {
		return ""
	}
	return *l.DisputeReason
}

// EventType names an entry in a listing's timeline.
type EventType string

const (
	EventListingCreated EventType = "LISTING_CREATED"
	EventEscrowFunded   EventType = "ESCROW_FUNDED"
	EventShipped        EventType = "LISTING_SHIPPED"
	EventDisputeRaised  EventType = "DISPUTE_RAISED"
	EventFundsReleased  EventType = "FUNDS_RELEASED"
)

// Event is an immutable timeline entry for a listing.
type Event struct {
	ListingID string
	Seq       int
	Type      EventType
	ActorID   string
	Payload   map[string]any
	CreatedAt time.Time
}

// Outbox topics consumed by the payment collaborator.
const (
	TopicEscrowFunded = "listing.escrow_funded"
	TopicShipped      = "listing.shipped"
	TopicDisputed     = "listing.disputed"
	TopicReleased     = "listing.released"
)

// OutboxMessage is published after the write that produced it commits.
type OutboxMessage struct {
	Topic        string
	PartitionKey string
	Payload      map[string]any
}

// CreateParams carries the seller-supplied fields of a new listing.
type CreateParams struct {
	SellerID             string
	Title                string
	Description          string
	Price                money.Pence
	PostagePrice         money.Pence
	InsuranceFee         money.Pence
	ShippingMethod       string
	Category             string
	Condition            Condition
	Region               string
	PhotoRef             string
	VerificationVideoRef string
	IsSplitShipping      bool
}

// Partition selects one side of the catalog split.
type Partition string

const (
	PartitionAll       Partition = ""
	PartitionAvailable Partition = "available"
	PartitionActivity  Partition = "activity"
)

// Filters narrows a store listing query. Tokens must already be lower case.
type Filters struct {
	Partition Partition
	Status    Status
	SellerID  string
	PartyID   string
	Tokens    []string
	Region    string
	Category  string
	Condition Condition
	Page      int
	PageSize  int
}

// ListResult is one page of listings plus the total match count.
type ListResult struct {
	Items []Listing
	Total int
}
