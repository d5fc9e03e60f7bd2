package listing

import (
	"github.com/shopspring/decimal"

	"ghillie/money"
)

// FeeSchedule holds the marketplace charges applied to every sale.
type FeeSchedule struct {
	SellerRate decimal.Decimal
	BuyerFee   money.Pence
}

// DefaultFeeSchedule is 5% commission to the seller and a flat £1.00 to the buyer.
var DefaultFeeSchedule = FeeSchedule{
	SellerRate: decimal.RequireFromString("0.05"),
	BuyerFee:   100,
}

// Breakdown is the money split of one sale.
type Breakdown struct {
	Price               money.Pence
	MarketplaceFee      money.Pence
	TotalShipping       money.Pence
	SellerShippingShare money.Pence
	BuyerShippingShare  money.Pence
	BuyerTransactionFee money.Pence
	SellerNetProceeds   money.Pence
	BuyerTotalDue       money.Pence
}

// Quote computes the breakdown for a listing's fixed price fields.
func (f FeeSchedule) Quote(l Listing) Breakdown {
	return f.QuoteFields(l.Price, l.PostagePrice, l.InsuranceFee, l.IsSplitShipping)
}

// QuoteFields computes a breakdown from raw price fields.
// SellerNetProceeds + MarketplaceFee + SellerShippingShare == Price always holds.
func (f FeeSchedule) QuoteFields(price, postage, insurance money.Pence, split bool) Breakdown {
	b := Breakdown{
		Price:               price,
		MarketplaceFee:      price.ApplyRate(f.SellerRate),
		TotalShipping:       postage + insurance,
		BuyerTransactionFee: f.BuyerFee,
	}
	if split {
		// odd penny goes to the buyer
		b.SellerShippingShare, b.BuyerShippingShare = b.TotalShipping.Half()
	} else {
		b.BuyerShippingShare = b.TotalShipping
	}
	b.SellerNetProceeds = price - b.MarketplaceFee - b.SellerShippingShare
	b.BuyerTotalDue = price + b.BuyerShippingShare + f.BuyerFee
	return b
}
