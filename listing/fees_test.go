package listing

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"ghillie/money"
)

func TestQuoteWithoutSplit(t *testing.T) {
	got := DefaultFeeSchedule.QuoteFields(10000, 1000, 500, false)
	want := Breakdown{
		Price:               10000,
		MarketplaceFee:      500,
		TotalShipping:       1500,
		SellerShippingShare: 0,
		BuyerShippingShare:  1500,
		BuyerTransactionFee: 100,
		SellerNetProceeds:   9500,
		BuyerTotalDue:       11600,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("breakdown mismatch (-want +got):\n%s", diff)
	}
}

func TestQuoteWithSplit(t *testing.T) {
	got := DefaultFeeSchedule.QuoteFields(10000, 1000, 500, true)
	if got.SellerShippingShare != 750 || got.BuyerShippingShare != 750 {
		t.Fatalf("expected 7.50 each, got seller %s buyer %s", got.SellerShippingShare, got.BuyerShippingShare)
	}
	if got.SellerNetProceeds.String() != "87.50" {
		t.Fatalf("expected seller net 87.50, got %s", got.SellerNetProceeds)
	}
	if got.BuyerTotalDue.String() != "108.50" {
		t.Fatalf("expected buyer total 108.50, got %s", got.BuyerTotalDue)
	}
}

func TestQuoteOddPennyGoesToBuyer(t *testing.T) {
	got := DefaultFeeSchedule.QuoteFields(2000, 701, 0, true)
	if got.SellerShippingShare != 350 || got.BuyerShippingShare != 351 {
		t.Fatalf("expected 3.50/3.51 split, got %s/%s", got.SellerShippingShare, got.BuyerShippingShare)
	}
}

func TestQuoteIdentityIsExact(t *testing.T) {
	for price := money.Pence(0); price <= 20000; price += 37 {
		for _, shipping := range []money.Pence{0, 1, 999, 1450} {
			for _, split := range []bool{false, true} {
				b := DefaultFeeSchedule.QuoteFields(price, shipping, 0, split)
				if b.SellerNetProceeds+b.MarketplaceFee+b.SellerShippingShare != price {
					t.Fatalf("identity broken for price %s shipping %s split %v: %+v", price, shipping, split, b)
				}
				if b.SellerShippingShare+b.BuyerShippingShare != b.TotalShipping {
					t.Fatalf("shipping shares do not cover total for %s", shipping)
				}
				if !split && (b.SellerShippingShare != 0 || b.BuyerShippingShare != shipping) {
					t.Fatalf("unsplit shipping must fall on the buyer")
				}
			}
		}
	}
}

func TestQuoteUsesListingFields(t *testing.T) {
	l := Listing{Price: 8500, PostagePrice: 1000, InsuranceFee: 450, IsSplitShipping: true}
	got := DefaultFeeSchedule.Quote(l)
	// 5% of 85.00 = 4.25; shipping 14.50 split 7.25 each
	if got.MarketplaceFee != 425 || got.SellerShippingShare != 725 {
		t.Fatalf("unexpected breakdown %+v", got)
	}
	if got.SellerNetProceeds.String() != "73.50" || got.BuyerTotalDue.String() != "93.25" {
		t.Fatalf("unexpected totals net=%s due=%s", got.SellerNetProceeds, got.BuyerTotalDue)
	}
}

func TestQuoteReportsNegativeNet(t *testing.T) {
	got := DefaultFeeSchedule.QuoteFields(100, 1000, 0, true)
	if got.SellerNetProceeds >= 0 {
		t.Fatalf("expected negative seller net, got %s", got.SellerNetProceeds)
	}
}

func TestCustomSchedule(t *testing.T) {
	fees := FeeSchedule{SellerRate: decimal.RequireFromString("0.10"), BuyerFee: 250}
	got := fees.QuoteFields(1000, 0, 0, false)
	if got.MarketplaceFee != 100 || got.BuyerTotalDue != 1250 {
		t.Fatalf("unexpected breakdown %+v", got)
	}
}
