package listing

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"ghillie/money"
)

var (
	// ErrVerificationRequired is returned when a high-value listing has no video proof.
	ErrVerificationRequired = errors.New("listing: verification video required")
	// ErrInvalidListing wraps every other creation validation failure.
	ErrInvalidListing = errors.New("listing: invalid listing")
)

// VerificationThreshold is the price above which a verification video is mandatory.
const VerificationThreshold money.Pence = 5000

// Validate checks seller-supplied fields and normalises whitespace.
func (p CreateParams) Validate() (CreateParams, error) {
	p.SellerID = strings.TrimSpace(p.SellerID)
	p.Title = strings.TrimSpace(p.Title)
	p.Description = strings.TrimSpace(p.Description)
	p.Category = strings.TrimSpace(p.Category)
	p.Region = strings.TrimSpace(p.Region)
	p.Condition = Condition(strings.TrimSpace(string(p.Condition)))
	p.VerificationVideoRef = strings.TrimSpace(p.VerificationVideoRef)

	switch {
	case p.SellerID == "":
		return p, fmt.Errorf("%w: missing seller id", ErrInvalidListing)
	case p.Title == "":
		return p, fmt.Errorf("%w: title required", ErrInvalidListing)
	case p.Price < 0 || p.PostagePrice < 0 || p.InsuranceFee < 0:
		return p, fmt.Errorf("%w: amounts must not be negative", ErrInvalidListing)
	case p.Price > money.Max || p.PostagePrice > money.Max || p.InsuranceFee > money.Max:
		return p, fmt.Errorf("%w: %w: amounts must not exceed %s", ErrInvalidListing, money.ErrRange, money.Max)
	case !slices.Contains(Categories, p.Category):
		return p, fmt.Errorf("%w: unknown category %q", ErrInvalidListing, p.Category)
	case !slices.Contains(Conditions, p.Condition):
		return p, fmt.Errorf("%w: unknown condition %q", ErrInvalidListing, p.Condition)
	case !slices.Contains(Regions, p.Region):
		return p, fmt.Errorf("%w: unknown region %q", ErrInvalidListing, p.Region)
	}
	if p.Price > VerificationThreshold && p.VerificationVideoRef == "" {
		return p, ErrVerificationRequired
	}
	return p, nil
}

// newListing builds the initial record for validated params.
func newListing(id string, p CreateParams) Listing {
	return Listing{
		ID:                   id,
		Title:                p.Title,
		Description:          p.Description,
		Price:                p.Price,
		PostagePrice:         p.PostagePrice,
		InsuranceFee:         p.InsuranceFee,
		ShippingMethod:       strings.TrimSpace(p.ShippingMethod),
		Category:             p.Category,
		Condition:            p.Condition,
		Region:               p.Region,
		PhotoRef:             strings.TrimSpace(p.PhotoRef),
		VerificationVideoRef: p.VerificationVideoRef,
		SellerID:             p.SellerID,
		Status:               StatusAvailable,
		IsInsured:            p.InsuranceFee > 0,
		IsSplitShipping:      p.IsSplitShipping,
		Version:              1,
	}
}
