package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ghillie/auth"
	"ghillie/dispute"
	"ghillie/listing"
	"ghillie/money"
)

var errBadRequest = errors.New("bad request")

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	Bio       string `json:"bio,omitempty"`
	Region    string `json:"region,omitempty"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		Bio:       u.Bio,
		Region:    u.Region,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type listingResponse struct {
	ID                   string      `json:"id"`
	Title                string      `json:"title"`
	Description          string      `json:"description"`
	Price                money.Pence `json:"price"`
	PostagePrice         money.Pence `json:"postage_price"`
	InsuranceFee         money.Pence `json:"insurance_fee"`
	ShippingMethod       string      `json:"shipping_method,omitempty"`
	Category             string      `json:"category"`
	Condition            string      `json:"condition"`
	Region               string      `json:"region"`
	PhotoRef             string      `json:"photo_ref,omitempty"`
	VerificationVideoRef string      `json:"verification_video_ref,omitempty"`
	SellerID             string      `json:"seller_id"`
	BuyerID              *string     `json:"buyer_id"`
	Status               string      `json:"status"`
	DisputeReason        *string     `json:"dispute_reason"`
	IsInsured            bool        `json:"is_insured"`
	IsSplitShipping      bool        `json:"is_split_shipping"`
	Version              int64       `json:"version"`
	AllowedActions       []string    `json:"allowed_actions,omitempty"`
	CreatedAt            string      `json:"created_at"`
	UpdatedAt            string      `json:"updated_at"`
}

func toListingResponse(l listing.Listing, viewer string) listingResponse {
	resp := listingResponse{
		ID:                   l.ID,
		Title:                l.Title,
		Description:          l.Description,
		Price:                l.Price,
		PostagePrice:         l.PostagePrice,
		InsuranceFee:         l.InsuranceFee,
		ShippingMethod:       l.ShippingMethod,
		Category:             l.Category,
		Condition:            string(l.Condition),
		Region:               l.Region,
		PhotoRef:             l.PhotoRef,
		VerificationVideoRef: l.VerificationVideoRef,
		SellerID:             l.SellerID,
		BuyerID:              l.BuyerID,
		Status:               string(l.Status),
		DisputeReason:        l.DisputeReason,
		IsInsured:            l.IsInsured,
		IsSplitShipping:      l.IsSplitShipping,
		Version:              l.Version,
		CreatedAt:            l.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            l.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if viewer != "" {
		for _, a := range listing.AllowedActions(l, viewer) {
			resp.AllowedActions = append(resp.AllowedActions, string(a))
		}
	}
	return resp
}

type pageResponse[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type quoteResponse struct {
	Price               money.Pence `json:"price"`
	MarketplaceFee      money.Pence `json:"marketplace_fee"`
	TotalShipping       money.Pence `json:"total_shipping"`
	SellerShippingShare money.Pence `json:"seller_shipping_share"`
	BuyerShippingShare  money.Pence `json:"buyer_shipping_share"`
	BuyerTransactionFee money.Pence `json:"buyer_transaction_fee"`
	SellerNetProceeds   money.Pence `json:"seller_net_proceeds"`
	BuyerTotalDue       money.Pence `json:"buyer_total_due"`
}

func toQuoteResponse(b listing.Breakdown) quoteResponse {
	return quoteResponse(b)
}

type eventResponse struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

type profileResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Bio            string `json:"bio"`
	Region         string `json:"region"`
	MemberSince    string `json:"member_since"`
	ActiveListings int    `json:"active_listings"`
	CompletedSales int    `json:"completed_sales"`
}

type disputeResponse struct {
	ListingID  string      `json:"listing_id"`
	Title      string      `json:"title"`
	SellerID   string      `json:"seller_id"`
	BuyerID    string      `json:"buyer_id"`
	Reason     string      `json:"reason"`
	HeldAmount money.Pence `json:"held_amount"`
	RaisedAt   string      `json:"raised_at"`
}

func toDisputeResponse(r dispute.Record) disputeResponse {
	return disputeResponse{
		ListingID:  r.ListingID,
		Title:      r.Title,
		SellerID:   r.SellerID,
		BuyerID:    r.BuyerID,
		Reason:     r.Reason,
		HeldAmount: r.HeldAmount,
		RaisedAt:   r.RaisedAt.UTC().Format(time.RFC3339),
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// pageParams reads page and page_size; invalid values fall back to defaults.
func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	f := listing.NormalizePage(listing.Filters{Page: page, PageSize: size})
	return f.Page, f.PageSize
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user": toUserResponse(res.User)})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		ID:             p.ID,
		Name:           p.Name,
		Bio:            p.Bio,
		Region:         p.Region,
		MemberSince:    p.MemberSince.UTC().Format(time.RFC3339),
		ActiveListings: p.ActiveListings,
		CompletedSales: p.CompletedSales,
	})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := pageParams(r)
	res, err := s.listings.Browse(r.Context(), listing.Query{
		Text:      q.Get("q"),
		Region:    q.Get("region"),
		Category:  q.Get("category"),
		Condition: q.Get("condition"),
	}, page, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listingPage(res, userIDFrom(r.Context()), page, size))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	viewer := userIDFrom(r.Context())
	res, err := s.listings.Activity(r.Context(), viewer, page, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listingPage(res, viewer, page, size))
}

func (s *Server) listingPage(res listing.ListResult, viewer string, page, size int) pageResponse[listingResponse] {
	out := pageResponse[listingResponse]{Items: make([]listingResponse, 0, len(res.Items)), Total: res.Total, Page: page, PageSize: size}
	for _, l := range res.Items {
		out.Items = append(out.Items, toListingResponse(l, viewer))
	}
	return out
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(l.Version, 10)))
	writeJSON(w, http.StatusOK, toListingResponse(l, userIDFrom(r.Context())))
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	b, err := s.listings.Quote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteResponse(b))
}

type createListingRequest struct {
	Title                string      `json:"title"`
	Description          string      `json:"description"`
	Price                money.Pence `json:"price"`
	PostagePrice         money.Pence `json:"postage_price"`
	InsuranceFee         money.Pence `json:"insurance_fee"`
	ShippingMethod       string      `json:"shipping_method"`
	Category             string      `json:"category"`
	Condition            string      `json:"condition"`
	Region               string      `json:"region"`
	PhotoRef             string      `json:"photo_ref"`
	VerificationVideoRef string      `json:"verification_video_ref"`
	IsSplitShipping      bool        `json:"is_split_shipping"`
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	l, err := s.listings.Create(r.Context(), listing.CreateParams{
		SellerID:             userIDFrom(r.Context()),
		Title:                req.Title,
		Description:          req.Description,
		Price:                req.Price,
		PostagePrice:         req.PostagePrice,
		InsuranceFee:         req.InsuranceFee,
		ShippingMethod:       req.ShippingMethod,
		Category:             req.Category,
		Condition:            listing.Condition(req.Condition),
		Region:               req.Region,
		PhotoRef:             req.PhotoRef,
		VerificationVideoRef: req.VerificationVideoRef,
		IsSplitShipping:      req.IsSplitShipping,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(l.Version, 10)))
	writeJSON(w, http.StatusCreated, toListingResponse(l, l.SellerID))
}

var actionsByPath = map[string]listing.Action{
	"purchase": listing.ActionPurchase,
	"ship":     listing.ActionMarkShipped,
	"dispute":  listing.ActionRaiseDispute,
	"confirm":  listing.ActionConfirmReceipt,
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action, ok := actionsByPath[chi.URLParam(r, "action")]
	if !ok {
		s.writeError(w, listing.ErrNotFound)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, err)
			return
		}
	}
	expected, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	viewer := userIDFrom(r.Context())
	l, err := s.listings.Apply(r.Context(), listing.ApplyParams{
		ListingID:       chi.URLParam(r, "id"),
		Command:         listing.Command{Action: action, ActorID: viewer, Reason: body.Reason},
		ExpectedVersion: expected,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(l.Version, 10)))
	writeJSON(w, http.StatusOK, toListingResponse(l, viewer))
}

// parseIfMatch accepts `3`, `"3"` and `W/"3"`; an absent header or `*` means
// any version.
func parseIfMatch(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "*" {
		return 0, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: If-Match must be a listing version", errBadRequest)
	}
	return n, nil
}

// handleEvents serves the timeline to the two parties and support staff.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, err := s.listings.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	viewer := userIDFrom(r.Context())
	if roleFrom(r.Context()) != auth.RoleSupport && viewer != l.SellerID && viewer != l.Buyer() {
		s.writeError(w, listing.ErrUnauthorizedActor)
		return
	}
	events, err := s.listings.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			Seq:       e.Seq,
			Type:      string(e.Type),
			ActorID:   e.ActorID,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func viewerFrom(r *http.Request) dispute.Viewer {
	return dispute.Viewer{UserID: userIDFrom(r.Context()), Support: roleFrom(r.Context()) == auth.RoleSupport}
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	recs, total, err := s.disputes.List(r.Context(), viewerFrom(r), page, size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := pageResponse[disputeResponse]{Items: make([]disputeResponse, 0, len(recs)), Total: total, Page: page, PageSize: size}
	for _, rec := range recs {
		out.Items = append(out.Items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputes.Get(r.Context(), viewerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}
