package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ghillie/auth"
	"ghillie/dispute"
	"ghillie/listing"
	"ghillie/localstore"
	"ghillie/profile"
)

type testEnv struct {
	t       *testing.T
	handler http.Handler
	store   *localstore.Store
	auth    *auth.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc := auth.NewService(store.Users(), "test-secret", listing.Regions)
	listings := listing.NewService(store, nil)
	server := NewServer(
		listings,
		authSvc,
		profile.NewService(store.Users(), store),
		dispute.NewService(store, listings.Fees()),
		nil,
	)
	return &testEnv{t: t, handler: server.Routes(), store: store, auth: authSvc}
}

// register creates a trader and returns its id and bearer token.
func (e *testEnv) register(email string) (string, string) {
	e.t.Helper()
	ctx := context.Background()
	u, err := e.auth.Register(ctx, auth.RegisterRequest{Email: email, Password: "password1", FullName: email, Region: "Wales"})
	if err != nil {
		e.t.Fatalf("register %s: %v", email, err)
	}
	res, err := e.auth.Login(ctx, auth.LoginRequest{Email: email, Password: "password1"})
	if err != nil {
		e.t.Fatalf("login %s: %v", email, err)
	}
	return u.ID, res.Token
}

func (e *testEnv) do(method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const reelBody = `{
	"title": "Shimano Ultegra 14000 XTD",
	"description": "Big pit reel, boxed",
	"price": "85.00",
	"postage_price": "10.00",
	"insurance_fee": "4.50",
	"category": "Reels",
	"condition": "Good",
	"region": "Wales",
	"verification_video_ref": "clip-1",
	"is_split_shipping": true
}`

func TestListingLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	sellerID, sellerToken := env.register("seller@example.com")
	buyerID, buyerToken := env.register("buyer@example.com")

	rec := env.do(http.MethodPost, "/api/listings", sellerToken, reelBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	created := decode[listingResponse](t, rec)
	if created.SellerID != sellerID || created.Status != "available" || created.Price.String() != "85.00" || !created.IsInsured {
		t.Fatalf("unexpected listing %+v", created)
	}
	if rec.Header().Get("ETag") != `"1"` {
		t.Fatalf("expected ETag \"1\", got %q", rec.Header().Get("ETag"))
	}

	rec = env.do(http.MethodGet, "/api/listings/"+created.ID+"/quote", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"buyer_total_due":"93.25"`) || !strings.Contains(rec.Body.String(), `"seller_net_proceeds":"73.50"`) {
		t.Fatalf("unexpected quote %s", rec.Body)
	}

	rec = env.do(http.MethodGet, "/api/listings/"+created.ID, buyerToken, "")
	got := decode[listingResponse](t, rec)
	if len(got.AllowedActions) != 1 || got.AllowedActions[0] != "purchase" {
		t.Fatalf("expected buyer to be offered purchase, got %v", got.AllowedActions)
	}

	rec = env.do(http.MethodPost, "/api/listings/"+created.ID+"/purchase", buyerToken, "", "If-Match", `"1"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase: %d %s", rec.Code, rec.Body)
	}
	bought := decode[listingResponse](t, rec)
	if bought.BuyerID == nil || *bought.BuyerID != buyerID || bought.Version != 2 {
		t.Fatalf("unexpected purchased listing %+v", bought)
	}

	rec = env.do(http.MethodPost, "/api/listings/"+created.ID+"/ship", sellerToken, "", "If-Match", "1")
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for stale version, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/listings/"+created.ID+"/ship", buyerToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when buyer ships, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/listings/"+created.ID+"/ship", sellerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ship: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(http.MethodPost, "/api/listings/"+created.ID+"/dispute", buyerToken, `{"reason":"spool cracked"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 disputing a shipped listing, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/listings/"+created.ID+"/confirm", buyerToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body)
	}
	if decode[listingResponse](t, rec).Status != "released" {
		t.Fatalf("expected released, got %s", rec.Body)
	}

	rec = env.do(http.MethodGet, "/api/listings/"+created.ID+"/events", sellerToken, "")
	events := decode[struct {
		Items []eventResponse `json:"items"`
	}](t, rec)
	var types []string
	for _, e := range events.Items {
		types = append(types, e.Type)
	}
	if strings.Join(types, ",") != "LISTING_CREATED,ESCROW_FUNDED,LISTING_SHIPPED,FUNDS_RELEASED" {
		t.Fatalf("unexpected timeline %v", types)
	}

	_, strangerToken := env.register("stranger@example.com")
	rec = env.do(http.MethodGet, "/api/listings/"+created.ID+"/events", strangerToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger reading the timeline, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/profiles/"+sellerID, "", "")
	prof := decode[profileResponse](t, rec)
	if prof.CompletedSales != 1 || prof.ActiveListings != 0 {
		t.Fatalf("unexpected profile %+v", prof)
	}
}

func TestCreateListingErrors(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register("seller@example.com")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"needs video above fifty pounds", strings.Replace(reelBody, `"clip-1"`, `""`, 1), http.StatusUnprocessableEntity},
		{"unknown category", strings.Replace(reelBody, `"Reels"`, `"Boats"`, 1), http.StatusBadRequest},
		{"sub-penny price", strings.Replace(reelBody, `"85.00"`, `"85.001"`, 1), http.StatusBadRequest},
		{"price beyond range", strings.Replace(reelBody, `"85.00"`, `"184467440737095566.16"`, 1), http.StatusBadRequest},
		{"unknown field", `{"title":"x","colour":"green"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/listings", token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	rec := env.do(http.MethodPost, "/api/listings", "", reelBody)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestBrowseAndActivity(t *testing.T) {
	env := newTestEnv(t)
	_, sellerToken := env.register("seller@example.com")
	_, buyerToken := env.register("buyer@example.com")

	reel := decode[listingResponse](t, env.do(http.MethodPost, "/api/listings", sellerToken, reelBody))
	pod := strings.NewReplacer(`"Shimano Ultegra 14000 XTD"`, `"Korda rod pod"`, `"Reels"`, `"Furniture"`).Replace(reelBody)
	podListing := decode[listingResponse](t, env.do(http.MethodPost, "/api/listings", sellerToken, pod))

	rec := env.do(http.MethodGet, "/api/listings?q=shimano+reel&condition=All", "", "")
	page := decode[pageResponse[listingResponse]](t, rec)
	if page.Total != 1 || page.Items[0].ID != reel.ID || page.Page != 1 || page.PageSize != 20 {
		t.Fatalf("unexpected browse page %+v", page)
	}

	env.do(http.MethodPost, "/api/listings/"+podListing.ID+"/purchase", buyerToken, "")

	page = decode[pageResponse[listingResponse]](t, env.do(http.MethodGet, "/api/listings", "", ""))
	if page.Total != 1 || page.Items[0].ID != reel.ID {
		t.Fatalf("purchased listing must leave browse, got %+v", page)
	}

	page = decode[pageResponse[listingResponse]](t, env.do(http.MethodGet, "/api/activity", buyerToken, ""))
	if page.Total != 1 || page.Items[0].ID != podListing.ID {
		t.Fatalf("unexpected activity %+v", page)
	}
	if rec := env.do(http.MethodGet, "/api/activity", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.do(http.MethodGet, "/api/listings?page=922337203685477581&page_size=10", "", "")
	page = decode[pageResponse[listingResponse]](t, rec)
	if page.Total != 1 || len(page.Items) != 0 {
		t.Fatalf("far page must be empty, got %+v", page)
	}
}

func TestDisputesVisibility(t *testing.T) {
	env := newTestEnv(t)
	_, sellerToken := env.register("seller@example.com")
	_, buyerToken := env.register("buyer@example.com")
	_, strangerToken := env.register("stranger@example.com")
	env.register("staff@example.com")
	if _, err := env.auth.GrantRole(context.Background(), "staff@example.com", auth.RoleSupport); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	staffLogin, err := env.auth.Login(context.Background(), auth.LoginRequest{Email: "staff@example.com", Password: "password1"})
	if err != nil {
		t.Fatalf("staff login: %v", err)
	}

	l := decode[listingResponse](t, env.do(http.MethodPost, "/api/listings", sellerToken, reelBody))
	env.do(http.MethodPost, "/api/listings/"+l.ID+"/purchase", buyerToken, "")

	rec := env.do(http.MethodPost, "/api/listings/"+l.ID+"/dispute", buyerToken, `{"reason":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank reason, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/listings/"+l.ID+"/dispute", buyerToken, `{"reason":"drag knob missing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispute: %d %s", rec.Code, rec.Body)
	}

	for _, tc := range []struct {
		token string
		total int
	}{
		{sellerToken, 1},
		{buyerToken, 1},
		{strangerToken, 0},
		{staffLogin.Token, 1},
	} {
		page := decode[pageResponse[disputeResponse]](t, env.do(http.MethodGet, "/api/disputes", tc.token, ""))
		if page.Total != tc.total {
			t.Fatalf("expected %d disputes, got %+v", tc.total, page)
		}
	}

	rec = env.do(http.MethodGet, "/api/disputes/"+l.ID, strangerToken, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/api/disputes/"+l.ID, staffLogin.Token, "")
	d := decode[disputeResponse](t, rec)
	if d.Reason != "drag knob missing" || d.HeldAmount.String() != "93.25" {
		t.Fatalf("unexpected dispute %+v", d)
	}
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/auth/register", "", `{"email":"Angler@Example.com","password":"password1","full_name":"Angler","region":"Wales"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	if u := decode[userResponse](t, rec); u.Email != "angler@example.com" || u.Role != "trader" {
		t.Fatalf("unexpected user %+v", u)
	}

	rec = env.do(http.MethodPost, "/api/auth/register", "", `{"email":"angler@example.com","password":"password1","full_name":"Again"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/auth/register", "", `{"email":"short@example.com","password":"short","full_name":"Short"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak password, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/auth/login", "", `{"email":"angler@example.com","password":"wrong-password"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/auth/login", "", `{"email":"angler@example.com","password":"password1"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"token"`) {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}

	rec = env.do(http.MethodGet, "/api/activity", "not-a-jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestNotFoundAndHealth(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register("someone@example.com")

	if rec := env.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec := env.do(http.MethodGet, "/api/listings/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decode[map[string]errorBody](t, rec); body["error"].Code != "not_found" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if rec := env.do(http.MethodPost, "/api/listings/missing/purchase", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/listings/missing/teleport", token, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/profiles/ghost", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestParseIfMatch(t *testing.T) {
	for in, want := range map[string]int64{"": 0, "*": 0, "3": 3, `"4"`: 4, `W/"5"`: 5} {
		got, err := parseIfMatch(in)
		if err != nil || got != want {
			t.Fatalf("parseIfMatch(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"abc", "0", "-2"} {
		if _, err := parseIfMatch(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestQuoteCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"SELLER_FEE_RATE", "BUYER_FEE"} {
		t.Setenv(k, "")
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"quote", "--price", "85", "--postage", "10", "--insurance", "4.50", "--split"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("quote: %v", err)
	}
	got := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		fields := strings.Fields(line)
		got[strings.Join(fields[:len(fields)-1], " ")] = fields[len(fields)-1]
	}
	for label, want := range map[string]string{
		"buyer total due":      "93.25",
		"seller net proceeds":  "73.50",
		"marketplace fee":      "4.25",
		"buyer shipping share": "7.25",
	} {
		if got[label] != want {
			t.Fatalf("%s: want %s, got %q in\n%s", label, want, got[label], out.String())
		}
	}
}
