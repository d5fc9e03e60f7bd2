package listing

import "strings"

// Query is a browse request over available listings. Empty or "All"
// region/category/condition mean no constraint.
type Query struct {
	Text      string
	Region    string
	Category  string
	Condition string
}

// Tokens splits the free text on whitespace and lower-cases each token.
func (q Query) Tokens() []string {
	return strings.Fields(strings.ToLower(q.Text))
}

// Matches reports whether l is available and satisfies every token and filter.
// A token matches when it is a substring of the title, description or category.
func (q Query) Matches(l Listing) bool {
	if l.Status != StatusAvailable {
		return false
	}
	title := strings.ToLower(l.Title)
	desc := strings.ToLower(l.Description)
	cat := strings.ToLower(l.Category)
	for _, tok := range q.Tokens() {
		if !strings.Contains(title, tok) && !strings.Contains(desc, tok) && !strings.Contains(cat, tok) {
			return false
		}
	}
	if r := normalizeFilter(q.Region); r != "" && l.Region != r {
		return false
	}
	if c := normalizeFilter(q.Category); c != "" && l.Category != c {
		return false
	}
	if c := normalizeFilter(q.Condition); c != "" && string(l.Condition) != c {
		return false
	}
	return true
}

// Filters converts q into store filters for the available partition.
func (q Query) Filters(page, pageSize int) Filters {
	return Filters{
		Partition: PartitionAvailable,
		Tokens:    q.Tokens(),
		Region:    normalizeFilter(q.Region),
		Category:  normalizeFilter(q.Category),
		Condition: Condition(normalizeFilter(q.Condition)),
		Page:      page,
		PageSize:  pageSize,
	}
}

func normalizeFilter(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "all") {
		return ""
	}
	return v
}

// PartitionListings splits listings into those for sale and those in a transaction.
// Every listing lands in exactly one side, decided by status alone.
func PartitionListings(ls []Listing) (available, activity []Listing) {
	for _, l := range ls {
		if InPartition(l, PartitionAvailable) {
			available = append(available, l)
		} else {
			activity = append(activity, l)
		}
	}
	return available, activity
}

// InPartition reports whether l belongs to p.
func InPartition(l Listing, p Partition) bool {
	switch p {
	case PartitionAvailable:
		return l.Status == StatusAvailable
	case PartitionActivity:
		return l.Status != StatusAvailable
	default:
		return true
	}
}

// MatchesFilters applies store filters in memory; backends that cannot push
// a filter down use it.
func MatchesFilters(l Listing, f Filters) bool {
	if !InPartition(l, f.Partition) {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if f.PartyID != "" && l.SellerID != f.PartyID && l.Buyer() != f.PartyID {
		return false
	}
	if f.Region != "" && l.Region != f.Region {
		return false
	}
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	if f.Condition != "" && l.Condition != f.Condition {
		return false
	}
	title := strings.ToLower(l.Title)
	desc := strings.ToLower(l.Description)
	cat := strings.ToLower(l.Category)
	for _, tok := range f.Tokens {
		if !strings.Contains(title, tok) && !strings.Contains(desc, tok) && !strings.Contains(cat, tok) {
			return false
		}
	}
	return true
}
