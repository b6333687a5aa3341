package domain

import "time"

// Snapshot is an immutable, fully recomputed view of the catalog. Every
// listing in a snapshot was priced by the same tick.
type Snapshot struct {
	Version     uint64    `json:"version"`
	PublishedAt time.Time `json:"published_at"`
	Listings    []Listing `json:"listings"`

	index map[string]int
}

// NewSnapshot builds a snapshot over listings, which must already be
// exclusively owned by the caller and sorted by ID.
func NewSnapshot(version uint64, publishedAt time.Time, listings []Listing) *Snapshot {
	idx := make(map[string]int, len(listings))
	for i, l := range listings {
		idx[l.ID] = i
	}
	return &Snapshot{
		Version:     version,
		PublishedAt: publishedAt,
		Listings:    listings,
		index:       idx,
	}
}

// Get returns a copy of the listing with the given id.
func (s *Snapshot) Get(id string) (Listing, bool) {
	if s == nil {
		return Listing{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Listing{}, false
	}
	return s.Listings[i].Clone(), true
}

// Has reports whether id is part of the snapshot.
func (s *Snapshot) Has(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[id]
	return ok
}

// IDs returns listing ids in snapshot order.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.Listings))
	for i, l := range s.Listings {
		out[i] = l.ID
	}
	return out
}

// Len returns the number of listings.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Listings)
}
