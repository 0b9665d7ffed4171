// Package mock provides in-memory implementations of the embedding index and
// the record store for tests.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/your-org/livehub/internal/index"
	"github.com/your-org/livehub/internal/matching"
)

// Index is an exact (brute force) in-memory index.Index. Scroll orders points
// by their canonical id string and uses the next id as the cursor.
type Index struct {
	mu     sync.Mutex
	points map[index.Collection]map[uuid.UUID]index.Point

	// ScrollBatches records the size of every page returned by Scroll.
	ScrollBatches []int

	// Error injection
	UpsertError   error
	SetOwnerError error
	DeleteError   error
	SearchError   error
	ScrollError   error
	RetrieveError error
	// ScrollErrorAfter fails Scroll once this many pages have been served (0 disables).
	ScrollErrorAfter int
}

func NewIndex() *Index {
	return &Index{points: make(map[index.Collection]map[uuid.UUID]index.Point)}
}

func (m *Index) collection(c index.Collection) map[uuid.UUID]index.Point {
	col, ok := m.points[c]
	if !ok {
		col = make(map[uuid.UUID]index.Point)
		m.points[c] = col
	}
	return col
}

// Put stores a point directly, bypassing error injection.
func (m *Index) Put(c index.Collection, p index.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Vector = append([]float32(nil), p.Vector...)
	m.collection(c)[p.ID] = p
}

// Get returns a stored point.
func (m *Index) Get(c index.Collection, id uuid.UUID) (index.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.collection(c)[id]
	return p, ok
}

// Len returns the number of points in a collection.
func (m *Index) Len(c index.Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collection(c))
}

func (m *Index) Upsert(ctx context.Context, c index.Collection, p index.Point) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.Put(c, p)
	return nil
}

func (m *Index) SetOwner(ctx context.Context, c index.Collection, pointID, owner uuid.UUID) error {
	if m.SetOwnerError != nil {
		return m.SetOwnerError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(c)
	p, ok := col[pointID]
	if !ok {
		return nil
	}
	p.Owner = owner
	col[pointID] = p
	return nil
}

func (m *Index) Delete(ctx context.Context, c index.Collection, pointIDs ...uuid.UUID) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(c)
	for _, id := range pointIDs {
		delete(col, id)
	}
	return nil
}

func (m *Index) DeleteByImage(ctx context.Context, imageID uuid.UUID) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collection(index.Faces)
	for id, p := range col {
		if p.ImageID == imageID {
			delete(col, id)
		}
	}
	return nil
}

func (m *Index) Search(ctx context.Context, c index.Collection, vector []float32, f index.Filter, limit int) ([]index.Hit, error) {
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []index.Hit
	for _, p := range m.collection(c) {
		if !f.Matches(p) {
			continue
		}
		score, ok := matching.CosineSimilarity(vector, p.Vector)
		if !ok {
			continue
		}
		hits = append(hits, index.Hit{PointID: p.ID, Owner: p.Owner, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].PointID.String() < hits[j].PointID.String()
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Index) Scroll(ctx context.Context, c index.Collection, f index.Filter, cursor string, limit int) (index.Page, error) {
	if m.ScrollError != nil {
		return index.Page{}, m.ScrollError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ScrollErrorAfter > 0 && len(m.ScrollBatches) >= m.ScrollErrorAfter {
		return index.Page{}, errScrollInjected
	}

	var matched []index.Point
	for _, p := range m.collection(c) {
		if !f.Matches(p) {
			continue
		}
		if cursor != "" && p.ID.String() < cursor {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID.String() < matched[j].ID.String()
	})

	var page index.Page
	if limit > 0 && len(matched) > limit {
		page.Next = matched[limit].ID.String()
		matched = matched[:limit]
	}
	for _, p := range matched {
		p.Vector = append([]float32(nil), p.Vector...)
		page.Points = append(page.Points, p)
	}
	m.ScrollBatches = append(m.ScrollBatches, len(page.Points))
	return page, nil
}

func (m *Index) Retrieve(ctx context.Context, c index.Collection, pointID uuid.UUID) (*index.Point, error) {
	if m.RetrieveError != nil {
		return nil, m.RetrieveError
	}
	p, ok := m.Get(c, pointID)
	if !ok {
		return nil, nil
	}
	return &p, nil
}
