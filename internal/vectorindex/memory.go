package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type memCollection struct {
	dim    int
	points map[string]Point
	order  []string
}

// Memory is an in-process index with exact cosine search.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

var _ Index = (*Memory)(nil)

// NewMemory returns an empty in-process index.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]*memCollection)}
}

func (m *Memory) EnsureCollection(ctx context.Context, collection string, dim int) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = &memCollection{dim: dim, points: make(map[string]Point)}
	}
	return nil
}

func (m *Memory) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return c, nil
}

func (m *Memory) Upsert(ctx context.Context, collection string, points ...Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != c.dim {
			return fmt.Errorf("%w: %s wants %d, got %d", ErrDimension, collection, c.dim, len(p.Vector))
		}
	}
	for _, p := range points {
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		p.Vector = append([]float32(nil), p.Vector...)
		c.points[p.ID] = p
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != c.dim {
		return nil, fmt.Errorf("%w: %s wants %d, got %d", ErrDimension, collection, c.dim, len(vector))
	}

	hits := make([]Hit, 0, len(c.order))
	for _, id := range c.order {
		p := c.points[id]
		hits = append(hits, Hit{ID: id, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *Memory) DeleteByFilter(ctx context.Context, collection string, f Filter) error {
	if f.empty() {
		return errEmptyFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if f.match(c.points[id].Payload) {
			delete(c.points, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return nil
}

func (m *Memory) Scroll(ctx context.Context, collection string, fn func(Point) error) error {
	m.mu.RLock()
	c, err := m.collection(collection)
	if err != nil {
		m.mu.RUnlock()
		return err
	}
	points := make([]Point, 0, len(c.order))
	for _, id := range c.order {
		p := c.points[id]
		points = append(points, Point{ID: p.ID, Payload: p.Payload})
	}
	m.mu.RUnlock()

	for _, p := range points {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of points in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return len(c.points)
	}
	return 0
}

func (m *Memory) Close() error { return nil }

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
