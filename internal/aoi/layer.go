package aoi

import (
	"sync"

	"github.com/twpayne/go-geom"
)

// FeatureID identifies a shape on a feature layer.
type FeatureID string

// Feature is a drawn shape on a layer.
type Feature struct {
	ID       FeatureID
	Polygon  *geom.Polygon
	Editable bool
}

// Layer is the editable display surface shapes are drawn on.
type Layer interface {
	Features() []Feature
	Add(f Feature)
	Remove(id FeatureID)
	Clear()
}

// MemoryLayer is a Layer kept in memory, in insertion order.
type MemoryLayer struct {
	mu       sync.RWMutex
	order    []FeatureID
	features map[FeatureID]Feature
}

// NewMemoryLayer creates an empty layer.
func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{features: make(map[FeatureID]Feature)}
}

// Features returns the shapes currently on the layer.
func (l *MemoryLayer) Features() []Feature {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Feature, 0, len(l.order))
	for _, id := range l.order {
		f := l.features[id]
		if f.Polygon != nil {
			f.Polygon = f.Polygon.Clone()
		}
		out = append(out, f)
	}
	return out
}

// Add places f on the layer, replacing any shape with the same id.
func (l *MemoryLayer) Add(f Feature) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.features[f.ID]; !ok {
		l.order = append(l.order, f.ID)
	}
	l.features[f.ID] = f
}

// Remove deletes the shape with the given id.
func (l *MemoryLayer) Remove(id FeatureID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.features[id]; !ok {
		return
	}
	delete(l.features, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Clear removes every shape.
func (l *MemoryLayer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order = nil
	l.features = make(map[FeatureID]Feature)
}

// Len returns the number of shapes on the layer.
func (l *MemoryLayer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}
