// Package attrstore holds the live extra attributes of every entity.
//
// Each entity owns one domain.Attributes value with typed side tables.
// Writes go through the entity table so that revision bumps and snapshot
// hooks stay in step with attribute changes; the store itself only keeps
// the data and hands out clones.
package attrstore

import (
	"github.com/yndnr/tablesnap-go/internal/core/domain"
	"github.com/yndnr/tablesnap-go/pkg/cmap"
)

// Store maps entity IDs to their live attributes.
type Store struct {
	attrs *cmap.Map[domain.EntityID, *domain.Attributes]
}

// New creates an empty store.
func New() *Store {
	return &Store{
		attrs: cmap.New[domain.EntityID, *domain.Attributes](),
	}
}

// Get returns the live attributes of an entity. The value must not be
// modified or retained by the caller; use Clone for a private copy.
func (s *Store) Get(id domain.EntityID) (*domain.Attributes, bool) {
	return s.attrs.Get(id)
}

// Clone returns a deep copy of the entity's attributes, or nil if it has none.
func (s *Store) Clone(id domain.EntityID) *domain.Attributes {
	a, ok := s.attrs.Get(id)
	if !ok || a.Empty() {
		return nil
	}
	return a.Clone()
}

// Update applies fn to the entity's attributes, creating them if absent.
// Attributes left empty by fn are dropped.
func (s *Store) Update(id domain.EntityID, fn func(a *domain.Attributes)) {
	next := s.attrs.Update(id, func(a *domain.Attributes, exists bool) *domain.Attributes {
		if !exists {
			a = &domain.Attributes{}
		}
		fn(a)
		return a
	})
	if next.Empty() {
		s.attrs.Delete(id)
	}
}

// Put replaces the entity's attributes with a copy of a.
func (s *Store) Put(id domain.EntityID, a *domain.Attributes) {
	if a.Empty() {
		s.attrs.Delete(id)
		return
	}
	s.attrs.Set(id, a.Clone())
}

// Delete drops every attribute of the entity.
func (s *Store) Delete(id domain.EntityID) {
	s.attrs.Delete(id)
}

// Count returns the number of entities with attributes.
func (s *Store) Count() int {
	return s.attrs.Count()
}

// Clear drops all attributes.
func (s *Store) Clear() {
	s.attrs.Clear()
}
