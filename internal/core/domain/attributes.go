package domain

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/spaolacci/murmur3"
)

// Vec3 is a 3-component vector.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Quat is a rotation quaternion.
type Quat struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// IdentityQuat is the no-rotation quaternion.
var IdentityQuat = Quat{W: 1}

// AttributeKey derives the attribute id for a name.
func AttributeKey(name string) int32 {
	return int32(murmur3.Sum32([]byte(name)))
}

// Entry is one key/value pair of a SortedMap.
type Entry[V any] struct {
	Key   int32 `json:"k"`
	Value V     `json:"v"`
}

// SortedMap is a small associative map kept sorted by key.
//
// Attribute sets are tiny (a handful of keys per entity), so a sorted
// slice with binary search beats a hash map in both memory and clone cost.
type SortedMap[V any] struct {
	entries []Entry[V]
}

func cmpEntry[V any](e Entry[V], key int32) int {
	switch {
	case e.Key < key:
		return -1
	case e.Key > key:
		return 1
	default:
		return 0
	}
}

// Get returns the value stored under key.
func (m *SortedMap[V]) Get(key int32) (V, bool) {
	if m != nil {
		if i, ok := slices.BinarySearchFunc(m.entries, key, cmpEntry[V]); ok {
			return m.entries[i].Value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value under key.
func (m *SortedMap[V]) Set(key int32, value V) {
	i, ok := slices.BinarySearchFunc(m.entries, key, cmpEntry[V])
	if ok {
		m.entries[i].Value = value
		return
	}
	m.entries = slices.Insert(m.entries, i, Entry[V]{Key: key, Value: value})
}

// Remove deletes key and reports whether it was present.
func (m *SortedMap[V]) Remove(key int32) bool {
	i, ok := slices.BinarySearchFunc(m.entries, key, cmpEntry[V])
	if !ok {
		return false
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	return true
}

// Len returns the number of entries.
func (m *SortedMap[V]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns the entries in key order. The slice must not be modified.
func (m *SortedMap[V]) Entries() []Entry[V] {
	if m == nil {
		return nil
	}
	return m.entries
}

// Clone returns a copy of the map. Values are copied by assignment.
func (m *SortedMap[V]) Clone() *SortedMap[V] {
	return m.CloneFunc(nil)
}

// CloneFunc returns a copy of the map, copying each value with fn when non-nil.
func (m *SortedMap[V]) CloneFunc(fn func(V) V) *SortedMap[V] {
	if m == nil {
		return nil
	}
	out := &SortedMap[V]{entries: slices.Clone(m.entries)}
	if fn != nil {
		for i := range out.entries {
			out.entries[i].Value = fn(out.entries[i].Value)
		}
	}
	return out
}

// NewSortedMap builds a map from entries in any order. Later duplicates win.
func NewSortedMap[V any](entries []Entry[V]) *SortedMap[V] {
	m := &SortedMap[V]{}
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// MarshalJSON encodes the map as its entry list.
func (m *SortedMap[V]) MarshalJSON() ([]byte, error) {
	if m == nil || m.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.entries)
}

// UnmarshalJSON decodes an entry list in any order.
func (m *SortedMap[V]) UnmarshalJSON(data []byte) error {
	var entries []Entry[V]
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*m = *NewSortedMap(entries)
	return nil
}

// Attributes holds the typed side tables of one entity.
// A nil kind means the entity has no attribute of that kind.
type Attributes struct {
	Floats  *SortedMap[float32] `json:"floats,omitempty"`
	Vec3s   *SortedMap[Vec3]    `json:"vec3s,omitempty"`
	Quats   *SortedMap[Quat]    `json:"quats,omitempty"`
	Ints    *SortedMap[int32]   `json:"ints,omitempty"`
	Longs   *SortedMap[int64]   `json:"longs,omitempty"`
	Strings *SortedMap[string]  `json:"strings,omitempty"`
	Bytes   *SortedMap[[]byte]  `json:"bytes,omitempty"`
}

// Empty reports whether no kind holds any entry.
func (a *Attributes) Empty() bool {
	return a == nil || a.Floats.Len()+a.Vec3s.Len()+a.Quats.Len()+a.Ints.Len()+
		a.Longs.Len()+a.Strings.Len()+a.Bytes.Len() == 0
}

// Clone deep-copies every kind, including byte slices.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return nil
	}
	return &Attributes{
		Floats:  a.Floats.Clone(),
		Vec3s:   a.Vec3s.Clone(),
		Quats:   a.Quats.Clone(),
		Ints:    a.Ints.Clone(),
		Longs:   a.Longs.Clone(),
		Strings: a.Strings.Clone(),
		Bytes:   a.Bytes.CloneFunc(bytes.Clone),
	}
}

// SetFloat stores a float attribute.
func (a *Attributes) SetFloat(key int32, v float32) {
	if a.Floats == nil {
		a.Floats = &SortedMap[float32]{}
	}
	a.Floats.Set(key, v)
}

// SetVec3 stores a vector attribute.
func (a *Attributes) SetVec3(key int32, v Vec3) {
	if a.Vec3s == nil {
		a.Vec3s = &SortedMap[Vec3]{}
	}
	a.Vec3s.Set(key, v)
}

// SetQuat stores a rotation attribute.
func (a *Attributes) SetQuat(key int32, v Quat) {
	if a.Quats == nil {
		a.Quats = &SortedMap[Quat]{}
	}
	a.Quats.Set(key, v)
}

// SetInt stores an int attribute.
func (a *Attributes) SetInt(key int32, v int32) {
	if a.Ints == nil {
		a.Ints = &SortedMap[int32]{}
	}
	a.Ints.Set(key, v)
}

// SetLong stores a long attribute.
func (a *Attributes) SetLong(key int32, v int64) {
	if a.Longs == nil {
		a.Longs = &SortedMap[int64]{}
	}
	a.Longs.Set(key, v)
}

// SetString stores a string attribute.
func (a *Attributes) SetString(key int32, v string) {
	if a.Strings == nil {
		a.Strings = &SortedMap[string]{}
	}
	a.Strings.Set(key, v)
}

// SetBytes stores a blob attribute. The slice is copied.
func (a *Attributes) SetBytes(key int32, v []byte) {
	if a.Bytes == nil {
		a.Bytes = &SortedMap[[]byte]{}
	}
	a.Bytes.Set(key, bytes.Clone(v))
}
