package data

import (
	"fmt"
	"sort"
)

// HashReference is a non-ownership pointer to another hashed object. It
// literalizes as a dependency of type reference.
type HashReference struct {
	Hash      Hash
	ClassName string
}

func NewHashReference(hash Hash, className string) *HashReference {
	return &HashReference{
		Hash:      hash,
		ClassName: className,
	}
}

func ReferenceTo(object HashedObject) (*HashReference, error) {
	hash, err := HashObject(object)
	if err != nil {
		return nil, err
	}
	return NewHashReference(hash, object.ClassName()), nil
}

func RequireReferenceTo(object HashedObject) *HashReference {
	reference, err := ReferenceTo(object)
	if err != nil {
		panic(err)
	}
	return reference
}

func (self *HashReference) literalValue() map[string]any {
	return map[string]any{
		"_type":  TypeHashedObjectReference,
		"_hash":  string(self.Hash),
		"_class": self.ClassName,
	}
}

// elementSortHash is the canonical ordering key for collection members: the
// hash of the member's literal form. It makes collection literals independent
// of insertion order.
func elementSortHash(element any) (Hash, error) {
	switch v := element.(type) {
	case HashedObject:
		hash, err := HashObject(v)
		if err != nil {
			return "", err
		}
		return HashValue(map[string]any{
			"_type": TypeHashedObjectDependency,
			"_hash": string(hash),
		})
	case *HashReference:
		return HashValue(v.literalValue())
	default:
		return HashValue(element)
	}
}

// HashedSet is a set container whose literal lists members in ascending
// member hash order.
type HashedSet struct {
	elements map[Hash]any
}

func NewHashedSet(elements ...any) *HashedSet {
	set := &HashedSet{
		elements: map[Hash]any{},
	}
	for _, element := range elements {
		if err := set.Add(element); err != nil {
			panic(err)
		}
	}
	return set
}

func (self *HashedSet) Add(element any) error {
	hash, err := elementSortHash(element)
	if err != nil {
		return fmt.Errorf("unhashable set element: %w", err)
	}
	self.elements[hash] = element
	return nil
}

func (self *HashedSet) Remove(element any) error {
	hash, err := elementSortHash(element)
	if err != nil {
		return err
	}
	delete(self.elements, hash)
	return nil
}

func (self *HashedSet) Has(element any) bool {
	hash, err := elementSortHash(element)
	if err != nil {
		return false
	}
	_, ok := self.elements[hash]
	return ok
}

func (self *HashedSet) Size() int {
	return len(self.elements)
}

// Elements returns the members in canonical (ascending member hash) order.
func (self *HashedSet) Elements() []any {
	hashes := make([]string, 0, len(self.elements))
	for hash := range self.elements {
		hashes = append(hashes, string(hash))
	}
	sort.Strings(hashes)
	elements := make([]any, 0, len(hashes))
	for _, hash := range hashes {
		elements = append(elements, self.elements[Hash(hash)])
	}
	return elements
}

// ReferenceHashes returns the hashes of members that are hash references, in
// canonical order.
func (self *HashedSet) ReferenceHashes() []Hash {
	hashes := []Hash{}
	for _, element := range self.Elements() {
		if reference, ok := element.(*HashReference); ok {
			hashes = append(hashes, reference.Hash)
		}
	}
	return hashes
}

type hashedMapEntry struct {
	key   any
	value any
}

// HashedMap is a map container; its literal lists (key, value) entries in
// ascending key hash order.
type HashedMap struct {
	entries map[Hash]*hashedMapEntry
}

func NewHashedMap() *HashedMap {
	return &HashedMap{
		entries: map[Hash]*hashedMapEntry{},
	}
}

func (self *HashedMap) Put(key any, value any) error {
	hash, err := elementSortHash(key)
	if err != nil {
		return fmt.Errorf("unhashable map key: %w", err)
	}
	self.entries[hash] = &hashedMapEntry{
		key:   key,
		value: value,
	}
	return nil
}

func (self *HashedMap) Get(key any) (any, bool) {
	hash, err := elementSortHash(key)
	if err != nil {
		return nil, false
	}
	entry, ok := self.entries[hash]
	if !ok {
		return nil, false
	}
	return entry.value, true
}

func (self *HashedMap) Remove(key any) error {
	hash, err := elementSortHash(key)
	if err != nil {
		return err
	}
	delete(self.entries, hash)
	return nil
}

func (self *HashedMap) Size() int {
	return len(self.entries)
}

// Entries returns (key, value) pairs in canonical (ascending key hash) order.
func (self *HashedMap) Entries() [][2]any {
	hashes := make([]string, 0, len(self.entries))
	for hash := range self.entries {
		hashes = append(hashes, string(hash))
	}
	sort.Strings(hashes)
	entries := make([][2]any, 0, len(hashes))
	for _, hash := range hashes {
		entry := self.entries[Hash(hash)]
		entries = append(entries, [2]any{entry.key, entry.value})
	}
	return entries
}
