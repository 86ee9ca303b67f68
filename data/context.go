package data

import (
	"golang.org/x/exp/slices"
)

// ObjectStore is the narrow view of a store that hashed objects hold through
// their resources. The full store lives in the store package.
type ObjectStore interface {
	Save(object HashedObject) error
	Load(hash Hash) (HashedObject, error)
}

// Resources is the shared descriptor attached to hashed objects. Aliasing
// deduplicates shared subgraphs across contexts: a literalized object whose
// hash has an alias is replaced by the aliased instance.
type Resources struct {
	Store    ObjectStore
	Mesh     any
	Config   map[string]any
	Aliasing map[Hash]HashedObject
}

// Context is the working set used during literalization and
// deliteralization. Not safe for concurrent use.
type Context struct {
	RootHashes []Hash
	Literals   map[Hash]*Literal
	Objects    map[Hash]HashedObject
	Resources  *Resources
}

func NewContext() *Context {
	return &Context{
		RootHashes: []Hash{},
		Literals:   map[Hash]*Literal{},
		Objects:    map[Hash]HashedObject{},
	}
}

func (self *Context) Has(hash Hash) bool {
	_, ok := self.Literals[hash]
	return ok
}

func (self *Context) AddRootHash(hash Hash) {
	if !slices.Contains(self.RootHashes, hash) {
		self.RootHashes = append(self.RootHashes, hash)
	}
}

// Merge copies another context's literals and objects into this one.
func (self *Context) Merge(other *Context) {
	for hash, literal := range other.Literals {
		if _, ok := self.Literals[hash]; !ok {
			self.Literals[hash] = literal
		}
	}
	for hash, object := range other.Objects {
		if _, ok := self.Objects[hash]; !ok {
			self.Objects[hash] = object
		}
	}
}

// AllDependencies lists every dependency entry of every literal in the
// context, including reference-type dependencies.
func (self *Context) AllDependencies() []*Dependency {
	dependencies := []*Dependency{}
	for _, literal := range self.Literals {
		dependencies = append(dependencies, literal.Dependencies...)
	}
	return dependencies
}
