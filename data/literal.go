package data

import (
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

const (
	TypeHashedObject           = "hashed_object"
	TypeHashedObjectDependency = "hashed_object_dependency"
	TypeHashedObjectReference  = "hashed_object_reference"
	TypeHashedSet              = "hashed_set"
	TypeHashedMap              = "hashed_map"
)

type DependencyType string

const (
	DependencyLiteral   DependencyType = "literal"
	DependencyReference DependencyType = "reference"
)

// Dependency records that a literal refers to another hashed object, either
// embedded in the same literal tree (literal) or by hash only (reference).
// Direct means the dependency appears as a direct field of the literal's
// object rather than nested inside another hashed object of the tree.
type Dependency struct {
	Path      string         `json:"path"`
	Hash      Hash           `json:"hash"`
	ClassName string         `json:"className"`
	Type      DependencyType `json:"type"`
	Direct    bool           `json:"direct"`
}

func (self *Dependency) key() string {
	return self.Path + "#" + string(self.Hash) + "#" + string(self.Type) + "#" + fmt.Sprint(self.Direct)
}

type Literal struct {
	Hash         Hash          `json:"hash"`
	Value        any           `json:"value"`
	Dependencies []*Dependency `json:"dependencies"`
	Author       Hash          `json:"author,omitempty"`
	Signature    string        `json:"signature,omitempty"`
}

// ClassName extracts the declared class tag out of the literal value.
func (self *Literal) ClassName() string {
	value, ok := self.Value.(map[string]any)
	if !ok {
		return ""
	}
	className, _ := value["_class"].(string)
	return className
}

func (self *Literal) Flags() []string {
	value, ok := self.Value.(map[string]any)
	if !ok {
		return nil
	}
	rawFlags, _ := value["_flags"].([]any)
	flags := []string{}
	for _, rawFlag := range rawFlags {
		if flag, ok := rawFlag.(string); ok {
			flags = append(flags, flag)
		}
	}
	return flags
}

func (self *Literal) HasFlag(flag string) bool {
	return slices.Contains(self.Flags(), flag)
}

// DirectDependencyHashes returns the hashes of direct dependencies at a field
// path, in literal order.
func (self *Literal) DirectDependencyHashes(path string, dependencyType DependencyType) []Hash {
	hashes := []Hash{}
	for _, dependency := range self.Dependencies {
		if dependency.Direct && dependency.Path == path && dependency.Type == dependencyType {
			hashes = append(hashes, dependency.Hash)
		}
	}
	return hashes
}

// dependencySet deduplicates dependencies while preserving a canonical order.
type dependencySet struct {
	dependencies map[string]*Dependency
}

func newDependencySet() *dependencySet {
	return &dependencySet{
		dependencies: map[string]*Dependency{},
	}
}

func (self *dependencySet) add(dependency *Dependency) {
	self.dependencies[dependency.key()] = dependency
}

func (self *dependencySet) all() []*Dependency {
	dependencies := make([]*Dependency, 0, len(self.dependencies))
	for _, dependency := range self.dependencies {
		dependencies = append(dependencies, dependency)
	}
	sort.Slice(dependencies, func(i int, j int) bool {
		if dependencies[i].Path != dependencies[j].Path {
			return dependencies[i].Path < dependencies[j].Path
		}
		return dependencies[i].Hash < dependencies[j].Hash
	})
	return dependencies
}
