package store

import (
	"fmt"

	"github.com/hashweave/weave/data"
)

// MissingDependenciesError refuses a save whose dependency closure is not
// fully available.
type MissingDependenciesError struct {
	Hashes []data.Hash
}

func (self *MissingDependenciesError) Error() string {
	return fmt.Sprintf("missing dependencies: %v", self.Hashes)
}

// ClassMismatchError signals that a stored literal's class disagrees with a
// dependency's declared class.
type ClassMismatchError struct {
	Hash     data.Hash
	Declared string
	Stored   string
}

func (self *ClassMismatchError) Error() string {
	return fmt.Sprintf("class mismatch for %s: declared %s, stored %s", self.Hash, self.Declared, self.Stored)
}

// MissingPrevOpHeaderError refuses an op save when a predecessor's causal
// header cannot be found.
type MissingPrevOpHeaderError struct {
	OpHash data.Hash
}

func (self *MissingPrevOpHeaderError) Error() string {
	return fmt.Sprintf("missing op header for prev op %s", self.OpHash)
}
