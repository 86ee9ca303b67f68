package data

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// MutableObject is a hashed object whose state evolves through mutation ops.
// Mutate applies one op to the in-memory state and reports whether the state
// changed.
type MutableObject interface {
	HashedObject
	Mutate(op MutationOp) (bool, error)

	// provided by MutableObjectBase
	ApplyLoadedOp(op MutationOp) error
	SaveQueuedOps(store ObjectStore) error
	HasQueuedOps() bool
	TerminalOpHashes() []Hash
}

type MutableObjectBase struct {
	HashedObjectBase

	queuedOps   []MutationOp
	terminalOps map[Hash]MutationOp
	appliedOps  map[Hash]bool
}

func (self *MutableObjectBase) LiteralFlags() []string {
	return []string{FlagMutable}
}

// ApplyNewOp runs a locally created op: the op's prevOps become the current
// terminal ops, the op is applied, and it is queued for the next save.
func (self *MutableObjectBase) ApplyNewOp(op MutationOp) error {
	target, ok := op.Target().(MutableObject)
	if !ok {
		return fmt.Errorf("op %s has no mutable target", op.ClassName())
	}

	prevOps := NewHashedSet()
	for _, terminalOp := range self.terminalOpList() {
		reference, err := ReferenceTo(terminalOp)
		if err != nil {
			return err
		}
		if err := prevOps.Add(reference); err != nil {
			return err
		}
	}
	op.SetPrevOps(prevOps)

	hash, err := HashObject(op)
	if err != nil {
		return err
	}
	self.terminalOps = map[Hash]MutationOp{hash: op}
	self.markApplied(hash)
	self.queuedOps = append(self.queuedOps, op)

	if _, err := target.Mutate(op); err != nil {
		return err
	}
	self.emitOpEvent(target, op)
	return nil
}

// ApplyLoadedOp replays an op coming out of a store. Idempotent per op hash.
func (self *MutableObjectBase) ApplyLoadedOp(op MutationOp) error {
	target, ok := op.Target().(MutableObject)
	if !ok {
		return fmt.Errorf("op %s has no mutable target", op.ClassName())
	}
	hash, err := HashObject(op)
	if err != nil {
		return err
	}
	if self.appliedOps[hash] {
		return nil
	}
	self.markApplied(hash)

	if self.terminalOps == nil {
		self.terminalOps = map[Hash]MutationOp{}
	}
	if prevOps := op.PrevOpRefs(); prevOps != nil {
		for _, prevOpHash := range prevOps.ReferenceHashes() {
			delete(self.terminalOps, prevOpHash)
		}
	}
	self.terminalOps[hash] = op

	if _, err := target.Mutate(op); err != nil {
		return err
	}
	self.emitOpEvent(target, op)
	return nil
}

// SaveQueuedOps drains the op queue through a store. The queue is taken
// first, so the store's own flush pass finds it empty and does not recurse.
func (self *MutableObjectBase) SaveQueuedOps(store ObjectStore) error {
	queued := self.queuedOps
	self.queuedOps = nil
	for i, op := range queued {
		if err := store.Save(op); err != nil {
			// keep the unsaved tail for a later flush
			self.queuedOps = append(slices.Clone(queued[i:]), self.queuedOps...)
			return err
		}
	}
	return nil
}

func (self *MutableObjectBase) HasQueuedOps() bool {
	return 0 < len(self.queuedOps)
}

func (self *MutableObjectBase) TerminalOpHashes() []Hash {
	hashes := []Hash{}
	for hash := range self.terminalOps {
		hashes = append(hashes, hash)
	}
	slices.Sort(hashes)
	return hashes
}

func (self *MutableObjectBase) terminalOpList() []MutationOp {
	ops := []MutationOp{}
	for _, hash := range self.TerminalOpHashes() {
		ops = append(ops, self.terminalOps[hash])
	}
	return ops
}

func (self *MutableObjectBase) markApplied(hash Hash) {
	if self.appliedOps == nil {
		self.appliedOps = map[Hash]bool{}
	}
	self.appliedOps[hash] = true
}

func (self *MutableObjectBase) emitOpEvent(target MutableObject, op MutationOp) {
	if relay := target.base().relay; relay != nil {
		relay.Emit(MutationEvent{
			Emitter:        target,
			Action:         MutationEventApplyOp,
			Data:           op,
			MutableContent: true,
		})
	}
}
