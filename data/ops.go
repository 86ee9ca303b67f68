package data

const InvalidateAfterOpClassName = "weave/v0/InvalidateAfterOp"
const CascadedInvalidateOpClassName = "weave/v0/CascadedInvalidateOp"

// literal flags
const FlagOp = "op"
const FlagMutable = "mutable"
const FlagCascade = "cascade"

func init() {
	RegisterClass(InvalidateAfterOpClassName, func() HashedObject {
		return &InvalidateAfterOp{}
	})
	RegisterClass(CascadedInvalidateOpClassName, func() HashedObject {
		return &CascadedInvalidateOp{}
	})
}

// MutationOp is one change to a mutable object, with explicit causal
// predecessors within the same target (prevOps) and optional cross-object
// preconditions (causalOps).
type MutationOp interface {
	HashedObject
	Target() HashedObject
	PrevOpRefs() *HashedSet
	SetPrevOps(prevOps *HashedSet)
	CausalOpRefs() *HashedSet
	SetCausalOps(causalOps *HashedSet)

	mutationOpBase() *MutationOpBase
}

type MutationOpBase struct {
	HashedObjectBase
	TargetObject HashedObject
	PrevOps      *HashedSet
	CausalOps    *HashedSet
}

func (self *MutationOpBase) mutationOpBase() *MutationOpBase {
	return self
}

func (self *MutationOpBase) Target() HashedObject {
	return self.TargetObject
}

func (self *MutationOpBase) PrevOpRefs() *HashedSet {
	return self.PrevOps
}

func (self *MutationOpBase) SetPrevOps(prevOps *HashedSet) {
	self.PrevOps = prevOps
}

func (self *MutationOpBase) CausalOpRefs() *HashedSet {
	return self.CausalOps
}

func (self *MutationOpBase) SetCausalOps(causalOps *HashedSet) {
	self.CausalOps = causalOps
}

func (self *MutationOpBase) LiteralFlags() []string {
	return []string{FlagOp}
}

func (self *MutationOpBase) Validate(references map[Hash]HashedObject) bool {
	if self.TargetObject == nil {
		return false
	}
	if !validateRefSet(self.PrevOps) || !validateRefSet(self.CausalOps) {
		return false
	}
	return true
}

// a prevOps / causalOps / terminalOps set may only hold hash references
func validateRefSet(set *HashedSet) bool {
	if set == nil {
		return true
	}
	for _, element := range set.Elements() {
		if _, ok := element.(*HashReference); !ok {
			return false
		}
	}
	return true
}

// InvalidateAfterOp marks that every consequence of its target op that is not
// an ancestor of the terminalOps set must be invalidated.
type InvalidateAfterOp struct {
	MutationOpBase
	TargetOp    MutationOp
	TerminalOps *HashedSet
}

func NewInvalidateAfterOp(targetOp MutationOp, terminalOps ...MutationOp) (*InvalidateAfterOp, error) {
	terminalRefs := NewHashedSet()
	for _, terminalOp := range terminalOps {
		reference, err := ReferenceTo(terminalOp)
		if err != nil {
			return nil, err
		}
		if err := terminalRefs.Add(reference); err != nil {
			return nil, err
		}
	}
	op := &InvalidateAfterOp{
		TargetOp:    targetOp,
		TerminalOps: terminalRefs,
	}
	op.TargetObject = targetOp.Target()
	op.PrevOps = NewHashedSet()
	op.Init()
	return op, nil
}

func (self *InvalidateAfterOp) ClassName() string {
	return InvalidateAfterOpClassName
}

func (self *InvalidateAfterOp) Validate(references map[Hash]HashedObject) bool {
	if !self.MutationOpBase.Validate(references) {
		return false
	}
	if self.TargetOp == nil || !validateRefSet(self.TerminalOps) {
		return false
	}
	// invalidation is bounded to a single mutable
	if self.TargetOp.Target() == self.TargetObject {
		return true
	}
	targetOpTarget, err := HashObject(self.TargetOp.Target())
	if err != nil {
		return false
	}
	ownTarget, err := HashObject(self.TargetObject)
	if err != nil {
		return false
	}
	return targetOpTarget == ownTarget
}

// CascadedInvalidateOp transmits an invalidation to a consequent op. It is
// generated by the store, never by applications, and is fully determined by
// (targetOp, reason) so replicas converge on the same hash.
type CascadedInvalidateOp struct {
	MutationOpBase
	TargetOp MutationOp
	Reason   MutationOp
}

func NewCascadedInvalidateOp(targetOp MutationOp, reason MutationOp) *CascadedInvalidateOp {
	op := &CascadedInvalidateOp{
		TargetOp: targetOp,
		Reason:   reason,
	}
	op.TargetObject = targetOp.Target()
	op.PrevOps = NewHashedSet()
	op.Init()
	return op
}

func (self *CascadedInvalidateOp) ClassName() string {
	return CascadedInvalidateOpClassName
}

func (self *CascadedInvalidateOp) LiteralFlags() []string {
	return []string{FlagOp, FlagCascade}
}

func (self *CascadedInvalidateOp) Validate(references map[Hash]HashedObject) bool {
	if !self.MutationOpBase.Validate(references) {
		return false
	}
	if self.TargetOp == nil || self.Reason == nil {
		return false
	}
	switch self.Reason.(type) {
	case *InvalidateAfterOp, *CascadedInvalidateOp:
	default:
		return false
	}
	if self.PrevOps == nil || self.PrevOps.Size() != 0 {
		return false
	}
	return true
}

// IsInvalidationOp reports whether an object is an invalidate-after or
// cascaded-invalidate op.
func IsInvalidationOp(object HashedObject) bool {
	switch object.(type) {
	case *InvalidateAfterOp, *CascadedInvalidateOp:
		return true
	default:
		return false
	}
}

// InvalidationTargetOp returns the op an invalidation op invalidates.
func InvalidationTargetOp(object HashedObject) (MutationOp, bool) {
	switch op := object.(type) {
	case *InvalidateAfterOp:
		return op.TargetOp, true
	case *CascadedInvalidateOp:
		return op.TargetOp, true
	default:
		return nil, false
	}
}
