package data

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

const testNoteClassName = "weave-test/Note"
const testShelfClassName = "weave-test/Shelf"
const testCounterClassName = "weave-test/Counter"
const testIncOpClassName = "weave-test/IncOp"

func init() {
	RegisterClass(testNoteClassName, func() HashedObject {
		return &testNote{}
	})
	RegisterClass(testShelfClassName, func() HashedObject {
		return &testShelf{}
	})
	RegisterClass(testCounterClassName, func() HashedObject {
		return &testCounter{}
	})
	RegisterClass(testIncOpClassName, func() HashedObject {
		return &testIncOp{}
	})
}

type testNote struct {
	HashedObjectBase
	Title string
	Tags  []string
}

func (self *testNote) ClassName() string {
	return testNoteClassName
}

type testShelf struct {
	HashedObjectBase
	Name    string
	Pinned  *testNote
	Notes   *HashedSet
	Lookup  *HashedMap
	ByRef   *HashReference
	Details *HashedMap
}

func (self *testShelf) ClassName() string {
	return testShelfClassName
}

type testCounter struct {
	MutableObjectBase
	Name string

	value int64
}

func (self *testCounter) ClassName() string {
	return testCounterClassName
}

func (self *testCounter) Mutate(op MutationOp) (bool, error) {
	if inc, ok := op.(*testIncOp); ok {
		self.value += inc.Amount
		return true, nil
	}
	return false, nil
}

func (self *testCounter) Increment(amount int64) (*testIncOp, error) {
	op := &testIncOp{
		Amount: amount,
	}
	op.TargetObject = self
	return op, self.ApplyNewOp(op)
}

type testIncOp struct {
	MutationOpBase
	Amount int64
}

func (self *testIncOp) ClassName() string {
	return testIncOpClassName
}

func newTestShelf() *testShelf {
	pinned := &testNote{Title: "pinned", Tags: []string{"a", "b"}}
	notes := NewHashedSet()
	notes.Add(&testNote{Title: "one"})
	notes.Add("loose item")
	lookup := NewHashedMap()
	lookup.Put("k1", "v1")
	lookup.Put("k2", int64(7))
	return &testShelf{
		Name:   "shelf",
		Pinned: pinned,
		Notes:  notes,
		Lookup: lookup,
		ByRef:  RequireReferenceTo(&testNote{Title: "referenced"}),
	}
}

func TestContentAddress(t *testing.T) {
	shelf := newTestShelf()

	context, hash, err := ToContext(shelf)
	assert.Equal(t, err, nil)

	literal := context.Literals[hash]
	computed, err := HashValue(literal.Value)
	assert.Equal(t, err, nil)
	assert.Equal(t, computed, hash)
	assert.Equal(t, shelf.LastHash(), hash)

	// the same object literalizes to the same hash
	_, hash2, err := ToContext(newTestShelf())
	assert.Equal(t, err, nil)
	assert.Equal(t, hash2, hash)

	// deliteralize round trip
	loadContext := &Context{
		Literals: context.Literals,
		Objects:  map[Hash]HashedObject{},
	}
	loaded, err := FromContext(loadContext, hash)
	assert.Equal(t, err, nil)
	loadedShelf := loaded.(*testShelf)
	assert.Equal(t, loadedShelf.Name, "shelf")
	assert.Equal(t, loadedShelf.Pinned.Title, "pinned")
	assert.Equal(t, loadedShelf.Pinned.Tags, []string{"a", "b"})
	assert.Equal(t, loadedShelf.Notes.Size(), 2)
	assert.Equal(t, loadedShelf.Notes.Has("loose item"), true)
	value, ok := loadedShelf.Lookup.Get("k2")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, int64(7))
	assert.Equal(t, RequireHashObject(loaded), hash)
}

func TestLiteralJsonRoundTripKeepsHash(t *testing.T) {
	shelf := newTestShelf()
	context, hash, err := ToContext(shelf)
	assert.Equal(t, err, nil)

	// a literal persisted as json and reloaded must keep its hash and still
	// deliteralize
	reloadContext := NewContext()
	for literalHash, literal := range context.Literals {
		encoded, err := json.Marshal(literal)
		assert.Equal(t, err, nil)
		reloaded := &Literal{}
		err = json.Unmarshal(encoded, reloaded)
		assert.Equal(t, err, nil)
		reloadContext.Literals[literalHash] = reloaded
	}

	computed, err := HashValue(reloadContext.Literals[hash].Value)
	assert.Equal(t, err, nil)
	assert.Equal(t, computed, hash)

	loaded, err := FromContextWithValidation(reloadContext, hash)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.(*testShelf).Name, "shelf")
	value, ok := loaded.(*testShelf).Lookup.Get("k2")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, int64(7))
}

func TestClone(t *testing.T) {
	shelf := newTestShelf()
	clone, err := Clone(shelf)
	assert.Equal(t, err, nil)
	assert.Equal(t, RequireHashObject(clone), RequireHashObject(shelf))
	assert.Equal(t, clone.(*testShelf).Pinned != shelf.Pinned, true)
}

func TestCollectionCanonicalization(t *testing.T) {
	a := &testNote{Title: "a"}
	b := &testNote{Title: "b"}
	c := &testNote{Title: "c"}

	set1 := NewHashedSet()
	set1.Add(b)
	set1.Add(a)
	set1.Add(c)
	set2 := NewHashedSet()
	set2.Add(c)
	set2.Add(a)
	set2.Add(b)

	shelf1 := &testShelf{Name: "s", Notes: set1}
	shelf2 := &testShelf{Name: "s", Notes: set2}

	context1, hash1, err := ToContext(shelf1)
	assert.Equal(t, err, nil)
	context2, hash2, err := ToContext(shelf2)
	assert.Equal(t, err, nil)
	assert.Equal(t, hash1, hash2)

	bytes1, err := canonicalEncode(context1.Literals[hash1].Value)
	assert.Equal(t, err, nil)
	bytes2, err := canonicalEncode(context2.Literals[hash2].Value)
	assert.Equal(t, err, nil)
	assert.Equal(t, bytes1, bytes2)

	map1 := NewHashedMap()
	map1.Put("x", "1")
	map1.Put("y", "2")
	map2 := NewHashedMap()
	map2.Put("y", "2")
	map2.Put("x", "1")
	shelf3 := &testShelf{Name: "m", Lookup: map1}
	shelf4 := &testShelf{Name: "m", Lookup: map2}
	assert.Equal(t, RequireHashObject(shelf3), RequireHashObject(shelf4))
}

func TestDerivedIds(t *testing.T) {
	shelf := newTestShelf()
	err := AddDerivedField(shelf, "pinned")
	assert.Equal(t, err, nil)

	err = SetId(shelf, "root-id")
	assert.Equal(t, err, nil)

	expected, err := DerivedId("root-id", "pinned")
	assert.Equal(t, err, nil)
	assert.Equal(t, shelf.Pinned.Id(), expected)
	assert.Equal(t, CheckDerivedField(shelf, "pinned"), true)

	// resetting the parent id cascades
	err = SetId(shelf, "other-id")
	assert.Equal(t, err, nil)
	expected, err = DerivedId("other-id", "pinned")
	assert.Equal(t, err, nil)
	assert.Equal(t, shelf.Pinned.Id(), expected)
	assert.Equal(t, CheckDerivedField(shelf, "pinned"), true)
}

func TestAuthoredValidation(t *testing.T) {
	keyPair := RequireKeyPair()
	identity := NewIdentity(keyPair, nil)

	note := &testNote{Title: "signed"}
	note.SetAuthor(identity)

	context, hash, err := ToContext(note)
	assert.Equal(t, err, nil)

	signature, err := identity.Sign(hash)
	assert.Equal(t, err, nil)
	note.SetLastSignature(signature)

	// re-literalize so the signature attaches to the literal
	context, hash2, err := ToContext(note)
	assert.Equal(t, err, nil)
	assert.Equal(t, hash2, hash)
	assert.Equal(t, context.Literals[hash].Signature, signature)

	loadContext := &Context{
		Literals: context.Literals,
		Objects:  map[Hash]HashedObject{},
	}
	loaded, err := FromContextWithValidation(loadContext, hash)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.base().author.PublicKey, identity.PublicKey)

	// a tampered signature is rejected
	otherKeyPair := RequireKeyPair()
	badSignature, err := otherKeyPair.Sign(hash)
	assert.Equal(t, err, nil)
	context.Literals[hash].Signature = badSignature
	_, err = FromContextWithValidation(&Context{
		Literals: context.Literals,
		Objects:  map[Hash]HashedObject{},
	}, hash)
	assert.NotEqual(t, err, nil)

	// a missing signature is rejected
	context.Literals[hash].Signature = ""
	_, err = FromContextWithValidation(&Context{
		Literals: context.Literals,
		Objects:  map[Hash]HashedObject{},
	}, hash)
	assert.NotEqual(t, err, nil)
}

func TestWrongHashRejected(t *testing.T) {
	note := &testNote{Title: "x"}
	context, hash, err := ToContext(note)
	assert.Equal(t, err, nil)

	literal := context.Literals[hash]
	tampered := Hash("00" + string(hash[2:]))
	if tampered == hash {
		tampered = Hash("ff" + string(hash[2:]))
	}
	literal.Hash = tampered
	tamperedContext := NewContext()
	tamperedContext.Literals[tampered] = literal

	_, err = FromContextWithValidation(tamperedContext, tampered)
	assert.NotEqual(t, err, nil)
}

func TestIdentityCustomHash(t *testing.T) {
	keyPair := RequireKeyPair()
	identity := NewIdentity(keyPair, nil)

	hash, err := HashObject(identity)
	assert.Equal(t, err, nil)
	expected, err := HashValue(identity.PublicKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, hash, expected)

	// the identity hash is stable without the private key
	bare := &Identity{PublicKey: keyPair.PublicKey}
	assert.Equal(t, RequireHashObject(bare), hash)
}

func TestCanonicalValueRules(t *testing.T) {
	_, err := HashValue(nil)
	assert.NotEqual(t, err, nil)

	_, err = HashValue(map[string]any{"f": func() {}})
	assert.NotEqual(t, err, nil)

	// key order does not matter, value order in arrays does
	hash1 := RequireHashValue(map[string]any{"a": int64(1), "b": "x"})
	hash2 := RequireHashValue(map[string]any{"b": "x", "a": int64(1)})
	assert.Equal(t, hash1, hash2)
	hash3 := RequireHashValue([]any{int64(1), int64(2)})
	hash4 := RequireHashValue([]any{int64(2), int64(1)})
	assert.NotEqual(t, hash3, hash4)

	// integral floats and ints render identically
	assert.Equal(t, RequireHashValue(float64(7)), RequireHashValue(int64(7)))

	// seeds change the preimage
	seeded, err := HashValueWithSeed("v", "seed")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, seeded, RequireHashValue("v"))
}

func TestDependencyTracking(t *testing.T) {
	shelf := newTestShelf()
	context, hash, err := ToContext(shelf)
	assert.Equal(t, err, nil)

	literal := context.Literals[hash]

	pinnedHash := RequireHashObject(shelf.Pinned)
	pinnedDeps := literal.DirectDependencyHashes("pinned", DependencyLiteral)
	assert.Equal(t, pinnedDeps, []Hash{pinnedHash})

	refDeps := literal.DirectDependencyHashes("byRef", DependencyReference)
	assert.Equal(t, refDeps, []Hash{shelf.ByRef.Hash})

	// nested set members appear as dependencies at the container's path
	foundNoteDep := false
	for _, dependency := range literal.Dependencies {
		if dependency.Path == "notes" && dependency.Type == DependencyLiteral {
			foundNoteDep = true
			assert.Equal(t, dependency.Direct, true)
		}
	}
	assert.Equal(t, foundNoteDep, true)
}

func TestMutableOpQueue(t *testing.T) {
	counter := &testCounter{Name: "c"}

	op1, err := counter.Increment(2)
	assert.Equal(t, err, nil)
	op2, err := counter.Increment(3)
	assert.Equal(t, err, nil)

	assert.Equal(t, counter.value, int64(5))
	assert.Equal(t, counter.HasQueuedOps(), true)

	// the second op's prevOps chain to the first
	assert.Equal(t, op1.PrevOpRefs().Size(), 0)
	assert.Equal(t, op2.PrevOpRefs().Size(), 1)
	assert.Equal(t, op2.PrevOpRefs().ReferenceHashes(), []Hash{RequireHashObject(op1)})
	assert.Equal(t, counter.TerminalOpHashes(), []Hash{RequireHashObject(op2)})
}

func TestEventRelayChaining(t *testing.T) {
	counter := &testCounter{Name: "inner"}

	// chain through a set is not required; chain through a direct field is
	holder := &testHolder{Inner: counter}
	relay := EventRelayOf(holder)

	events := []MutationEvent{}
	relay.AddObserver(func(event MutationEvent) {
		events = append(events, event)
	})

	_, err := counter.Increment(1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 1)
	assert.Equal(t, events[0].Path, "inner")
	assert.Equal(t, events[0].Action, MutationEventApplyOp)

	// the cascade toggle stops mutable content events
	relay.SetCascadeMutableContentEvents(false)
	_, err = counter.Increment(1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(events), 1)
}

func TestAliasingDeduplicatesSharedSubgraphs(t *testing.T) {
	shared := &testNote{Title: "shared"}
	sharedHash := RequireHashObject(shared)

	shelf := &testShelf{
		Name:   "aliased",
		Pinned: &testNote{Title: "shared"},
	}
	resources := &Resources{
		Aliasing: map[Hash]HashedObject{
			sharedHash: shared,
		},
	}
	SetResources(shelf, resources)

	context, hash, err := ToContext(shelf)
	assert.Equal(t, err, nil)
	// the aliased instance stands in for the equal subobject
	assert.Equal(t, context.Objects[sharedHash] == shared, true)

	loadContext := &Context{
		Literals:  context.Literals,
		Objects:   map[Hash]HashedObject{},
		Resources: resources,
	}
	loaded, err := FromContext(loadContext, hash)
	assert.Equal(t, err, nil)
	assert.Equal(t, loadContext.Objects[sharedHash] == shared, true)
	assert.Equal(t, loaded.(*testShelf).Name, "aliased")
}

const testHolderClassName = "weave-test/Holder"

func init() {
	RegisterClass(testHolderClassName, func() HashedObject {
		return &testHolder{}
	})
}

type testHolder struct {
	HashedObjectBase
	Inner *testCounter
}

func (self *testHolder) ClassName() string {
	return testHolderClassName
}
