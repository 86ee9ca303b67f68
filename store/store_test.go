package store

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/hashweave/weave/data"
)

const chatRoomClassName = "ChatRoom"
const sayOpClassName = "ChatRoom/SayOp"

func init() {
	data.RegisterClass(chatRoomClassName, func() data.HashedObject {
		return &chatRoom{}
	})
	data.RegisterClass(sayOpClassName, func() data.HashedObject {
		return &sayOp{}
	})
}

type chatRoom struct {
	data.MutableObjectBase
	Topic string

	messages []string
}

func newChatRoom(topic string) *chatRoom {
	return &chatRoom{
		Topic: topic,
	}
}

func (self *chatRoom) ClassName() string {
	return chatRoomClassName
}

func (self *chatRoom) Mutate(op data.MutationOp) (bool, error) {
	if say, ok := op.(*sayOp); ok {
		self.messages = append(self.messages, say.Text)
		return true, nil
	}
	return false, nil
}

func (self *chatRoom) Say(text string) (*sayOp, error) {
	op := &sayOp{
		Text: text,
	}
	op.TargetObject = self
	return op, self.ApplyNewOp(op)
}

type sayOp struct {
	data.MutationOpBase
	Text string
}

func (self *sayOp) ClassName() string {
	return sayOpClassName
}

func newSayOp(room *chatRoom, text string) *sayOp {
	op := &sayOp{
		Text: text,
	}
	op.TargetObject = room
	op.PrevOps = data.NewHashedSet()
	return op
}

func newTestStore() *Store {
	return NewStoreWithDefaults(NewMemoryBackend("test"))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("test")

	err := store.Save(room)
	assert.Equal(t, err, nil)
	hash := room.LastHash()
	assert.NotEqual(t, hash, data.Hash(""))

	loaded, err := store.Load(hash)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.ClassName(), chatRoomClassName)
	assert.Equal(t, loaded.(*chatRoom).Topic, "test")
	assert.Equal(t, loaded.Resources().Store != nil, true)

	// loading an unknown hash is not an error
	missing, err := store.Load(data.Hash("00ff"))
	assert.Equal(t, err, nil)
	assert.Equal(t, missing, nil)
}

func TestMissingDependenciesRefused(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("r")

	// an op whose causal precondition was never saved is refused
	op := newSayOp(room, "hi")
	other := newSayOp(room, "never saved")
	op.SetCausalOps(data.NewHashedSet(data.RequireReferenceTo(other)))

	err := store.Save(op)
	missingError, ok := err.(*MissingDependenciesError)
	assert.Equal(t, ok, true)
	assert.Equal(t, missingError.Hashes, []data.Hash{data.RequireHashObject(other)})
}

// two isolated stores; authored object exported from one, imported into the
// other with full validation
func TestExportImportWithValidation(t *testing.T) {
	store1 := newTestStore()

	backend2, err := NewBadgerBackend("import", InMemoryBadgerBackendSettings())
	assert.Equal(t, err, nil)
	store2 := NewStoreWithDefaults(backend2)
	defer store2.Close()

	keyPair := data.RequireKeyPair()
	identity := data.NewIdentity(keyPair, nil)
	err = store1.Save(keyPair)
	assert.Equal(t, err, nil)
	err = store1.Save(identity)
	assert.Equal(t, err, nil)

	room := newChatRoom("test")
	room.SetAuthor(identity)
	err = store1.Save(room)
	assert.Equal(t, err, nil)
	roomHash := room.LastHash()

	// export the literal tree, rebuild with validation, save remotely
	importContext := data.NewContext()
	roomLiteral, err := store1.LoadLiteral(roomHash)
	assert.Equal(t, err, nil)
	importContext.Literals[roomHash] = roomLiteral
	for _, dependency := range roomLiteral.Dependencies {
		if dependency.Type != data.DependencyLiteral {
			continue
		}
		literal, err := store1.LoadLiteral(dependency.Hash)
		assert.Equal(t, err, nil)
		importContext.Literals[dependency.Hash] = literal
	}
	imported, err := data.FromContextWithValidation(importContext, roomHash)
	assert.Equal(t, err, nil)

	err = store2.Save(imported)
	assert.Equal(t, err, nil)

	loaded, err := store2.Load(roomHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.ClassName(), chatRoomClassName)
	assert.Equal(t, loaded.Author().PublicKey, identity.PublicKey)
	assert.Equal(t, identity.Verify(roomHash, loaded.LastSignature()), true)
}

func TestIdentityKeyPairPickup(t *testing.T) {
	store := newTestStore()
	keyPair := data.RequireKeyPair()
	identity := data.NewIdentity(keyPair, nil)

	err := store.Save(keyPair)
	assert.Equal(t, err, nil)
	err = store.Save(identity)
	assert.Equal(t, err, nil)

	loaded, err := store.Load(data.RequireHashObject(identity))
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.(*data.Identity).HasKeyPair(), true)
}

func TestOpHeaders(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("r")

	op1, err := room.Say("one")
	assert.Equal(t, err, nil)
	op2, err := room.Say("two")
	assert.Equal(t, err, nil)

	err = store.Save(room)
	assert.Equal(t, err, nil)

	hash1 := data.RequireHashObject(op1)
	hash2 := data.RequireHashObject(op2)

	header1, err := store.LoadOpHeader(hash1)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(header1.PrevOpHeaders), 0)

	header2, err := store.LoadOpHeader(hash2)
	assert.Equal(t, err, nil)
	assert.Equal(t, header2.PrevOpHeaders[hash1], header1.HeaderHash)

	// deterministic over op hash and ordered predecessor header hashes
	recomputed, err := ComputeOpHeader(hash2, map[data.Hash]data.Hash{hash1: header1.HeaderHash})
	assert.Equal(t, err, nil)
	assert.Equal(t, recomputed.HeaderHash, header2.HeaderHash)

	byHeaderHash, err := store.LoadOpHeaderByHeaderHash(header2.HeaderHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, byHeaderHash.OpHash, hash2)

	// terminal ops track the frontier
	info, err := store.LoadTerminalOps(room.LastHash())
	assert.Equal(t, err, nil)
	assert.Equal(t, info.LastOp, hash2)
	assert.Equal(t, info.TerminalOps, []data.Hash{hash2})
}

func TestMissingPrevOpHeaderRefused(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("r")

	unsaved := newSayOp(room, "unsaved")

	op := newSayOp(room, "next")
	op.PrevOps = data.NewHashedSet(data.RequireReferenceTo(unsaved))

	err := store.Save(op)
	// the reference itself is missing, so the save is refused before headers
	_, ok := err.(*MissingDependenciesError)
	assert.Equal(t, ok, true)

	// once the literal exists but its header does not, the header check fires
	unsavedContext, unsavedHash, err := data.ToContext(unsaved)
	assert.Equal(t, err, nil)
	err = store.backend.Store(unsavedContext.Literals[unsavedHash], nil)
	assert.Equal(t, err, nil)

	err = store.Save(op)
	headerError, ok := err.(*MissingPrevOpHeaderError)
	assert.Equal(t, ok, true)
	assert.Equal(t, headerError.OpHash, unsavedHash)
}

// causal invalidation: save A (causalOps={C}), then invalidate C; a cascaded
// invalidation of A must appear at its deterministic hash
func TestCausalInvalidationCascade(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("m")

	opC := newSayOp(room, "c")
	err := store.Save(opC)
	assert.Equal(t, err, nil)
	hashC := data.RequireHashObject(opC)

	opA := newSayOp(room, "a")
	opA.SetCausalOps(data.NewHashedSet(data.RequireReferenceTo(opC)))
	err = store.Save(opA)
	assert.Equal(t, err, nil)

	invalidate, err := data.NewInvalidateAfterOp(opC)
	assert.Equal(t, err, nil)
	err = store.Save(invalidate)
	assert.Equal(t, err, nil)

	expectedCascade := data.NewCascadedInvalidateOp(opA, invalidate)
	expectedCascadeHash := data.RequireHashObject(expectedCascade)

	// both the invalidate-after op and the cascade answer a targetOp query
	// for C
	objects, _, err := store.LoadByReference("targetOp", hashC, nil)
	assert.Equal(t, err, nil)
	classNames := map[string]int{}
	foundCascade := false
	for _, object := range objects {
		classNames[object.ClassName()] += 1
		if object.LastHash() == expectedCascadeHash {
			foundCascade = true
		}
	}
	assert.Equal(t, classNames[data.InvalidateAfterOpClassName], 1)
	assert.Equal(t, 1 <= classNames[data.CascadedInvalidateOpClassName], true)
	assert.Equal(t, foundCascade, true)

	// exactly one cascade exists at the deterministic hash
	literal, err := store.LoadLiteral(expectedCascadeHash)
	assert.Equal(t, err, nil)
	assert.Equal(t, literal.ClassName(), data.CascadedInvalidateOpClassName)
}

// the opposite order: the invalidation exists first, then a causally
// dependent op arrives and is invalidated on arrival
func TestCausalInvalidationOnArrival(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("m")

	opC := newSayOp(room, "c")
	err := store.Save(opC)
	assert.Equal(t, err, nil)

	invalidate, err := data.NewInvalidateAfterOp(opC)
	assert.Equal(t, err, nil)
	err = store.Save(invalidate)
	assert.Equal(t, err, nil)

	opA := newSayOp(room, "late")
	opA.SetCausalOps(data.NewHashedSet(data.RequireReferenceTo(opC)))
	err = store.Save(opA)
	assert.Equal(t, err, nil)

	expectedCascade := data.NewCascadedInvalidateOp(opA, invalidate)
	literal, err := store.LoadLiteral(data.RequireHashObject(expectedCascade))
	assert.Equal(t, err, nil)
	assert.Equal(t, literal.ClassName(), data.CascadedInvalidateOpClassName)
}

// ops inside the terminal-op closure stay valid
func TestInvalidateAfterSparesValidDescendants(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("m")

	opC := newSayOp(room, "c")
	err := store.Save(opC)
	assert.Equal(t, err, nil)

	// kept depends on C and is inside the terminal closure
	kept := newSayOp(room, "kept")
	kept.SetCausalOps(data.NewHashedSet(data.RequireReferenceTo(opC)))
	err = store.Save(kept)
	assert.Equal(t, err, nil)

	// dropped depends on C and is outside
	dropped := newSayOp(room, "dropped")
	dropped.SetCausalOps(data.NewHashedSet(data.RequireReferenceTo(opC)))
	err = store.Save(dropped)
	assert.Equal(t, err, nil)

	invalidate, err := data.NewInvalidateAfterOp(opC, kept)
	assert.Equal(t, err, nil)
	err = store.Save(invalidate)
	assert.Equal(t, err, nil)

	keptCascade := data.NewCascadedInvalidateOp(kept, invalidate)
	literal, err := store.LoadLiteral(data.RequireHashObject(keptCascade))
	assert.Equal(t, err, nil)
	assert.Equal(t, literal, nil)

	droppedCascade := data.NewCascadedInvalidateOp(dropped, invalidate)
	literal, err = store.LoadLiteral(data.RequireHashObject(droppedCascade))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, literal, nil)
}

func TestLoadWithMutations(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("replay")

	_, err := room.Say("one")
	assert.Equal(t, err, nil)
	_, err = room.Say("two")
	assert.Equal(t, err, nil)
	err = store.Save(room)
	assert.Equal(t, err, nil)

	loaded, err := store.LoadWithMutations(room.LastHash())
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.(*chatRoom).messages, []string{"one", "two"})
}

func TestWatchCallbacks(t *testing.T) {
	store := newTestStore()
	room := newChatRoom("watched")
	err := store.Save(room)
	assert.Equal(t, err, nil)
	roomHash := room.LastHash()

	classHits := []data.Hash{}
	store.WatchClass(sayOpClassName, func(literal *data.Literal) {
		classHits = append(classHits, literal.Hash)
	})
	referenceHits := []data.Hash{}
	store.WatchReferences("targetObject", roomHash, func(literal *data.Literal) {
		referenceHits = append(referenceHits, literal.Hash)
	})
	classReferenceHits := []data.Hash{}
	store.WatchClassReferences(sayOpClassName, "targetObject", roomHash, func(literal *data.Literal) {
		classReferenceHits = append(classReferenceHits, literal.Hash)
	})
	// a panicking callback must not block the rest
	store.WatchClass(sayOpClassName, func(literal *data.Literal) {
		panic("broken watcher")
	})
	lateHits := 0
	store.WatchClass(sayOpClassName, func(literal *data.Literal) {
		lateHits += 1
	})

	op := newSayOp(room, "ping")
	err = store.Save(op)
	assert.Equal(t, err, nil)
	opHash := data.RequireHashObject(op)

	assert.Equal(t, classHits, []data.Hash{opHash})
	assert.Equal(t, referenceHits, []data.Hash{opHash})
	assert.Equal(t, classReferenceHits, []data.Hash{opHash})
	assert.Equal(t, lateHits, 1)

	// re-saving the same literal does not fire again
	err = store.Save(op)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(classHits), 1)
}

func TestLoadByClass(t *testing.T) {
	store := newTestStore()
	room1 := newChatRoom("one")
	room2 := newChatRoom("two")
	err := store.Save(room1)
	assert.Equal(t, err, nil)
	err = store.Save(room2)
	assert.Equal(t, err, nil)

	objects, _, err := store.LoadByClass(chatRoomClassName, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(objects), 2)
	assert.Equal(t, objects[0].(*chatRoom).Topic, "one")
	assert.Equal(t, objects[1].(*chatRoom).Topic, "two")
}
