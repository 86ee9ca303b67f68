package store

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/hashweave/weave/data"
	"github.com/hashweave/weave/util"
)

type StoreSettings struct {
	// batch size for index iteration
	BatchSize int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		BatchSize: 64,
	}
}

// Store orchestrates saves and loads over a backend: it enforces dependency
// completeness, signs authored objects, computes causal headers for ops,
// maintains the cascade-invalidation closure, and fans out watch callbacks.
//
// Save is not reentrant over the same object graph: callers must not issue
// overlapping saves for the same root hash. Saves of distinct roots are
// independent.
type Store struct {
	backend  Backend
	settings *StoreSettings

	watchLock               sync.Mutex
	classCallbacks          map[string]*util.CallbackList[StoredLiteralCallback]
	referenceCallbacks      map[string]*util.CallbackList[StoredLiteralCallback]
	classReferenceCallbacks map[string]*util.CallbackList[StoredLiteralCallback]
}

func NewStoreWithDefaults(backend Backend) *Store {
	return NewStore(backend, DefaultStoreSettings())
}

func NewStore(backend Backend, settings *StoreSettings) *Store {
	store := &Store{
		backend:                 backend,
		settings:                settings,
		classCallbacks:          map[string]*util.CallbackList[StoredLiteralCallback]{},
		referenceCallbacks:      map[string]*util.CallbackList[StoredLiteralCallback]{},
		classReferenceCallbacks: map[string]*util.CallbackList[StoredLiteralCallback]{},
	}
	backend.SetStoredObjectCallback(store.onStored)
	return store
}

func (self *Store) Name() string {
	return self.backend.GetName()
}

func (self *Store) Close() error {
	return self.backend.Close()
}

// save

func (self *Store) Save(object data.HashedObject) error {
	context, rootHash, err := data.ToContext(object)
	if err != nil {
		return err
	}

	// dependency completeness: every dependency, including references, must
	// be in the context or already stored, under its declared class
	missing := []data.Hash{}
	checked := map[data.Hash]bool{}
	for _, dependency := range context.AllDependencies() {
		if checked[dependency.Hash] {
			continue
		}
		checked[dependency.Hash] = true
		if literal, ok := context.Literals[dependency.Hash]; ok {
			if className := literal.ClassName(); className != dependency.ClassName {
				return &ClassMismatchError{
					Hash:     dependency.Hash,
					Declared: dependency.ClassName,
					Stored:   className,
				}
			}
			continue
		}
		stored, err := self.backend.Load(dependency.Hash)
		if err != nil {
			return err
		}
		if stored == nil {
			missing = append(missing, dependency.Hash)
			continue
		}
		if className := stored.ClassName(); className != dependency.ClassName {
			return &ClassMismatchError{
				Hash:     dependency.Hash,
				Declared: dependency.ClassName,
				Stored:   className,
			}
		}
	}
	if 0 < len(missing) {
		return &MissingDependenciesError{Hashes: missing}
	}

	saved := map[data.Hash]bool{}
	if err := self.saveWithContext(context, rootHash, saved); err != nil {
		return err
	}

	// flush mutation queues of the object and its direct literal dependencies.
	// this is non-recursive across op boundaries.
	if mutable, ok := object.(data.MutableObject); ok {
		if err := mutable.SaveQueuedOps(self); err != nil {
			return err
		}
	}
	rootLiteral := context.Literals[rootHash]
	for _, dependency := range rootLiteral.Dependencies {
		if !dependency.Direct || dependency.Type != data.DependencyLiteral {
			continue
		}
		if mutable, ok := context.Objects[dependency.Hash].(data.MutableObject); ok {
			if err := mutable.SaveQueuedOps(self); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Store) saveWithContext(context *data.Context, hash data.Hash, saved map[data.Hash]bool) error {
	if saved[hash] {
		return nil
	}
	saved[hash] = true

	literal, ok := context.Literals[hash]
	if !ok {
		return fmt.Errorf("literal %s missing from save context", hash)
	}

	// dependency order: literal dependencies persist before the dependent
	for _, dependency := range literal.Dependencies {
		if dependency.Type != data.DependencyLiteral || !context.Has(dependency.Hash) {
			continue
		}
		if err := self.saveWithContext(context, dependency.Hash, saved); err != nil {
			return err
		}
	}

	object := context.Objects[hash]
	if object != nil {
		self.bindObject(object)
		object.SetLastHash(hash)

		if literal.Author != "" && literal.Signature == "" && object.ShouldSignOnSave() {
			signature, err := object.Author().Sign(hash)
			if err != nil {
				return fmt.Errorf("sign %s: %w", hash, err)
			}
			literal.Signature = signature
			object.SetLastSignature(signature)
		}
	}

	var header *StoredOpHeader
	if literal.HasFlag(data.FlagOp) {
		prevOpHeaders := map[data.Hash]data.Hash{}
		for _, prevOpHash := range literal.DirectDependencyHashes("prevOps", data.DependencyReference) {
			prevHeader, err := self.backend.LoadOpHeader(prevOpHash)
			if err != nil {
				return err
			}
			if prevHeader == nil {
				return &MissingPrevOpHeaderError{OpHash: prevOpHash}
			}
			prevOpHeaders[prevOpHash] = prevHeader.HeaderHash
		}
		var err error
		header, err = ComputeOpHeader(hash, prevOpHeaders)
		if err != nil {
			return err
		}
	}

	if err := self.backend.Store(literal, header); err != nil {
		return err
	}

	if op, ok := object.(data.MutationOp); ok {
		if err := self.causalMaintenance(context, op, literal, saved); err != nil {
			return err
		}
	}
	return nil
}

// causalMaintenance keeps the invariant: for every stored op, if one of its
// causal preconditions is (or becomes) invalidated, a corresponding cascaded
// invalidation also exists in the store.
func (self *Store) causalMaintenance(context *data.Context, op data.MutationOp, literal *data.Literal, saved map[data.Hash]bool) error {
	// a newly saved op picks up invalidations of its causal preconditions
	for _, causalOpHash := range literal.DirectDependencyHashes("causalOps", data.DependencyReference) {
		invalidators, err := self.LoadAllInvalidations(causalOpHash)
		if err != nil {
			return err
		}
		for _, invalidator := range invalidators {
			applies := false
			switch invalidatorOp := invalidator.(type) {
			case *data.InvalidateAfterOp:
				sameTarget, err := sameTargetObject(invalidatorOp, op)
				if err != nil {
					return err
				}
				applies = sameTarget
			case *data.CascadedInvalidateOp:
				applies = true
			}
			if !applies {
				continue
			}
			if err := self.saveCascade(context, op, invalidator, saved); err != nil {
				return err
			}
		}
	}

	// a newly saved invalidation propagates to the existing consequences of
	// its target op
	if !data.IsInvalidationOp(op) {
		return nil
	}
	targetOp, _ := data.InvalidationTargetOp(op)
	targetOpHash, err := data.HashObject(targetOp)
	if err != nil {
		return err
	}
	consequences, err := self.LoadAllConsequences(targetOpHash)
	if err != nil {
		return err
	}
	switch invalidator := op.(type) {
	case *data.InvalidateAfterOp:
		valid, err := self.prevOpsClosure(invalidator.TerminalOps.ReferenceHashes())
		if err != nil {
			return err
		}
		for _, consequence := range consequences {
			consequenceHash, err := data.HashObject(consequence)
			if err != nil {
				return err
			}
			if valid[consequenceHash] {
				continue
			}
			if err := self.saveCascade(context, consequence, invalidator, saved); err != nil {
				return err
			}
		}
	case *data.CascadedInvalidateOp:
		// a cascaded invalidation spreads unconditionally
		for _, consequence := range consequences {
			if err := self.saveCascade(context, consequence, invalidator, saved); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Store) saveCascade(context *data.Context, targetOp data.MutationOp, reason data.MutationOp, saved map[data.Hash]bool) error {
	cascade := data.NewCascadedInvalidateOp(targetOp, reason)
	cascadeHash, err := data.LiteralizeInContext(cascade, context)
	if err != nil {
		return err
	}
	glog.V(1).Infof("store %s: cascade invalidation %s (target %s)", self.Name(), cascadeHash, targetOp.ClassName())
	return self.saveWithContext(context, cascadeHash, saved)
}

func sameTargetObject(a data.MutationOp, b data.MutationOp) (bool, error) {
	hashA, err := data.HashObject(a.Target())
	if err != nil {
		return false, err
	}
	hashB, err := data.HashObject(b.Target())
	if err != nil {
		return false, err
	}
	return hashA == hashB, nil
}

// prevOpsClosure walks prevOps references backward from a terminal set and
// returns every op hash reached, terminals included.
func (self *Store) prevOpsClosure(terminalOps []data.Hash) (map[data.Hash]bool, error) {
	closure := map[data.Hash]bool{}
	pending := append([]data.Hash{}, terminalOps...)
	for 0 < len(pending) {
		next := pending[0]
		pending = pending[1:]
		if closure[next] {
			continue
		}
		closure[next] = true
		literal, err := self.backend.Load(next)
		if err != nil {
			return nil, err
		}
		if literal == nil {
			continue
		}
		pending = append(pending, literal.DirectDependencyHashes("prevOps", data.DependencyReference)...)
	}
	return closure, nil
}

// load

func (self *Store) LoadLiteral(hash data.Hash) (*data.Literal, error) {
	return self.backend.Load(hash)
}

func (self *Store) Load(hash data.Hash) (data.HashedObject, error) {
	context := self.newLoadContext()
	return self.loadWithContext(context, hash)
}

// LoadWithMutations loads an object and, if it is mutable, replays all its
// stored changes.
func (self *Store) LoadWithMutations(hash data.Hash) (data.HashedObject, error) {
	object, err := self.Load(hash)
	if err != nil || object == nil {
		return object, err
	}
	if mutable, ok := object.(data.MutableObject); ok {
		if err := self.LoadAllChanges(mutable); err != nil {
			return nil, err
		}
	}
	return object, nil
}

func (self *Store) newLoadContext() *data.Context {
	context := data.NewContext()
	context.Resources = &data.Resources{
		Store: self,
	}
	return context
}

func (self *Store) loadWithContext(context *data.Context, hash data.Hash) (data.HashedObject, error) {
	if object, ok := context.Objects[hash]; ok {
		return object, nil
	}
	if !context.Has(hash) {
		literal, err := self.backend.Load(hash)
		if err != nil {
			return nil, err
		}
		if literal == nil {
			return nil, nil
		}
		context.Literals[hash] = literal
	}
	// the root literal's dependency list is transitive, one pass suffices
	for _, dependency := range context.Literals[hash].Dependencies {
		if dependency.Type != data.DependencyLiteral || context.Has(dependency.Hash) {
			continue
		}
		literal, err := self.backend.Load(dependency.Hash)
		if err != nil {
			return nil, err
		}
		if literal == nil {
			return nil, &MissingDependenciesError{Hashes: []data.Hash{dependency.Hash}}
		}
		context.Literals[dependency.Hash] = literal
	}

	object, err := data.FromContext(context, hash)
	if err != nil {
		return nil, err
	}
	object.SetLastHash(hash)
	self.bindObject(object)

	// an identity without its key pair picks it up from the same store
	if identity, ok := object.(*data.Identity); ok && !identity.HasKeyPair() {
		if err := self.attachKeyPair(identity); err != nil {
			return nil, err
		}
	}
	return object, nil
}

func (self *Store) attachKeyPair(identity *data.Identity) error {
	keyPairHash, err := data.KeyPairHashForPublicKey(identity.PublicKey, "")
	if err != nil {
		return err
	}
	literal, err := self.backend.Load(keyPairHash)
	if err != nil || literal == nil {
		return err
	}
	object, err := self.Load(keyPairHash)
	if err != nil {
		return err
	}
	if keyPair, ok := object.(*data.KeyPair); ok {
		return identity.AttachKeyPair(keyPair)
	}
	return nil
}

// index queries

func (self *Store) LoadByClass(className string, params *SearchParams) ([]data.HashedObject, string, error) {
	results, err := self.backend.SearchByClass(className, params)
	if err != nil {
		return nil, "", err
	}
	return self.loadSearchResults(results)
}

func (self *Store) LoadByReference(referringPath string, referencedHash data.Hash, params *SearchParams) ([]data.HashedObject, string, error) {
	results, err := self.backend.SearchByReference(referringPath, referencedHash, params)
	if err != nil {
		return nil, "", err
	}
	return self.loadSearchResults(results)
}

func (self *Store) LoadByReferencingClass(referringClassName string, referringPath string, referencedHash data.Hash, params *SearchParams) ([]data.HashedObject, string, error) {
	results, err := self.backend.SearchByReferencingClass(referringClassName, referringPath, referencedHash, params)
	if err != nil {
		return nil, "", err
	}
	return self.loadSearchResults(results)
}

func (self *Store) loadSearchResults(results *SearchResults) ([]data.HashedObject, string, error) {
	// results share one context, so a shared subgraph loads once
	context := self.newLoadContext()
	objects := []data.HashedObject{}
	for _, literal := range results.Literals {
		context.Literals[literal.Hash] = literal
		object, err := self.loadWithContext(context, literal.Hash)
		if err != nil {
			return nil, "", err
		}
		if object != nil {
			objects = append(objects, object)
		}
	}
	return objects, results.Start, nil
}

// LoadAllInvalidations returns every stored invalidation op that targets the
// given op, in ascending store order.
func (self *Store) LoadAllInvalidations(targetOpHash data.Hash) ([]data.MutationOp, error) {
	return self.iterateOps("targetOp", targetOpHash, func(literal *data.Literal) bool {
		className := literal.ClassName()
		return className == data.InvalidateAfterOpClassName || className == data.CascadedInvalidateOpClassName
	})
}

// LoadAllConsequences returns every stored op that lists the given op among
// its causal preconditions.
func (self *Store) LoadAllConsequences(opHash data.Hash) ([]data.MutationOp, error) {
	return self.iterateOps("causalOps", opHash, nil)
}

// LoadAllOps returns every stored op targeting a mutable, ascending.
func (self *Store) LoadAllOps(targetObjectHash data.Hash) ([]data.MutationOp, error) {
	return self.iterateOps("targetObject", targetObjectHash, nil)
}

func (self *Store) iterateOps(path string, hash data.Hash, filter func(literal *data.Literal) bool) ([]data.MutationOp, error) {
	context := self.newLoadContext()
	ops := []data.MutationOp{}
	seen := map[data.Hash]bool{}
	params := &SearchParams{
		Order: SearchOrderAsc,
		Limit: self.settings.BatchSize,
	}
	for {
		results, err := self.backend.SearchByReference(path, hash, params)
		if err != nil {
			return nil, err
		}
		for _, literal := range results.Literals {
			if seen[literal.Hash] {
				continue
			}
			seen[literal.Hash] = true
			if !literal.HasFlag(data.FlagOp) {
				continue
			}
			if filter != nil && !filter(literal) {
				continue
			}
			context.Literals[literal.Hash] = literal
			object, err := self.loadWithContext(context, literal.Hash)
			if err != nil {
				return nil, err
			}
			if op, ok := object.(data.MutationOp); ok {
				ops = append(ops, op)
			}
		}
		if results.End || results.Start == "" {
			return ops, nil
		}
		params = &SearchParams{
			Order: SearchOrderAsc,
			Limit: self.settings.BatchSize,
			Start: results.Start,
		}
	}
}

func (self *Store) LoadTerminalOps(mutableHash data.Hash) (*TerminalOpsInfo, error) {
	return self.backend.LoadTerminalOpsForMutable(mutableHash)
}

func (self *Store) LoadOpHeader(opHash data.Hash) (*StoredOpHeader, error) {
	return self.backend.LoadOpHeader(opHash)
}

func (self *Store) LoadOpHeaderByHeaderHash(headerHash data.Hash) (*StoredOpHeader, error) {
	return self.backend.LoadOpHeaderByHeaderHash(headerHash)
}

// LoadAllChanges replays every stored non-invalidation op against a loaded
// mutable, in ascending store order.
func (self *Store) LoadAllChanges(mutable data.MutableObject) error {
	targetHash := mutable.LastHash()
	if targetHash == "" {
		hash, err := data.HashObject(mutable)
		if err != nil {
			return err
		}
		targetHash = hash
	}
	context := self.newLoadContext()
	// ops resolve their target to this very instance
	context.Objects[targetHash] = mutable

	seen := map[data.Hash]bool{}
	params := &SearchParams{
		Order: SearchOrderAsc,
		Limit: self.settings.BatchSize,
	}
	for {
		results, err := self.backend.SearchByReference("targetObject", targetHash, params)
		if err != nil {
			return err
		}
		for _, literal := range results.Literals {
			if seen[literal.Hash] {
				continue
			}
			seen[literal.Hash] = true
			if !literal.HasFlag(data.FlagOp) {
				continue
			}
			className := literal.ClassName()
			if className == data.InvalidateAfterOpClassName || className == data.CascadedInvalidateOpClassName {
				continue
			}
			// only ops whose direct target is this mutable
			if len(literal.DirectDependencyHashes("targetObject", data.DependencyLiteral)) != 1 ||
				literal.DirectDependencyHashes("targetObject", data.DependencyLiteral)[0] != targetHash {
				continue
			}
			context.Literals[literal.Hash] = literal
			object, err := self.loadWithContext(context, literal.Hash)
			if err != nil {
				return err
			}
			if op, ok := object.(data.MutationOp); ok {
				if err := mutable.ApplyLoadedOp(op); err != nil {
					return err
				}
			}
		}
		if results.End || results.Start == "" {
			return nil
		}
		params = &SearchParams{
			Order: SearchOrderAsc,
			Limit: self.settings.BatchSize,
			Start: results.Start,
		}
	}
}

// watch

func (self *Store) WatchClass(className string, callback StoredLiteralCallback) func() {
	self.watchLock.Lock()
	defer self.watchLock.Unlock()

	callbacks, ok := self.classCallbacks[className]
	if !ok {
		callbacks = util.NewCallbackList[StoredLiteralCallback]()
		self.classCallbacks[className] = callbacks
	}
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *Store) WatchReferences(referringPath string, referencedHash data.Hash, callback StoredLiteralCallback) func() {
	self.watchLock.Lock()
	defer self.watchLock.Unlock()

	key := referenceIndexKey(referringPath, referencedHash)
	callbacks, ok := self.referenceCallbacks[key]
	if !ok {
		callbacks = util.NewCallbackList[StoredLiteralCallback]()
		self.referenceCallbacks[key] = callbacks
	}
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *Store) WatchClassReferences(referringClassName string, referringPath string, referencedHash data.Hash, callback StoredLiteralCallback) func() {
	self.watchLock.Lock()
	defer self.watchLock.Unlock()

	key := classReferenceIndexKey(referringClassName, referringPath, referencedHash)
	callbacks, ok := self.classReferenceCallbacks[key]
	if !ok {
		callbacks = util.NewCallbackList[StoredLiteralCallback]()
		self.classReferenceCallbacks[key] = callbacks
	}
	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// onStored fires matching watch callbacks for every literal the backend
// persists. Callbacks under one watch key fire in registration order; class
// watchers fire first, then reference watchers, then class-reference
// watchers, and the order between different reference keys is not defined.
// A panicking callback does not prevent the others from running.
func (self *Store) onStored(literal *data.Literal) {
	className := literal.ClassName()

	referenceKeys := map[string]bool{}
	classReferenceKeys := map[string]bool{}
	for _, dependency := range literal.Dependencies {
		for _, path := range dependencyIndexPaths(dependency.Path) {
			referenceKeys[referenceIndexKey(path, dependency.Hash)] = true
			classReferenceKeys[classReferenceIndexKey(className, path, dependency.Hash)] = true
		}
	}

	matched := []StoredLiteralCallback{}
	func() {
		self.watchLock.Lock()
		defer self.watchLock.Unlock()

		if callbacks, ok := self.classCallbacks[className]; ok {
			matched = append(matched, callbacks.Get()...)
		}
		for key := range referenceKeys {
			if callbacks, ok := self.referenceCallbacks[key]; ok {
				matched = append(matched, callbacks.Get()...)
			}
		}
		for key := range classReferenceKeys {
			if callbacks, ok := self.classReferenceCallbacks[key]; ok {
				matched = append(matched, callbacks.Get()...)
			}
		}
	}()

	for _, callback := range matched {
		util.HandleError(func() {
			callback(literal)
		})
	}
}

func (self *Store) bindObject(object data.HashedObject) {
	resources := object.Resources()
	if resources == nil {
		data.SetResources(object, &data.Resources{
			Store: self,
		})
		return
	}
	if resources.Store == nil {
		resources.Store = self
	}
}
