package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/hashweave/weave/data"

	"golang.org/x/exp/slices"
)

type indexEntry struct {
	sequence uint64
	hash     data.Hash
}

// MemoryBackend is the reference in-process backend. Literals go through a
// json round trip on store, so loads see exactly what a persistent backend
// would return.
type MemoryBackend struct {
	name string

	stateLock sync.Mutex

	sequence            uint64
	literals            map[data.Hash]*data.Literal
	sequences           map[data.Hash]uint64
	headers             map[data.Hash]*StoredOpHeader
	headersByHeaderHash map[data.Hash]data.Hash
	terminalOps         map[data.Hash]*TerminalOpsInfo
	classIndex          map[string][]indexEntry
	referenceIndex      map[string][]indexEntry
	classReferenceIndex map[string][]indexEntry

	storedCallback StoredLiteralCallback
}

func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{
		name:                name,
		literals:            map[data.Hash]*data.Literal{},
		sequences:           map[data.Hash]uint64{},
		headers:             map[data.Hash]*StoredOpHeader{},
		headersByHeaderHash: map[data.Hash]data.Hash{},
		terminalOps:         map[data.Hash]*TerminalOpsInfo{},
		classIndex:          map[string][]indexEntry{},
		referenceIndex:      map[string][]indexEntry{},
		classReferenceIndex: map[string][]indexEntry{},
	}
}

func referenceIndexKey(path string, hash data.Hash) string {
	return path + "#" + string(hash)
}

func classReferenceIndexKey(className string, path string, hash data.Hash) string {
	return className + "#" + path + "#" + string(hash)
}

func (self *MemoryBackend) Store(literal *data.Literal, header *StoredOpHeader) error {
	copied, err := copyLiteral(literal)
	if err != nil {
		return err
	}

	stored := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.literals[copied.Hash]; ok {
			// idempotent per hash
			return
		}
		self.sequence += 1
		sequence := self.sequence
		self.literals[copied.Hash] = copied
		self.sequences[copied.Hash] = sequence

		entry := indexEntry{
			sequence: sequence,
			hash:     copied.Hash,
		}
		className := copied.ClassName()
		self.classIndex[className] = append(self.classIndex[className], entry)
		for _, dependency := range copied.Dependencies {
			for _, path := range dependencyIndexPaths(dependency.Path) {
				referenceKey := referenceIndexKey(path, dependency.Hash)
				self.referenceIndex[referenceKey] = append(self.referenceIndex[referenceKey], entry)
				classReferenceKey := classReferenceIndexKey(className, path, dependency.Hash)
				self.classReferenceIndex[classReferenceKey] = append(self.classReferenceIndex[classReferenceKey], entry)
			}
		}

		if header != nil {
			self.headers[header.OpHash] = header
			self.headersByHeaderHash[header.HeaderHash] = header.OpHash
		}

		if targetObject, prevOps, isOp, tracksTerminal := opLiteralInfo(copied); isOp && tracksTerminal {
			info := self.terminalOps[targetObject]
			if info == nil {
				info = &TerminalOpsInfo{}
			}
			terminal := slices.Clone(info.TerminalOps)
			for _, prevOp := range prevOps {
				if i := slices.Index(terminal, prevOp); 0 <= i {
					terminal = slices.Delete(terminal, i, i+1)
				}
			}
			terminal = append(terminal, copied.Hash)
			self.terminalOps[targetObject] = &TerminalOpsInfo{
				LastOp:      copied.Hash,
				TerminalOps: terminal,
			}
		}
		stored = true
	}()

	if stored && self.storedCallback != nil {
		self.storedCallback(copied)
	}
	return nil
}

func (self *MemoryBackend) Load(hash data.Hash) (*data.Literal, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.literals[hash], nil
}

func (self *MemoryBackend) LoadTerminalOpsForMutable(hash data.Hash) (*TerminalOpsInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.terminalOps[hash], nil
}

func (self *MemoryBackend) LoadOpHeader(opHash data.Hash) (*StoredOpHeader, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.headers[opHash], nil
}

func (self *MemoryBackend) LoadOpHeaderByHeaderHash(headerHash data.Hash) (*StoredOpHeader, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	opHash, ok := self.headersByHeaderHash[headerHash]
	if !ok {
		return nil, nil
	}
	return self.headers[opHash], nil
}

func (self *MemoryBackend) SearchByClass(className string, params *SearchParams) (*SearchResults, error) {
	self.stateLock.Lock()
	entries := slices.Clone(self.classIndex[className])
	self.stateLock.Unlock()
	return self.search(entries, params)
}

func (self *MemoryBackend) SearchByReference(referringPath string, referencedHash data.Hash, params *SearchParams) (*SearchResults, error) {
	self.stateLock.Lock()
	entries := slices.Clone(self.referenceIndex[referenceIndexKey(referringPath, referencedHash)])
	self.stateLock.Unlock()
	return self.search(entries, params)
}

func (self *MemoryBackend) SearchByReferencingClass(referringClassName string, referringPath string, referencedHash data.Hash, params *SearchParams) (*SearchResults, error) {
	self.stateLock.Lock()
	entries := slices.Clone(self.classReferenceIndex[classReferenceIndexKey(referringClassName, referringPath, referencedHash)])
	self.stateLock.Unlock()
	return self.search(entries, params)
}

func (self *MemoryBackend) search(entries []indexEntry, params *SearchParams) (*SearchResults, error) {
	if params == nil {
		params = &SearchParams{}
	}
	descending := params.Order == SearchOrderDesc
	if descending {
		slices.Reverse(entries)
	}
	if params.Start != "" {
		cursor, err := strconv.ParseUint(params.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed search cursor: %w", err)
		}
		filtered := []indexEntry{}
		for _, entry := range entries {
			if (!descending && cursor < entry.sequence) || (descending && entry.sequence < cursor) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	end := true
	if 0 < params.Limit && params.Limit < len(entries) {
		entries = entries[:params.Limit]
		end = false
	}

	results := &SearchResults{
		Literals: []*data.Literal{},
		End:      end,
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, entry := range entries {
		results.Literals = append(results.Literals, self.literals[entry.hash])
	}
	if 0 < len(entries) {
		results.Start = strconv.FormatUint(entries[len(entries)-1].sequence, 10)
	}
	return results, nil
}

func (self *MemoryBackend) SetStoredObjectCallback(callback StoredLiteralCallback) {
	self.storedCallback = callback
}

func (self *MemoryBackend) Close() error {
	return nil
}

func (self *MemoryBackend) GetName() string {
	return self.name
}

func (self *MemoryBackend) GetBackendName() string {
	return "memory"
}

func copyLiteral(literal *data.Literal) (*data.Literal, error) {
	encoded, err := json.Marshal(literal)
	if err != nil {
		return nil, err
	}
	copied := &data.Literal{}
	if err := json.Unmarshal(encoded, copied); err != nil {
		return nil, err
	}
	return copied, nil
}
