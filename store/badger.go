package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/golang/glog"

	"github.com/hashweave/weave/data"
)

type BadgerBackendSettings struct {
	Path string
	// no disk persistence, for tests and throwaway nodes
	InMemory   bool
	SyncWrites bool
}

func DefaultBadgerBackendSettings(path string) *BadgerBackendSettings {
	return &BadgerBackendSettings{
		Path:       path,
		SyncWrites: true,
	}
}

func InMemoryBadgerBackendSettings() *BadgerBackendSettings {
	return &BadgerBackendSettings{
		InMemory: true,
	}
}

// BadgerBackend keeps literals, headers and the secondary indexes in a
// badger keyspace. Index keys embed a zero-padded store sequence so badger's
// lexicographic iteration is ascending insertion order.
//
//	l/<hash>                      literal json
//	h/<opHash>                    op header json
//	hh/<headerHash>               op hash
//	t/<mutableHash>               terminal ops json
//	cx/<class>/<seq>              literal hash
//	rf/<path>#<refHash>/<seq>     literal hash
//	cr/<class>#<path>#<refHash>/<seq>  literal hash
type BadgerBackend struct {
	name     string
	settings *BadgerBackendSettings
	db       *badger.DB

	writeLock sync.Mutex

	storedCallback StoredLiteralCallback
}

func NewBadgerBackend(name string, settings *BadgerBackendSettings) (*BadgerBackend, error) {
	var options badger.Options
	if settings.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		options = badger.DefaultOptions(settings.Path).WithSyncWrites(settings.SyncWrites)
	}
	options = options.WithLogger(&badgerGlogAdapter{})
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return &BadgerBackend{
		name:     name,
		settings: settings,
		db:       db,
	}, nil
}

const badgerSequenceKey = "meta/sequence"

func (self *BadgerBackend) Store(literal *data.Literal, header *StoredOpHeader) error {
	literalBytes, err := json.Marshal(literal)
	if err != nil {
		return err
	}

	// the write lock keeps the sequence counter and the terminal op
	// read-modify-write atomic across concurrent saves
	self.writeLock.Lock()
	stored := false
	err = self.db.Update(func(txn *badger.Txn) error {
		literalKey := []byte("l/" + literal.Hash)
		if _, err := txn.Get(literalKey); err == nil {
			// idempotent per hash
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		sequence := uint64(0)
		if item, err := txn.Get([]byte(badgerSequenceKey)); err == nil {
			if err := item.Value(func(value []byte) error {
				sequence, err = strconv.ParseUint(string(value), 10, 64)
				return err
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		sequence += 1
		sequenceKey := fmt.Sprintf("%020d", sequence)
		if err := txn.Set([]byte(badgerSequenceKey), []byte(strconv.FormatUint(sequence, 10))); err != nil {
			return err
		}

		if err := txn.Set(literalKey, literalBytes); err != nil {
			return err
		}

		className := literal.ClassName()
		hashValue := []byte(literal.Hash)
		if err := txn.Set([]byte("cx/"+className+"/"+sequenceKey), hashValue); err != nil {
			return err
		}
		for _, dependency := range literal.Dependencies {
			for _, path := range dependencyIndexPaths(dependency.Path) {
				referenceKey := "rf/" + referenceIndexKey(path, dependency.Hash) + "/" + sequenceKey
				if err := txn.Set([]byte(referenceKey), hashValue); err != nil {
					return err
				}
				classReferenceKey := "cr/" + classReferenceIndexKey(className, path, dependency.Hash) + "/" + sequenceKey
				if err := txn.Set([]byte(classReferenceKey), hashValue); err != nil {
					return err
				}
			}
		}

		if header != nil {
			headerBytes, err := json.Marshal(header)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte("h/"+header.OpHash), headerBytes); err != nil {
				return err
			}
			if err := txn.Set([]byte("hh/"+header.HeaderHash), []byte(header.OpHash)); err != nil {
				return err
			}
		}

		if targetObject, prevOps, isOp, tracksTerminal := opLiteralInfo(literal); isOp && tracksTerminal {
			info := &TerminalOpsInfo{}
			terminalKey := []byte("t/" + targetObject)
			if item, err := txn.Get(terminalKey); err == nil {
				if err := item.Value(func(value []byte) error {
					return json.Unmarshal(value, info)
				}); err != nil {
					return err
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			terminal := []data.Hash{}
			for _, terminalOp := range info.TerminalOps {
				prev := false
				for _, prevOp := range prevOps {
					if terminalOp == prevOp {
						prev = true
						break
					}
				}
				if !prev {
					terminal = append(terminal, terminalOp)
				}
			}
			terminal = append(terminal, literal.Hash)
			infoBytes, err := json.Marshal(&TerminalOpsInfo{
				LastOp:      literal.Hash,
				TerminalOps: terminal,
			})
			if err != nil {
				return err
			}
			if err := txn.Set(terminalKey, infoBytes); err != nil {
				return err
			}
		}

		stored = true
		return nil
	})
	self.writeLock.Unlock()
	if err != nil {
		return err
	}

	if stored && self.storedCallback != nil {
		self.storedCallback(literal)
	}
	return nil
}

func (self *BadgerBackend) Load(hash data.Hash) (*data.Literal, error) {
	literal := &data.Literal{}
	found := false
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("l/" + hash))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, literal)
		})
	})
	if err != nil || !found {
		return nil, err
	}
	return literal, nil
}

func (self *BadgerBackend) LoadTerminalOpsForMutable(hash data.Hash) (*TerminalOpsInfo, error) {
	info := &TerminalOpsInfo{}
	found := false
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("t/" + hash))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, info)
		})
	})
	if err != nil || !found {
		return nil, err
	}
	return info, nil
}

func (self *BadgerBackend) LoadOpHeader(opHash data.Hash) (*StoredOpHeader, error) {
	header := &StoredOpHeader{}
	found := false
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("h/" + opHash))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, header)
		})
	})
	if err != nil || !found {
		return nil, err
	}
	return header, nil
}

func (self *BadgerBackend) LoadOpHeaderByHeaderHash(headerHash data.Hash) (*StoredOpHeader, error) {
	var opHash data.Hash
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("hh/" + headerHash))
		if err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			opHash = data.Hash(value)
			return nil
		})
	})
	if err != nil || opHash == "" {
		return nil, err
	}
	return self.LoadOpHeader(opHash)
}

func (self *BadgerBackend) SearchByClass(className string, params *SearchParams) (*SearchResults, error) {
	return self.search("cx/"+className+"/", params)
}

func (self *BadgerBackend) SearchByReference(referringPath string, referencedHash data.Hash, params *SearchParams) (*SearchResults, error) {
	return self.search("rf/"+referenceIndexKey(referringPath, referencedHash)+"/", params)
}

func (self *BadgerBackend) SearchByReferencingClass(referringClassName string, referringPath string, referencedHash data.Hash, params *SearchParams) (*SearchResults, error) {
	return self.search("cr/"+classReferenceIndexKey(referringClassName, referringPath, referencedHash)+"/", params)
}

func (self *BadgerBackend) search(prefix string, params *SearchParams) (*SearchResults, error) {
	if params == nil {
		params = &SearchParams{}
	}
	descending := params.Order == SearchOrderDesc

	hashes := []data.Hash{}
	lastSequence := ""
	err := self.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(prefix)
		options.Reverse = descending
		iterator := txn.NewIterator(options)
		defer iterator.Close()

		seek := []byte(prefix)
		if descending {
			// just past the end of the prefix range
			seek = append([]byte(prefix), 0xff)
		}
		for iterator.Seek(seek); iterator.ValidForPrefix([]byte(prefix)); iterator.Next() {
			item := iterator.Item()
			sequenceKey := string(item.Key()[len(prefix):])
			if params.Start != "" {
				if !descending && sequenceKey <= params.Start {
					continue
				}
				if descending && params.Start <= sequenceKey {
					continue
				}
			}
			if 0 < params.Limit && params.Limit <= len(hashes) {
				return nil
			}
			if err := item.Value(func(value []byte) error {
				hashes = append(hashes, data.Hash(value))
				return nil
			}); err != nil {
				return err
			}
			lastSequence = sequenceKey
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := &SearchResults{
		Literals: []*data.Literal{},
		Start:    lastSequence,
		End:      params.Limit <= 0 || len(hashes) < params.Limit,
	}
	for _, hash := range hashes {
		literal, err := self.Load(hash)
		if err != nil {
			return nil, err
		}
		if literal != nil {
			results.Literals = append(results.Literals, literal)
		}
	}
	return results, nil
}

func (self *BadgerBackend) SetStoredObjectCallback(callback StoredLiteralCallback) {
	self.storedCallback = callback
}

func (self *BadgerBackend) Close() error {
	return self.db.Close()
}

func (self *BadgerBackend) GetName() string {
	return self.name
}

func (self *BadgerBackend) GetBackendName() string {
	return "badger"
}

// badgerGlogAdapter routes badger's internal logging to glog.
type badgerGlogAdapter struct{}

func (self *badgerGlogAdapter) Errorf(format string, args ...any) {
	glog.Errorf(format, args...)
}

func (self *badgerGlogAdapter) Warningf(format string, args ...any) {
	glog.Warningf(format, args...)
}

func (self *badgerGlogAdapter) Infof(format string, args ...any) {
	if glog.V(1) {
		glog.Infof(format, args...)
	}
}

func (self *badgerGlogAdapter) Debugf(format string, args ...any) {
	if glog.V(2) {
		glog.Infof(format, args...)
	}
}
