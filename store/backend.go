package store

import (
	"strings"

	"github.com/hashweave/weave/data"

	"golang.org/x/exp/slices"
)

// StoredOpHeader is the per-op causal header computed at save time. The
// header hash is deterministic over the op hash and the ordered predecessor
// header hashes, and is the unit sync protocols exchange.
type StoredOpHeader struct {
	OpHash        data.Hash               `json:"opHash"`
	PrevOpHeaders map[data.Hash]data.Hash `json:"prevOpHeaders"` // op hash -> header hash
	HeaderHash    data.Hash               `json:"headerHash"`
}

func ComputeOpHeader(opHash data.Hash, prevOpHeaders map[data.Hash]data.Hash) (*StoredOpHeader, error) {
	prevHeaderHashes := []any{}
	sortedPrev := []string{}
	for _, headerHash := range prevOpHeaders {
		sortedPrev = append(sortedPrev, string(headerHash))
	}
	slices.Sort(sortedPrev)
	for _, headerHash := range sortedPrev {
		prevHeaderHashes = append(prevHeaderHashes, headerHash)
	}
	headerHash, err := data.HashValue([]any{string(opHash), prevHeaderHashes})
	if err != nil {
		return nil, err
	}
	return &StoredOpHeader{
		OpHash:        opHash,
		PrevOpHeaders: prevOpHeaders,
		HeaderHash:    headerHash,
	}, nil
}

// TerminalOpsInfo tracks, per mutable, the frontier of its op DAG.
type TerminalOpsInfo struct {
	LastOp      data.Hash   `json:"lastOp"`
	TerminalOps []data.Hash `json:"terminalOps"`
}

type SearchOrder string

const (
	SearchOrderAsc  SearchOrder = "asc"
	SearchOrderDesc SearchOrder = "desc"
)

type SearchParams struct {
	Order SearchOrder
	Limit int
	// opaque cursor from a previous result
	Start string
}

type SearchResults struct {
	Literals []*data.Literal
	// cursor for the next batch; "" when the iteration is done
	Start string
	End   bool
}

type StoredLiteralCallback func(literal *data.Literal)

// Backend is the key-value persistence contract the store drives. Store must
// be atomic per call and idempotent per literal hash.
type Backend interface {
	Store(literal *data.Literal, header *StoredOpHeader) error
	Load(hash data.Hash) (*data.Literal, error)
	LoadTerminalOpsForMutable(hash data.Hash) (*TerminalOpsInfo, error)
	LoadOpHeader(opHash data.Hash) (*StoredOpHeader, error)
	LoadOpHeaderByHeaderHash(headerHash data.Hash) (*StoredOpHeader, error)
	SearchByClass(className string, params *SearchParams) (*SearchResults, error)
	SearchByReference(referringPath string, referencedHash data.Hash, params *SearchParams) (*SearchResults, error)
	SearchByReferencingClass(referringClassName string, referringPath string, referencedHash data.Hash, params *SearchParams) (*SearchResults, error)
	SetStoredObjectCallback(callback StoredLiteralCallback)
	Close() error
	GetName() string
	GetBackendName() string
}

// dependencyIndexPaths expands a dependency path into every dot-suffix, so a
// search for a field path also matches the same field nested inside another
// literal tree ("reason.targetOp" answers queries for "targetOp").
func dependencyIndexPaths(path string) []string {
	paths := []string{path}
	for {
		i := strings.Index(path, ".")
		if i < 0 {
			break
		}
		path = path[i+1:]
		paths = append(paths, path)
	}
	return paths
}

// opLiteralInfo extracts the pieces of an op literal that drive terminal-op
// maintenance.
func opLiteralInfo(literal *data.Literal) (targetObject data.Hash, prevOps []data.Hash, isOp bool, tracksTerminal bool) {
	if !literal.HasFlag(data.FlagOp) {
		return "", nil, false, false
	}
	targets := literal.DirectDependencyHashes("targetObject", data.DependencyLiteral)
	if len(targets) != 1 {
		return "", nil, true, false
	}
	// cascaded invalidations live outside the mutable's linear history
	tracksTerminal = !literal.HasFlag(data.FlagCascade)
	return targets[0], literal.DirectDependencyHashes("prevOps", data.DependencyReference), true, tracksTerminal
}
