package data

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/multiformats/go-multihash"
	"github.com/oklog/ulid/v2"
)

// Hash is a lowercase hex sha2-256 digest of a canonical value rendering.
type Hash string

// the canonical value domain is booleans, finite numbers, strings,
// ordered arrays, and objects with lexicographically sorted keys.
// null and any other type are rejected.

func HashValue(value any) (Hash, error) {
	return HashValueWithSeed(value, "")
}

// the seed is concatenated into the preimage. Used for derived id
// generation and for signed non-storable challenges.
func HashValueWithSeed(value any, seed string) (Hash, error) {
	preimage, err := canonicalEncode(value)
	if err != nil {
		return "", err
	}
	if seed != "" {
		preimage = append(preimage, []byte(seed)...)
	}
	mh, err := multihash.Sum(preimage, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return Hash(hex.EncodeToString(decoded.Digest)), nil
}

func RequireHashValue(value any) Hash {
	hash, err := HashValue(value)
	if err != nil {
		panic(err)
	}
	return hash
}

// DerivedId computes the id of a child object from its parent's id and the
// field path. The parent id is a component of the child id, so operations on
// a subtree remain content-addressable without pointer mutation.
func DerivedId(parentId string, path string) (string, error) {
	hash, err := HashValue("#" + parentId + "." + path)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// RandomId returns a random 128-bit id, hex encoded.
func RandomId() string {
	id := ulid.Make()
	return hex.EncodeToString(id[:])
}

func canonicalEncode(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("%w: null value", ErrInvalidLiteral)
	case bool:
		if v {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case string:
		return json.Marshal(v)
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return canonicalEncodeFloat(float64(v))
	case float64:
		return canonicalEncodeFloat(v)
	case Hash:
		return json.Marshal(string(v))
	case []any:
		buffer := []byte{'['}
		for i, item := range v {
			if 0 < i {
				buffer = append(buffer, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buffer = append(buffer, itemBytes...)
		}
		return append(buffer, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buffer := []byte{'{'}
		for i, key := range keys {
			if 0 < i {
				buffer = append(buffer, ',')
			}
			keyBytes, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			buffer = append(buffer, keyBytes...)
			buffer = append(buffer, ':')
			valueBytes, err := canonicalEncode(v[key])
			if err != nil {
				return nil, err
			}
			buffer = append(buffer, valueBytes...)
		}
		return append(buffer, '}'), nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidLiteral, value)
	}
}

// integral floats up to 2^53 in magnitude (the range a json round trip keeps
// exact) render as integers so that a json round trip of a literal does not
// change its hash
func canonicalEncodeFloat(v float64) ([]byte, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: non-finite number", ErrInvalidLiteral)
	}
	if v == math.Trunc(v) && math.Abs(v) <= 1<<53 {
		return strconv.AppendInt(nil, int64(v), 10), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}
