// Package hashkernel implements the engine's deterministic canonical-JSON
// and part-based hashing primitives. Callers own canonicalization: values
// are expected to already be rendered into JSON-safe shapes (strings,
// float64/int, bool, nil, []any, map[string]any) before reaching
// StableJSONStringify, and big integers must be pre-rendered as decimal
// strings by the caller.
package hashkernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashPartsVersion is the version tag returned alongside every digest
// produced by HashParts. Bump it (and mint a new constant) when the
// concatenation scheme changes; never reuse a version number.
const HashPartsVersion = 1

// ErrUnsupportedValue is returned by StableJSONStringify when it encounters
// a value it cannot canonicalize deterministically (e.g. a big integer
// represented as a numeric type rather than a decimal string).
type ErrUnsupportedValue struct {
	Value any
}

func (e ErrUnsupportedValue) Error() string {
	return fmt.Sprintf("hashkernel: unsupported value for canonicalization: %#v", e.Value)
}

// StableJSONStringify renders value as canonical JSON: object keys are
// sorted lexicographically, absent (nil map entry) properties are omitted,
// array order is preserved, and scalar types pass through unchanged.
func StableJSONStringify(value any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, value); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case string:
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(enc)
		return nil
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(enc)
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k, val := range v {
			if val == nil {
				continue // absent values are omitted, not nulled
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyEnc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyEnc)
			b.WriteByte(':')
			if err := writeCanonical(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	default:
		return ErrUnsupportedValue{Value: value}
	}
}

// HashParts concatenates parts with a single '\n' separator and returns the
// SHA-256 hex digest plus the hash-parts version tag.
func HashParts(parts []string) (digestHex string, version int) {
	joined := strings.Join(parts, "\n")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), HashPartsVersion
}
