// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of coordination-runtime state:
// envelopes, session summaries, and any other structure whose hash must be
// stable across Go map iteration order and encoder version.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard encoding/json (so struct tags and
// custom MarshalJSON methods are honored), then every string leaf is
// normalized to NFC — the same golang.org/x/text/unicode/norm pass the
// teacher's csnf.Canonicalize runs before hashing, so two inputs that
// differ only in Unicode normalization form (e.g. a precomposed vs.
// decomposed accented character arriving from different producers) still
// canonicalize to identical bytes — and only then transformed into RFC
// 8785 canonical form by github.com/gowebpki/jcs: object members sorted
// lexicographically by UTF-16 code unit, numbers serialized per the
// ECMAScript rules, and no escaping beyond what RFC 8785 requires
// (HTML-unsafe characters like '<' and '&' are left unescaped).
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	normalized, err := normalizeStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: normalize strings failed: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// normalizeStrings re-marshals raw JSON with every string value replaced
// by its NFC normal form. It round-trips through a generic interface{}
// rather than walking the raw bytes directly, since JSON string escaping
// makes byte-level Unicode normalization unsafe to do in place.
func normalizeStrings(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // preserve integer precision; default float64 decoding
	// would corrupt large credit/token counters round-tripped through here.
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeValue(v))
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form of v as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
