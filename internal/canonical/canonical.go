// Package canonical produces the deterministic JSON form used for request
// identity: keys sorted, compact separators, no HTML escaping. Two requests
// that differ only in timestamps or transport metadata hash identically.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NondeterministicRequestKeys are allowed to vary between submissions of the
// same semantic request and must not affect its fingerprint.
var NondeterministicRequestKeys = []string{"created_at", "_meta", "_replay"}

// Strip returns a copy of m with the given top-level keys removed.
func Strip(m map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// CanonicalizeRequest removes the allowed non-deterministic fields so that
// "same semantic request" yields the same hash.
func CanonicalizeRequest(req map[string]any) map[string]any {
	return Strip(req, NondeterministicRequestKeys)
}

// Marshal encodes v as canonical JSON: object keys sorted, compact, UTF-8
// preserved. The value is first normalized through a generic decode so that
// struct field order never leaks into the encoding.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SHA256 returns the hex SHA-256 of the canonical JSON form of v.
func SHA256(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RequestHash computes the semantic fingerprint of a raw request object.
func RequestHash(req map[string]any) (string, error) {
	return SHA256(CanonicalizeRequest(req))
}

// SHA256Bytes returns the hex SHA-256 digest of data.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
