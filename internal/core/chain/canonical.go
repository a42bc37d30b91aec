// Package chain implements the tamper-evidence layer: per-aggregate
// hash-chained events, streaming chain verification, and global block
// checkpoints sealing contiguous event ranges.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON renders v in canonical form: object keys sorted, no
// insignificant whitespace. Two structurally equal values always produce
// identical bytes, which is what makes event hashes reproducible.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through map[string]any so struct field order and tags
	// collapse into sorted-key map encoding (encoding/json sorts map keys).
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// HashEvent derives the chained hash of an event:
// SHA256(prevHash ‖ canonicalData), hex-encoded. prevHash is empty for
// the first event of an aggregate.
func HashEvent(prevHash string, canonicalData []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalData)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBlock derives a block hash: SHA256(prevBlockHash ‖ eventsHash).
func HashBlock(prevBlockHash, eventsHash string) string {
	h := sha256.New()
	h.Write([]byte(prevBlockHash))
	h.Write([]byte(eventsHash))
	return hex.EncodeToString(h.Sum(nil))
}
