package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONOrdersKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"c": map[string]any{"y": false, "z": true}, "a": 1, "b": 2})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, string(a))
}

func TestCanonicalJSONStableAcrossStructsAndMaps(t *testing.T) {
	type payload struct {
		Amount int64  `json:"amount"`
		Holder string `json:"holder"`
	}
	fromStruct, err := CanonicalJSON(payload{Amount: 100, Holder: "alice"})
	require.NoError(t, err)
	fromMap, err := CanonicalJSON(map[string]any{"holder": "alice", "amount": 100})
	require.NoError(t, err)
	require.Equal(t, string(fromStruct), string(fromMap))
}

func TestCanonicalJSONRejectsUnserializable(t *testing.T) {
	_, err := CanonicalJSON(map[string]any{"fn": func() {}})
	require.Error(t, err)
}

func TestHashEventChains(t *testing.T) {
	data, err := CanonicalJSON(map[string]any{"amount": 100})
	require.NoError(t, err)

	genesis := HashEvent("", data)
	next := HashEvent(genesis, data)

	require.Len(t, genesis, 64)
	require.NotEqual(t, genesis, next)

	// The hash is SHA256(prevHash bytes ‖ canonical data).
	sum := sha256.Sum256(append([]byte(genesis), data...))
	require.Equal(t, hex.EncodeToString(sum[:]), next)
}

func TestHashEventSensitiveToData(t *testing.T) {
	a, _ := CanonicalJSON(map[string]any{"amount": 100})
	b, _ := CanonicalJSON(map[string]any{"amount": 101})
	require.NotEqual(t, HashEvent("", a), HashEvent("", b))
}

func TestHashBlockLinksPredecessor(t *testing.T) {
	eventsHash := HashEvent("", []byte(`{"n":1}`))
	first := HashBlock("", eventsHash)
	second := HashBlock(first, eventsHash)
	require.Len(t, first, 64)
	require.NotEqual(t, first, second)

	sum := sha256.Sum256([]byte(first + eventsHash))
	require.Equal(t, hex.EncodeToString(sum[:]), second)
}
