package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/summa-ledger/summad/internal/core/ledger"
)

func mustDecode(t *testing.T, raw string) map[string]any {
	t.Helper()
	body, err := decodeBody([]byte(raw))
	require.NoError(t, err)
	return body
}

func TestDecodeBodyEmptyIsEmptyObject(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n"} {
		body, err := decodeBody([]byte(raw))
		require.NoError(t, err)
		require.Empty(t, body)
	}
}

func TestDecodeBodyRejectsNonObject(t *testing.T) {
	for _, raw := range []string{"[1,2]", `"str"`, "42", "{broken"} {
		_, err := decodeBody([]byte(raw))
		require.Error(t, err, raw)
		require.True(t, ledger.IsCode(err, ledger.CodeInvalidArgument))
	}
}

func TestValidateBodyRequired(t *testing.T) {
	fields := []Field{{Name: "holderId", Kind: KindString, Required: true}}
	err := validateBody(mustDecode(t, `{}`), fields)
	require.Error(t, err)
	require.Contains(t, err.Error(), "holderId is required")

	require.NoError(t, validateBody(mustDecode(t, `{"holderId":"alice"}`), fields))
}

func TestValidateBodyRejectsUnknownFields(t *testing.T) {
	fields := []Field{{Name: "amount", Kind: KindAmount}}
	err := validateBody(mustDecode(t, `{"amount":5,"amuont":6}`), fields)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field amuont")
}

func TestValidateAmountMustBePositiveInteger(t *testing.T) {
	fields := []Field{{Name: "amount", Kind: KindAmount, Required: true}}
	for _, raw := range []string{
		`{"amount":0}`,
		`{"amount":-5}`,
		`{"amount":1.5}`,
		`{"amount":"100"}`,
	} {
		require.Error(t, validateBody(mustDecode(t, raw), fields), raw)
	}
	require.NoError(t, validateBody(mustDecode(t, `{"amount":100}`), fields))
}

func TestValidateLargeAmountSurvivesExactly(t *testing.T) {
	// json.Number avoids the float64 precision cliff above 2^53.
	body := mustDecode(t, `{"amount":9007199254740993}`)
	fields := []Field{{Name: "amount", Kind: KindAmount, Required: true}}
	require.NoError(t, validateBody(body, fields))
	require.Equal(t, int64(9007199254740993), bodyInt(body, "amount"))
}

func TestValidateEnum(t *testing.T) {
	fields := []Field{{Name: "holderType", Kind: KindString, Enum: []string{"individual", "organization", "system"}}}
	require.NoError(t, validateBody(mustDecode(t, `{"holderType":"system"}`), fields))
	require.Error(t, validateBody(mustDecode(t, `{"holderType":"robot"}`), fields))
}

func TestValidateKinds(t *testing.T) {
	fields := []Field{
		{Name: "flag", Kind: KindBool},
		{Name: "meta", Kind: KindObject},
		{Name: "items", Kind: KindArray},
		{Name: "rate", Kind: KindNumber},
	}
	require.NoError(t, validateBody(mustDecode(t,
		`{"flag":true,"meta":{"k":"v"},"items":[1],"rate":1.25}`), fields))
	require.Error(t, validateBody(mustDecode(t, `{"flag":"yes"}`), fields))
	require.Error(t, validateBody(mustDecode(t, `{"meta":[1]}`), fields))
	require.Error(t, validateBody(mustDecode(t, `{"items":{}}`), fields))
	require.Error(t, validateBody(mustDecode(t, `{"rate":"fast"}`), fields))
}

func TestBodyAccessors(t *testing.T) {
	body := mustDecode(t, `{"name":"a","amount":7,"flag":true,"rate":0.5,"meta":{"x":1}}`)
	require.Equal(t, "a", bodyString(body, "name"))
	require.Equal(t, int64(7), bodyInt(body, "amount"))
	require.True(t, bodyBool(body, "flag"))
	require.NotNil(t, bodyFloatPtr(body, "rate"))
	require.Equal(t, 0.5, *bodyFloatPtr(body, "rate"))
	require.NotNil(t, bodyObject(body, "meta"))

	require.Nil(t, bodyIntPtr(body, "missing"))
	require.Nil(t, bodyFloatPtr(body, "missing"))
	require.Equal(t, "", bodyString(body, "missing"))

	amt := bodyIntPtr(body, "amount")
	require.NotNil(t, amt)
	require.Equal(t, int64(7), *amt)
}
