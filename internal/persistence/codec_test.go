package persistence

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type grossPayload struct {
	Gross decimal.Decimal
	Note  string
}

func TestEncodeDecodeValue(t *testing.T) {
	in := grossPayload{Gross: decimal.RequireFromString("1000"), Note: "march"}

	data, err := EncodeValue(in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	out, err := DecodeValue[grossPayload](data)
	require.NoError(t, err)
	require.True(t, in.Gross.Equal(out.Gross))
	require.Equal(t, "march", out.Note)
}

func TestEncodeValue_NilIsEmpty(t *testing.T) {
	data, err := EncodeValue(nil)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestDecodeValue_EmptyPayloadYieldsZero(t *testing.T) {
	out, err := DecodeValue[grossPayload](nil)
	require.NoError(t, err)
	require.True(t, out.Gross.IsZero())
}

func TestDecodeInto(t *testing.T) {
	data, err := EncodeValue(decimal.RequireFromString("127.50"))
	require.NoError(t, err)

	var got decimal.Decimal
	require.NoError(t, DecodeInto(data, &got))
	require.Equal(t, "127.5", got.String())

	// nil target and empty payload are no-ops.
	require.NoError(t, DecodeInto(data, nil))
	require.NoError(t, DecodeInto(nil, &got))
}

func TestDecodeInto_GarbageFails(t *testing.T) {
	var got decimal.Decimal
	require.Error(t, DecodeInto([]byte("not gob"), &got))
}
