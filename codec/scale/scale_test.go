package scale

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactKnownVectors(t *testing.T) {
	cases := []struct {
		value uint64
		hex   string
	}{
		{0, "00"},
		{1, "04"},
		{42, "a8"},
		{63, "fc"},
		{64, "0101"},
		{69, "1501"},
		{16383, "fdff"},
		{16384, "02000100"},
		{1073741823, "feffffff"},
		{1073741824, "0300000040"},
		{1 << 32, "070000000001"},
	}
	for _, tc := range cases {
		encoded := EncodeCompact(tc.value)
		require.Equal(t, tc.hex, hex.EncodeToString(encoded), "value %d", tc.value)

		got, err := NewDecoder(encoded).Compact()
		require.NoError(t, err)
		require.Equal(t, tc.value, got)
	}
}

func TestFixedWidthIntegers(t *testing.T) {
	e := NewEncoder()
	e.PutU8(1)
	e.PutU16(0x0203)
	e.PutU32(0x04050607)
	e.PutU64(8)
	e.PutBool(true)
	require.NoError(t, e.PutU128(big.NewInt(100)))
	e.PutBytes([]byte("abc"))
	e.PutOption(false)

	d := NewDecoder(e.Bytes())
	u8, err := d.U8()
	require.NoError(t, err)
	require.Equal(t, uint8(1), u8)
	u16, err := d.U16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0203), u16)
	u32, err := d.U32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x04050607), u32)
	u64, err := d.U64()
	require.NoError(t, err)
	require.Equal(t, uint64(8), u64)
	b, err := d.Bool()
	require.NoError(t, err)
	require.True(t, b)
	u128, err := d.U128()
	require.NoError(t, err)
	require.Equal(t, int64(100), u128.Int64())
	raw, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), raw)
	present, err := d.Option()
	require.NoError(t, err)
	require.False(t, present)
	require.NoError(t, d.Done())
}

func TestU128Bounds(t *testing.T) {
	raw, err := U128Bytes(big.NewInt(0x0102))
	require.NoError(t, err)
	require.Equal(t, byte(0x02), raw[0])
	require.Equal(t, byte(0x01), raw[1])

	tooBig := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err = U128Bytes(tooBig)
	require.ErrorIs(t, err, ErrValueOverflow)
	_, err = U128Bytes(big.NewInt(-1))
	require.ErrorIs(t, err, ErrNegativeInteger)
}

func TestDecoderErrors(t *testing.T) {
	_, err := NewDecoder([]byte{0x01}).U32()
	require.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = NewDecoder([]byte{0x02}).Bool()
	require.ErrorIs(t, err, ErrInvalidBool)

	_, err = DecodeBytes([]byte{0x08, 0x01})
	require.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = DecodeBytes([]byte{0x04, 0x01, 0x02})
	require.ErrorIs(t, err, ErrTrailingBytes)
}
