package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal_KnownEncodings(t *testing.T) {
	cases := []struct {
		name string
		term Term
		want []byte
	}{
		{"atom", Atom("ping"), []byte{131, 119, 4, 'p', 'i', 'n', 'g'}},
		{"small integer", 1, []byte{131, 97, 1}},
		{"negative integer", -1, []byte{131, 98, 0xff, 0xff, 0xff, 0xff}},
		{"small big", int64(1) << 40, []byte{131, 110, 6, 0, 0, 0, 0, 0, 0, 1}},
		{"empty list", nil, []byte{131, 106}},
		{"string", String("abc"), []byte{131, 107, 0, 3, 'a', 'b', 'c'}},
		{"go string is a binary", "hi", []byte{131, 109, 0, 0, 0, 2, 'h', 'i'}},
		{"bool", true, []byte{131, 119, 4, 't', 'r', 'u', 'e'}},
		{"tuple", Tuple{Atom("ok"), 1}, []byte{131, 104, 2, 119, 2, 'o', 'k', 97, 1}},
		{
			"pid",
			Pid{Node: "a@h", ID: 1, Serial: 2, Creation: 3},
			[]byte{131, 88, 119, 3, 'a', '@', 'h', 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.term)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	huge, ok := new(big.Int).SetString("-1267650600228229401496703205376", 10)
	require.True(t, ok)

	cases := []struct {
		name string
		in   Term
		out  Term
	}{
		{"atom", Atom("héllo"), Atom("héllo")},
		{"int widens to int64", 300, int64(300)},
		{"uint64 above int64", uint64(1) << 63, new(big.Int).Lsh(big.NewInt(1), 63)},
		{"big negative", huge, huge},
		{"float", 3.14, 3.14},
		{"binary", Binary("data"), Binary("data")},
		{"bit binary", BitBinary{Data: []byte{0xf0}, Bits: 4}, BitBinary{Data: []byte{0xf0}, Bits: 4}},
		{"empty list", List{}, List{}},
		{"list", List{Atom("a"), int64(2)}, List{Atom("a"), int64(2)}},
		{
			"improper list",
			ImproperList{Elems: []Term{int64(1)}, Tail: Atom("t")},
			ImproperList{Elems: []Term{int64(1)}, Tail: Atom("t")},
		},
		{
			"map",
			Map{{Key: Tuple{Atom("k"), int64(1)}, Value: Binary("v")}},
			Map{{Key: Tuple{Atom("k"), int64(1)}, Value: Binary("v")}},
		},
		{
			"port",
			Port{Node: "n@h", ID: 1 << 40, Creation: 7},
			Port{Node: "n@h", ID: 1 << 40, Creation: 7},
		},
		{
			"ref",
			Ref{Node: "n@h", Creation: 9, ID: []uint32{1, 2, 3}},
			Ref{Node: "n@h", Creation: 9, ID: []uint32{1, 2, 3}},
		},
		{
			"export",
			Export{Module: "lists", Function: "map", Arity: 2},
			Export{Module: "lists", Function: "map", Arity: 2},
		},
		{
			"pid",
			Pid{Node: "b@host", ID: 1<<32 - 1, Serial: 1<<32 - 1, Creation: 1<<32 - 1},
			Pid{Node: "b@host", ID: 1<<32 - 1, Serial: 1<<32 - 1, Creation: 1<<32 - 1},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.in)
			require.NoError(t, err)
			got, err := Unmarshal(data)
			require.NoError(t, err)
			require.Equal(t, tc.out, got)
		})
	}
}

func TestDecode_LegacyEncodings(t *testing.T) {
	t.Run("PID_EXT with latin-1 atom", func(t *testing.T) {
		data := []byte{131, 103, 100, 0, 3, 'a', '@', 0xe9, 0, 0, 0, 5, 0, 0, 0, 1, 2}
		got, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, Pid{Node: "a@é", ID: 5, Serial: 1, Creation: 2}, got)
	})

	t.Run("FLOAT_EXT", func(t *testing.T) {
		raw := make([]byte, 31)
		copy(raw, "1.50000000000000000000e+00")
		got, err := Unmarshal(append([]byte{131, 99}, raw...))
		require.NoError(t, err)
		require.Equal(t, 1.5, got)
	})

	t.Run("compressed", func(t *testing.T) {
		inner, err := Marshal(Tuple{Atom("compressed"), Binary(bytes.Repeat([]byte("x"), 64))})
		require.NoError(t, err)

		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		_, err = zw.Write(inner[1:])
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		data := []byte{131, 80}
		data = binary.BigEndian.AppendUint32(data, uint32(len(inner)-1))
		data = append(data, z.Bytes()...)

		got, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, Tuple{Atom("compressed"), Binary(bytes.Repeat([]byte("x"), 64))}, got)
	})
}

func TestDecode_ReturnsRest(t *testing.T) {
	first, err := Marshal(Tuple{int64(6), Atom("")})
	require.NoError(t, err)
	second, err := Marshal(Atom("payload"))
	require.NoError(t, err)

	term, rest, err := Decode(append(first, second...))
	require.NoError(t, err)
	require.Equal(t, Tuple{int64(6), Atom("")}, term)
	require.Equal(t, second, rest)
}

func TestDecode_MalformedInput(t *testing.T) {
	valid, err := Marshal(Tuple{
		Atom("msg"),
		Pid{Node: "a@h", ID: 1, Creation: 1},
		List{Binary("x"), 3.5, int64(1) << 50},
		Map{{Key: Atom("k"), Value: String("v")}},
	})
	require.NoError(t, err)

	t.Run("every truncation fails", func(t *testing.T) {
		for i := 0; i < len(valid); i++ {
			_, err := Unmarshal(valid[:i])
			require.Error(t, err, "prefix of %d bytes", i)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Unmarshal(append(valid, 0))
		require.ErrorIs(t, err, ErrTrailingBytes)
	})

	t.Run("missing version", func(t *testing.T) {
		_, err := Unmarshal(valid[1:])
		require.ErrorIs(t, err, ErrVersion)
	})

	t.Run("hostile length", func(t *testing.T) {
		_, err := Unmarshal([]byte{131, 108, 0xff, 0xff, 0xff, 0xff})
		require.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("invalid utf8 atom", func(t *testing.T) {
		_, err := Unmarshal([]byte{131, 119, 1, 0xff})
		require.ErrorIs(t, err, ErrInvalidAtom)
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := Unmarshal([]byte{131, 1})
		require.ErrorIs(t, err, ErrUnknownTag)
	})

	t.Run("nesting", func(t *testing.T) {
		data := []byte{131}
		for i := 0; i < maxDepth+10; i++ {
			data = append(data, tagSmallTuple, 1)
		}
		data = append(data, tagNil)
		_, err := Unmarshal(data)
		require.ErrorIs(t, err, ErrTooDeep)
	})
}

func TestMarshal_Errors(t *testing.T) {
	_, err := Marshal(struct{}{})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Marshal(Atom(bytes.Repeat([]byte("a"), MaxAtomLen+1)))
	require.ErrorIs(t, err, ErrAtomTooLong)

	dst := []byte{1, 2}
	out, err := AppendTerm(dst, Tuple{Atom("ok"), struct{}{}})
	require.Error(t, err)
	require.Equal(t, []byte{1, 2}, out)
}

func TestMap_Get(t *testing.T) {
	m := Map{
		{Key: Tuple{Atom("a"), int64(1)}, Value: Atom("first")},
		{Key: Atom("b"), Value: Atom("second")},
	}

	v, ok := m.Get(Tuple{Atom("a"), int64(1)})
	require.True(t, ok)
	require.Equal(t, Atom("first"), v)

	_, ok = m.Get(Atom("missing"))
	require.False(t, ok)
}
