package etf

import (
	"encoding/binary"
	"math"
	"math/big"
	"reflect"
	"unicode/utf8"
)

// Marshal encodes t, prefixed by the version byte.
func Marshal(t Term) ([]byte, error) {
	return AppendTerm(nil, t)
}

// AppendTerm appends the encoding of t, prefixed by the version byte, to dst.
// On error dst is returned unchanged.
func AppendTerm(dst []byte, t Term) ([]byte, error) {
	out, err := appendTerm(append(dst, versionTag), t, 0)
	if err != nil {
		return dst, err
	}
	return out, nil
}

func appendTerm(b []byte, t Term, depth int) ([]byte, error) {
	if depth > maxDepth {
		return b, ErrTooDeep
	}

	switch v := t.(type) {
	case nil:
		return append(b, tagNil), nil
	case Atom:
		return appendAtom(b, v)
	case bool:
		if v {
			return appendAtom(b, "true")
		}
		return appendAtom(b, "false")
	case int:
		return appendInt(b, int64(v)), nil
	case int8:
		return appendInt(b, int64(v)), nil
	case int16:
		return appendInt(b, int64(v)), nil
	case int32:
		return appendInt(b, int64(v)), nil
	case int64:
		return appendInt(b, v), nil
	case uint:
		return appendUint(b, uint64(v)), nil
	case uint8:
		return appendInt(b, int64(v)), nil
	case uint16:
		return appendInt(b, int64(v)), nil
	case uint32:
		return appendInt(b, int64(v)), nil
	case uint64:
		return appendUint(b, v), nil
	case *big.Int:
		if v == nil {
			return b, &UnsupportedTypeError{Value: t}
		}
		return appendBig(b, v), nil
	case float32:
		return appendFloat(b, float64(v)), nil
	case float64:
		return appendFloat(b, v), nil
	case string:
		return appendBinary(b, []byte(v)), nil
	case []byte:
		return appendBinary(b, v), nil
	case Binary:
		return appendBinary(b, v), nil
	case BitBinary:
		if v.Bits == 0 || v.Bits > 8 || len(v.Data) == 0 {
			return b, ErrMalformed
		}
		b = append(b, tagBitBinary)
		b = binary.BigEndian.AppendUint32(b, uint32(len(v.Data)))
		b = append(b, v.Bits)
		return append(b, v.Data...), nil
	case String:
		return appendString(b, v, depth)
	case List:
		return appendList(b, v, nil, depth)
	case []any:
		return appendList(b, v, nil, depth)
	case ImproperList:
		if len(v.Elems) == 0 {
			return b, ErrMalformed
		}
		return appendList(b, v.Elems, v.Tail, depth)
	case Tuple:
		return appendTuple(b, v, depth)
	case Map:
		b = append(b, tagMap)
		b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
		var err error
		for _, p := range v {
			if b, err = appendTerm(b, p.Key, depth+1); err != nil {
				return b, err
			}
			if b, err = appendTerm(b, p.Value, depth+1); err != nil {
				return b, err
			}
		}
		return b, nil
	case Pid:
		b = append(b, tagNewPid)
		b, err := appendAtom(b, v.Node)
		if err != nil {
			return b, err
		}
		b = binary.BigEndian.AppendUint32(b, v.ID)
		b = binary.BigEndian.AppendUint32(b, v.Serial)
		return binary.BigEndian.AppendUint32(b, v.Creation), nil
	case Port:
		if v.ID > math.MaxUint32 {
			b = append(b, tagV4Port)
		} else {
			b = append(b, tagNewPort)
		}
		b, err := appendAtom(b, v.Node)
		if err != nil {
			return b, err
		}
		if v.ID > math.MaxUint32 {
			b = binary.BigEndian.AppendUint64(b, v.ID)
		} else {
			b = binary.BigEndian.AppendUint32(b, uint32(v.ID))
		}
		return binary.BigEndian.AppendUint32(b, v.Creation), nil
	case Ref:
		if len(v.ID) == 0 || len(v.ID) > 5 {
			return b, ErrMalformed
		}
		b = append(b, tagNewerRef)
		b = binary.BigEndian.AppendUint16(b, uint16(len(v.ID)))
		b, err := appendAtom(b, v.Node)
		if err != nil {
			return b, err
		}
		b = binary.BigEndian.AppendUint32(b, v.Creation)
		for _, id := range v.ID {
			b = binary.BigEndian.AppendUint32(b, id)
		}
		return b, nil
	case Export:
		b = append(b, tagExport)
		b, err := appendAtom(b, v.Module)
		if err != nil {
			return b, err
		}
		if b, err = appendAtom(b, v.Function); err != nil {
			return b, err
		}
		return append(b, tagSmallInteger, v.Arity), nil
	}

	return b, &UnsupportedTypeError{Value: t}
}

func appendAtom(b []byte, a Atom) ([]byte, error) {
	if !utf8.ValidString(string(a)) {
		return b, ErrInvalidAtom
	}
	if utf8.RuneCountInString(string(a)) > MaxAtomLen {
		return b, ErrAtomTooLong
	}
	if len(a) <= math.MaxUint8 {
		b = append(b, tagSmallAtomUTF8, byte(len(a)))
	} else {
		b = append(b, tagAtomUTF8)
		b = binary.BigEndian.AppendUint16(b, uint16(len(a)))
	}
	return append(b, a...), nil
}

func appendInt(b []byte, v int64) []byte {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		return append(b, tagSmallInteger, byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b = append(b, tagInteger)
		return binary.BigEndian.AppendUint32(b, uint32(int32(v)))
	}
	return appendBig(b, big.NewInt(v))
}

func appendUint(b []byte, v uint64) []byte {
	if v <= math.MaxInt64 {
		return appendInt(b, int64(v))
	}
	return appendBig(b, new(big.Int).SetUint64(v))
}

func appendBig(b []byte, v *big.Int) []byte {
	if v.IsInt64() {
		if i := v.Int64(); i >= math.MinInt32 && i <= math.MaxInt32 {
			return appendInt(b, i)
		}
	}

	// big.Int.Bytes is big-endian magnitude, the wire wants little-endian.
	mag := v.Bytes()
	n := len(mag)
	if n <= math.MaxUint8 {
		b = append(b, tagSmallBig, byte(n))
	} else {
		b = append(b, tagLargeBig)
		b = binary.BigEndian.AppendUint32(b, uint32(n))
	}
	if v.Sign() < 0 {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	for i := n - 1; i >= 0; i-- {
		b = append(b, mag[i])
	}
	return b
}

func appendFloat(b []byte, f float64) []byte {
	b = append(b, tagNewFloat)
	return binary.BigEndian.AppendUint64(b, math.Float64bits(f))
}

func appendBinary(b []byte, data []byte) []byte {
	b = append(b, tagBinary)
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}

func appendString(b []byte, s String, depth int) ([]byte, error) {
	switch {
	case len(s) == 0:
		return append(b, tagNil), nil
	case len(s) <= math.MaxUint16:
		b = append(b, tagString)
		b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
		return append(b, s...), nil
	}

	elems := make([]Term, len(s))
	for i := 0; i < len(s); i++ {
		elems[i] = int64(s[i])
	}
	return appendList(b, elems, nil, depth)
}

func appendList(b []byte, elems []Term, tail Term, depth int) ([]byte, error) {
	if len(elems) == 0 {
		return append(b, tagNil), nil
	}

	b = append(b, tagList)
	b = binary.BigEndian.AppendUint32(b, uint32(len(elems)))
	var err error
	for _, e := range elems {
		if b, err = appendTerm(b, e, depth+1); err != nil {
			return b, err
		}
	}
	return appendTerm(b, tail, depth+1)
}

func appendTuple(b []byte, elems Tuple, depth int) ([]byte, error) {
	if len(elems) <= math.MaxUint8 {
		b = append(b, tagSmallTuple, byte(len(elems)))
	} else {
		b = append(b, tagLargeTuple)
		b = binary.BigEndian.AppendUint32(b, uint32(len(elems)))
	}
	var err error
	for _, e := range elems {
		if b, err = appendTerm(b, e, depth+1); err != nil {
			return b, err
		}
	}
	return b, nil
}

func termEqual(a, b Term) bool {
	return reflect.DeepEqual(a, b)
}
