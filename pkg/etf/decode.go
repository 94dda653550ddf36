package etf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Unmarshal decodes exactly one term, prefixed by the version byte. Bytes
// left after the term are an error.
func Unmarshal(data []byte) (Term, error) {
	t, rest, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(rest))
	}
	return t, nil
}

// Decode decodes one term, prefixed by the version byte, and returns the
// bytes that follow it. Decoded values never alias data.
func Decode(data []byte) (Term, []byte, error) {
	if len(data) == 0 || data[0] != versionTag {
		return nil, nil, ErrVersion
	}

	if len(data) > 1 && data[1] == tagCompressed {
		return decodeCompressed(data[2:])
	}

	d := decoder{b: data[1:]}
	t, err := d.term(0)
	if err != nil {
		return nil, nil, err
	}
	return t, d.b[d.pos:], nil
}

func decodeCompressed(data []byte) (Term, []byte, error) {
	if len(data) < 4 {
		return nil, nil, ErrTruncated
	}
	size := binary.BigEndian.Uint32(data)
	src := bytes.NewReader(data[4:])
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	defer zr.Close()

	// size comes from the peer: never preallocate from it.
	var out bytes.Buffer
	n, err := io.Copy(&out, io.LimitReader(zr, int64(size)+1))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if n != int64(size) {
		return nil, nil, fmt.Errorf("%w: compressed size mismatch", ErrMalformed)
	}

	d := decoder{b: out.Bytes()}
	t, err := d.term(0)
	if err != nil {
		return nil, nil, err
	}
	if d.pos != len(d.b) {
		return nil, nil, fmt.Errorf("%w: inside compressed term", ErrTrailingBytes)
	}
	return t, data[len(data)-src.Len():], nil
}

type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) remaining() int {
	return len(d.b) - d.pos
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, ErrTruncated
	}
	out := d.b[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// count reads an element count and rejects counts that cannot possibly fit
// in the remaining input, so a hostile length never drives an allocation.
func (d *decoder) count(n uint32, minSize int) (int, error) {
	if uint64(n)*uint64(minSize) > uint64(d.remaining()) {
		return 0, ErrTruncated
	}
	return int(n), nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) term(depth int) (Term, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}

	tag, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagSmallInteger:
		v, err := d.u8()
		return int64(v), err
	case tagInteger:
		v, err := d.u32()
		return int64(int32(v)), err
	case tagSmallBig:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.bigInt(int(n))
	case tagLargeBig:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		size, err := d.count(n, 1)
		if err != nil {
			return nil, err
		}
		return d.bigInt(size)
	case tagNewFloat:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case tagFloat:
		raw, err := d.take(31)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(string(raw), "\x00")), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return f, nil
	case tagAtom, tagSmallAtom, tagAtomUTF8, tagSmallAtomUTF8:
		return d.atomBody(tag)
	case tagBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		size, err := d.count(n, 1)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(size)
		return Binary(b), err
	case tagBitBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		bits, err := d.u8()
		if err != nil {
			return nil, err
		}
		size, err := d.count(n, 1)
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(size)
		if err != nil {
			return nil, err
		}
		if bits == 8 {
			return Binary(b), nil
		}
		if bits == 0 || bits > 8 || size == 0 {
			return nil, ErrMalformed
		}
		return BitBinary{Data: b, Bits: bits}, nil
	case tagNil:
		return List{}, nil
	case tagString:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		return String(b), err
	case tagList:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		size, err := d.count(n, 1)
		if err != nil {
			return nil, err
		}
		elems := make([]Term, size)
		for i := range elems {
			if elems[i], err = d.term(depth + 1); err != nil {
				return nil, err
			}
		}
		tail, err := d.term(depth + 1)
		if err != nil {
			return nil, err
		}
		if l, ok := tail.(List); ok && len(l) == 0 {
			return List(elems), nil
		}
		return ImproperList{Elems: elems, Tail: tail}, nil
	case tagSmallTuple, tagLargeTuple:
		var n uint32
		if tag == tagSmallTuple {
			v, err := d.u8()
			if err != nil {
				return nil, err
			}
			n = uint32(v)
		} else if n, err = d.u32(); err != nil {
			return nil, err
		}
		size, err := d.count(n, 1)
		if err != nil {
			return nil, err
		}
		elems := make(Tuple, size)
		for i := range elems {
			if elems[i], err = d.term(depth + 1); err != nil {
				return nil, err
			}
		}
		return elems, nil
	case tagMap:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		size, err := d.count(n, 2)
		if err != nil {
			return nil, err
		}
		m := make(Map, size)
		for i := range m {
			if m[i].Key, err = d.term(depth + 1); err != nil {
				return nil, err
			}
			if m[i].Value, err = d.term(depth + 1); err != nil {
				return nil, err
			}
		}
		return m, nil
	case tagPid, tagNewPid:
		return d.pid(tag)
	case tagPort, tagNewPort, tagV4Port:
		return d.port(tag)
	case tagRef:
		node, err := d.atom()
		if err != nil {
			return nil, err
		}
		id, err := d.u32()
		if err != nil {
			return nil, err
		}
		creation, err := d.u8()
		if err != nil {
			return nil, err
		}
		return Ref{Node: node, Creation: uint32(creation), ID: []uint32{id}}, nil
	case tagNewRef, tagNewerRef:
		return d.ref(tag)
	case tagExport:
		mod, err := d.atom()
		if err != nil {
			return nil, err
		}
		fun, err := d.atom()
		if err != nil {
			return nil, err
		}
		arity, err := d.term(depth + 1)
		if err != nil {
			return nil, err
		}
		a, ok := arity.(int64)
		if !ok || a < 0 || a > math.MaxUint8 {
			return nil, ErrMalformed
		}
		return Export{Module: mod, Function: fun, Arity: uint8(a)}, nil
	case tagNewFun, tagLocal:
		return nil, fmt.Errorf("%w: tag %d", ErrUnsupported, tag)
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
}

func (d *decoder) bigInt(n int) (Term, error) {
	sign, err := d.u8()
	if err != nil {
		return nil, err
	}
	le, err := d.take(n)
	if err != nil {
		return nil, err
	}
	be := make([]byte, n)
	for i := range le {
		be[n-1-i] = le[i]
	}
	v := new(big.Int).SetBytes(be)
	if sign != 0 {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v, nil
}

func (d *decoder) atom() (Atom, error) {
	tag, err := d.u8()
	if err != nil {
		return "", err
	}
	switch tag {
	case tagAtom, tagSmallAtom, tagAtomUTF8, tagSmallAtomUTF8:
		return d.atomBody(tag)
	}
	return "", fmt.Errorf("%w: expected atom, got tag %d", ErrMalformed, tag)
}

func (d *decoder) atomBody(tag byte) (Atom, error) {
	var n int
	switch tag {
	case tagAtom, tagAtomUTF8:
		v, err := d.u16()
		if err != nil {
			return "", err
		}
		n = int(v)
	default:
		v, err := d.u8()
		if err != nil {
			return "", err
		}
		n = int(v)
	}

	raw, err := d.take(n)
	if err != nil {
		return "", err
	}

	if tag == tagAtom || tag == tagSmallAtom {
		// Latin-1: every byte is the code point.
		var sb strings.Builder
		sb.Grow(n)
		for _, c := range raw {
			sb.WriteRune(rune(c))
		}
		return Atom(sb.String()), nil
	}

	if !utf8.Valid(raw) {
		return "", ErrInvalidAtom
	}
	return Atom(raw), nil
}

func (d *decoder) pid(tag byte) (Term, error) {
	node, err := d.atom()
	if err != nil {
		return nil, err
	}
	id, err := d.u32()
	if err != nil {
		return nil, err
	}
	serial, err := d.u32()
	if err != nil {
		return nil, err
	}

	var creation uint32
	if tag == tagNewPid {
		creation, err = d.u32()
	} else {
		var c uint8
		c, err = d.u8()
		creation = uint32(c)
	}
	if err != nil {
		return nil, err
	}
	return Pid{Node: node, ID: id, Serial: serial, Creation: creation}, nil
}

func (d *decoder) port(tag byte) (Term, error) {
	node, err := d.atom()
	if err != nil {
		return nil, err
	}

	var id uint64
	if tag == tagV4Port {
		id, err = d.u64()
	} else {
		var v uint32
		v, err = d.u32()
		id = uint64(v)
	}
	if err != nil {
		return nil, err
	}

	var creation uint32
	if tag == tagPort {
		var c uint8
		c, err = d.u8()
		creation = uint32(c)
	} else {
		creation, err = d.u32()
	}
	if err != nil {
		return nil, err
	}
	return Port{Node: node, ID: id, Creation: creation}, nil
}

func (d *decoder) ref(tag byte) (Term, error) {
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	if n == 0 || n > 5 {
		return nil, ErrMalformed
	}
	node, err := d.atom()
	if err != nil {
		return nil, err
	}

	var creation uint32
	if tag == tagNewerRef {
		creation, err = d.u32()
	} else {
		var c uint8
		c, err = d.u8()
		creation = uint32(c)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, n)
	for i := range ids {
		if ids[i], err = d.u32(); err != nil {
			return nil, err
		}
	}
	return Ref{Node: node, Creation: creation, ID: ids}, nil
}
