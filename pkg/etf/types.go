// Package etf implements the Erlang External Term Format, the encoding used
// for every term exchanged between distributed Erlang nodes.
//
// Terms are plain Go values. Decoding produces the types declared in this
// package plus int64, *big.Int and float64. Encoding additionally accepts the
// usual Go scalars (every integer kind, float32, bool, string, []byte) so
// callers rarely need to wrap values by hand.
//
// A Go string is encoded as an Erlang binary. Use [String] to produce an
// Erlang string (a list of bytes on the Erlang side) instead.
package etf

import (
	"errors"
	"fmt"
)

// Term is any value that can be encoded to or decoded from the external
// term format.
type Term = any

// Atom is an Erlang atom. The textual form is UTF-8.
type Atom string

// Binary is an Erlang binary.
type Binary []byte

// BitBinary is a binary whose length in bits is not a multiple of 8.
// Bits is the number of significant bits in the last byte (1-8).
type BitBinary struct {
	Data []byte
	Bits uint8
}

// String is an Erlang string as transported by STRING_EXT, i.e. a list of
// small integers.
type String string

// List is a proper Erlang list. The empty list decodes as List{}.
type List []Term

// ImproperList is a list whose tail is not the empty list.
type ImproperList struct {
	Elems []Term
	Tail  Term
}

// Tuple is an Erlang tuple.
type Tuple []Term

// Pair is one association of a Map.
type Pair struct {
	Key   Term
	Value Term
}

// Map is an Erlang map. Pairs keep the order in which they were decoded,
// which allows keys that are not comparable in Go (tuples, lists...).
type Map []Pair

// Pid is a process identifier as it travels on the wire.
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

// Port is a port identifier.
type Port struct {
	Node     Atom
	ID       uint64
	Creation uint32
}

// Ref is a reference. ID holds between 1 and 5 words.
type Ref struct {
	Node     Atom
	Creation uint32
	ID       []uint32
}

// Export is an external fun, fun Module:Function/Arity.
type Export struct {
	Module   Atom
	Function Atom
	Arity    uint8
}

// Get returns the value associated with key, comparing keys with a
// deep equality.
func (m Map) Get(key Term) (Term, bool) {
	for _, p := range m {
		if termEqual(p.Key, key) {
			return p.Value, true
		}
	}
	return nil, false
}

const (
	versionTag = 131

	tagCompressed    = 80
	tagNewFloat      = 70
	tagBitBinary     = 77
	tagNewPid        = 88
	tagNewPort       = 89
	tagNewerRef      = 90
	tagSmallInteger  = 97
	tagInteger       = 98
	tagFloat         = 99
	tagAtom          = 100
	tagRef           = 101
	tagPort          = 102
	tagPid           = 103
	tagSmallTuple    = 104
	tagLargeTuple    = 105
	tagNil           = 106
	tagString        = 107
	tagList          = 108
	tagBinary        = 109
	tagSmallBig      = 110
	tagLargeBig      = 111
	tagNewFun        = 112
	tagExport        = 113
	tagNewRef        = 114
	tagSmallAtom     = 115
	tagMap           = 116
	tagAtomUTF8      = 118
	tagSmallAtomUTF8 = 119
	tagV4Port        = 120
	tagLocal         = 121
)

// MaxAtomLen is the maximum number of characters in an atom.
const MaxAtomLen = 255

const maxDepth = 512

var (
	ErrVersion       = errors.New("etf: missing version byte")
	ErrTruncated     = errors.New("etf: unexpected end of input")
	ErrTrailingBytes = errors.New("etf: trailing bytes after term")
	ErrUnknownTag    = errors.New("etf: unknown tag")
	ErrUnsupported   = errors.New("etf: unsupported term")
	ErrInvalidAtom   = errors.New("etf: invalid atom")
	ErrAtomTooLong   = errors.New("etf: atom exceeds 255 characters")
	ErrTooDeep       = errors.New("etf: term nesting too deep")
	ErrMalformed     = errors.New("etf: malformed term")
)

// UnsupportedTypeError is returned when encoding a Go value that has no
// external term format representation.
type UnsupportedTypeError struct {
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("etf: cannot encode value of type %T", e.Value)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrUnsupported
}
