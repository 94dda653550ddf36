package cnode

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/raskyld/cnode/pkg/etf"
)

// Pid identifies a process on some node of the cluster.
type Pid struct {
	Node     string
	ID       uint32
	Serial   uint32
	Creation uint32
}

// Term returns the wire representation of p. Node names longer than
// `etf.MaxAtomLen` characters are truncated.
func (p Pid) Term() etf.Pid {
	node := p.Node
	if utf8.RuneCountInString(node) > etf.MaxAtomLen {
		n := 0
		for i := range node {
			if n == etf.MaxAtomLen {
				node = node[:i]
				break
			}
			n++
		}
	}
	return etf.Pid{
		Node:     etf.Atom(node),
		ID:       p.ID,
		Serial:   p.Serial,
		Creation: p.Creation,
	}
}

// PidFromTerm rebuilds a Pid from a decoded term. Anything but a pid with a
// valid node name is a Decode error.
func PidFromTerm(t etf.Term) (Pid, error) {
	wire, ok := t.(etf.Pid)
	if !ok {
		return Pid{}, wrap(ErrDecode, fmt.Errorf("%w: got %T", ErrInvalidPid, t))
	}
	if !validIdentifier(string(wire.Node)) {
		return Pid{}, wrap(ErrDecode, ErrInvalidPid)
	}
	return Pid{
		Node:     string(wire.Node),
		ID:       wire.ID,
		Serial:   wire.Serial,
		Creation: wire.Creation,
	}, nil
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d>", p.Node, p.ID, p.Serial)
}

func (p Pid) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("node", p.Node),
		slog.Uint64("id", uint64(p.ID)),
		slog.Uint64("serial", uint64(p.Serial)),
		slog.Uint64("creation", uint64(p.Creation)),
	)
}

func validIdentifier(s string) bool {
	return s != "" && !strings.ContainsRune(s, 0)
}
