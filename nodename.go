package cnode

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// NodeName is a full node name, `alive@host`.
type NodeName struct {
	Alive string
	Host  string
}

// ParseNodeName splits name into its alive and host parts. A name without
// host part gets the short name of the local host, as erl does with -sname.
func ParseNodeName(name string) (NodeName, error) {
	if !validIdentifier(name) {
		return NodeName{}, ErrInvalidName
	}

	alive, host, found := strings.Cut(name, "@")
	if alive == "" || (found && host == "") {
		return NodeName{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !found {
		h, err := os.Hostname()
		if err != nil {
			return NodeName{}, fmt.Errorf("%w: no host part and %w", ErrInvalidName, err)
		}
		host, _, _ = strings.Cut(h, ".")
	}
	return NodeName{Alive: alive, Host: host}, nil
}

func (n NodeName) String() string {
	return n.Alive + "@" + n.Host
}

func (n NodeName) LogValue() slog.Value {
	return slog.StringValue(n.String())
}

// secret holds the cookie. It never prints its content.
type secret string

const redacted = "[redacted]"

func (s secret) String() string {
	return redacted
}

func (s secret) GoString() string {
	return redacted
}

func (s secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}
