// Package epmd speaks the Erlang Port Mapper Daemon protocol: the client
// side used to find and register distribution listeners, and a small
// in-process server for hosts that run no epmd.
package epmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultPort is the port epmd listens on.
const DefaultPort = 4369

const (
	reqAlive2     = 120
	reqPortPlease = 122
	reqNames      = 110

	respAlive2X = 118
	respAlive2  = 121
	respPort2   = 119
)

// Node types announced in ALIVE2 requests.
const (
	TypeHidden byte = 72
	TypeNormal byte = 77
)

// Distribution versions spoken by OTP 23 and later.
const (
	HighestVersion uint16 = 6
	LowestVersion  uint16 = 5
)

var (
	ErrNotFound     = errors.New("epmd: node is not registered")
	ErrRegistration = errors.New("epmd: registration refused")
	ErrProtocol     = errors.New("epmd: malformed message")
)

// NodeInfo describes a distribution listener registered in epmd.
type NodeInfo struct {
	Name           string
	Port           int
	Type           byte
	Protocol       byte
	HighestVersion uint16
	LowestVersion  uint16
	Extra          []byte
}

// Entry is one line of a NAMES answer.
type Entry struct {
	Name string
	Port int
}

// appendNodeInfo appends the fields shared by ALIVE2_REQ and PORT2_RESP.
func appendNodeInfo(b []byte, info NodeInfo) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(info.Port))
	b = append(b, info.Type, info.Protocol)
	b = binary.BigEndian.AppendUint16(b, info.HighestVersion)
	b = binary.BigEndian.AppendUint16(b, info.LowestVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(len(info.Name)))
	b = append(b, info.Name...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(info.Extra)))
	return append(b, info.Extra...)
}

func parseNodeInfo(b []byte) (NodeInfo, error) {
	var info NodeInfo
	if len(b) < 10 {
		return info, fmt.Errorf("%w: short node info", ErrProtocol)
	}
	info.Port = int(binary.BigEndian.Uint16(b[0:2]))
	info.Type = b[2]
	info.Protocol = b[3]
	info.HighestVersion = binary.BigEndian.Uint16(b[4:6])
	info.LowestVersion = binary.BigEndian.Uint16(b[6:8])
	nlen := int(binary.BigEndian.Uint16(b[8:10]))
	b = b[10:]
	if len(b) < nlen+2 {
		return info, fmt.Errorf("%w: short node name", ErrProtocol)
	}
	info.Name = string(b[:nlen])
	b = b[nlen:]
	elen := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < elen {
		return info, fmt.Errorf("%w: short extra", ErrProtocol)
	}
	info.Extra = make([]byte, elen)
	copy(info.Extra, b)
	return info, nil
}

// writeRequest sends req prefixed by its 2-byte length in a single write.
func writeRequest(w io.Writer, req []byte) error {
	if len(req) > math.MaxUint16 {
		return fmt.Errorf("%w: request too large", ErrProtocol)
	}
	out := make([]byte, 2, 2+len(req))
	binary.BigEndian.PutUint16(out, uint16(len(req)))
	_, err := w.Write(append(out, req...))
	return err
}

func readRequest(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrProtocol)
	}
	req := make([]byte, n)
	if _, err := io.ReadFull(r, req); err != nil {
		return nil, err
	}
	return req, nil
}
