package epmd

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Dialer opens connections to epmd. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client talks to the epmd of any host. The zero value is ready to use.
type Client struct {
	// Port of epmd, DefaultPort when zero.
	Port int

	// Dialer defaults to a *net.Dialer.
	Dialer Dialer
}

func (c *Client) dial(ctx context.Context, host string) (net.Conn, func() bool, error) {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	var d Dialer = &net.Dialer{}
	if c.Dialer != nil {
		d = c.Dialer
	}

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return conn, stop, nil
}

// LookupPort asks the epmd of host where the node alive listens
// (PORT_PLEASE2_REQ).
func (c *Client) LookupPort(ctx context.Context, host, alive string) (NodeInfo, error) {
	conn, stop, err := c.dial(ctx, host)
	if err != nil {
		return NodeInfo{}, err
	}
	defer conn.Close()
	defer stop()

	if err := writeRequest(conn, append([]byte{reqPortPlease}, alive...)); err != nil {
		return NodeInfo{}, err
	}

	// epmd closes the connection after answering.
	resp, err := io.ReadAll(io.LimitReader(conn, 1<<16+16))
	if err != nil {
		return NodeInfo{}, err
	}
	if len(resp) < 2 || resp[0] != respPort2 {
		return NodeInfo{}, fmt.Errorf("%w: unexpected PORT_PLEASE2 answer", ErrProtocol)
	}
	if resp[1] != 0 {
		return NodeInfo{}, fmt.Errorf("%w: %s on %s", ErrNotFound, alive, host)
	}
	return parseNodeInfo(resp[2:])
}

// Registration keeps a node registered until it is closed.
type Registration struct {
	conn net.Conn

	// Creation assigned by epmd.
	Creation uint32
}

// Close unregisters the node.
func (r *Registration) Close() error {
	return r.conn.Close()
}

// Register announces info to the epmd of host (ALIVE2_REQ). The node stays
// registered as long as the returned Registration is open.
func (c *Client) Register(ctx context.Context, host string, info NodeInfo) (*Registration, error) {
	conn, stop, err := c.dial(ctx, host)
	if err != nil {
		return nil, err
	}

	reg, err := c.register(conn, info)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return reg, nil
}

func (c *Client) register(conn net.Conn, info NodeInfo) (*Registration, error) {
	if info.HighestVersion == 0 {
		info.HighestVersion = HighestVersion
		info.LowestVersion = LowestVersion
	}
	if info.Type == 0 {
		info.Type = TypeHidden
	}

	if err := writeRequest(conn, appendNodeInfo([]byte{reqAlive2}, info)); err != nil {
		return nil, err
	}

	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[1] != 0 {
		return nil, fmt.Errorf("%w: result %d for %s", ErrRegistration, hdr[1], info.Name)
	}

	reg := &Registration{conn: conn}
	switch hdr[0] {
	case respAlive2X:
		var creation [4]byte
		if _, err := io.ReadFull(conn, creation[:]); err != nil {
			return nil, err
		}
		reg.Creation = binary.BigEndian.Uint32(creation[:])
	case respAlive2:
		var creation [2]byte
		if _, err := io.ReadFull(conn, creation[:]); err != nil {
			return nil, err
		}
		reg.Creation = uint32(binary.BigEndian.Uint16(creation[:]))
	default:
		return nil, fmt.Errorf("%w: unexpected ALIVE2 answer %d", ErrProtocol, hdr[0])
	}
	return reg, nil
}

// Names lists the nodes registered in the epmd of host (NAMES_REQ).
func (c *Client) Names(ctx context.Context, host string) ([]Entry, error) {
	conn, stop, err := c.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer stop()

	if err := writeRequest(conn, []byte{reqNames}); err != nil {
		return nil, err
	}

	var port [4]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return nil, err
	}

	var entries []Entry
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 5 || fields[0] != "name" || fields[2] != "at" || fields[3] != "port" {
			return nil, fmt.Errorf("%w: names line %q", ErrProtocol, sc.Text())
		}
		p, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("%w: names line %q", ErrProtocol, sc.Text())
		}
		entries = append(entries, Entry{Name: fields[1], Port: p})
	}
	return entries, sc.Err()
}
