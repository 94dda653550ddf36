package epmd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"
)

// Log attribute keys. The cnode telemetry labels reuse them so epmd logs
// line up with connection logs.
const (
	LogKeyError    = "error"
	LogKeyNode     = "node"
	LogKeyPeerAddr = "peer_addr"
)

// Server is an in-process epmd answering ALIVE2, PORT_PLEASE2 and NAMES.
type Server struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu       sync.Mutex
	nodes    map[string]NodeInfo
	creation uint32
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

const requestTimeout = 10 * time.Second

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.nodes == nil {
		s.nodes = make(map[string]NodeInfo)
		s.conns = make(map[net.Conn]struct{})
	}
	s.ln = ln
	s.mu.Unlock()

	s.Logger.Info("epmd listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

// Close stops the listener and drops every registration.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	conn.SetDeadline(time.Now().Add(requestTimeout))
	req, err := readRequest(conn)
	if err != nil {
		s.Logger.Debug("bad request", LogKeyPeerAddr, conn.RemoteAddr().String(), LogKeyError, err)
		return
	}

	switch req[0] {
	case reqAlive2:
		s.handleAlive(conn, req[1:])
	case reqPortPlease:
		s.handlePortPlease(conn, string(req[1:]))
	case reqNames:
		s.handleNames(conn)
	default:
		s.Logger.Debug("unsupported request", LogKeyPeerAddr, conn.RemoteAddr().String(), "code", req[0])
	}
}

func (s *Server) handleAlive(conn net.Conn, req []byte) {
	info, err := parseNodeInfo(req)
	if err != nil || info.Name == "" {
		s.Logger.Debug("bad ALIVE2 request", LogKeyPeerAddr, conn.RemoteAddr().String(), LogKeyError, err)
		conn.Write([]byte{respAlive2X, 1, 0, 0, 0, 0})
		return
	}

	s.mu.Lock()
	if _, taken := s.nodes[info.Name]; taken {
		s.mu.Unlock()
		s.Logger.Warn("name already registered", LogKeyNode, info.Name)
		conn.Write([]byte{respAlive2X, 1, 0, 0, 0, 0})
		return
	}
	s.creation++
	if s.creation == 0 {
		s.creation = 1
	}
	creation := s.creation
	s.nodes[info.Name] = info
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.nodes, info.Name)
		s.mu.Unlock()
		s.Logger.Info("node unregistered", LogKeyNode, info.Name)
	}()

	resp := binary.BigEndian.AppendUint32([]byte{respAlive2X, 0}, creation)
	if _, err := conn.Write(resp); err != nil {
		return
	}
	s.Logger.Info("node registered", LogKeyNode, info.Name, "port", info.Port, "creation", creation)

	// The registration lives as long as the connection.
	conn.SetDeadline(time.Time{})
	if _, err := io.Copy(io.Discard, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		s.Logger.Debug("registration connection failed", LogKeyNode, info.Name, LogKeyError, err)
	}
}

func (s *Server) handlePortPlease(conn net.Conn, name string) {
	s.mu.Lock()
	info, ok := s.nodes[name]
	s.mu.Unlock()

	if !ok {
		conn.Write([]byte{respPort2, 1})
		return
	}
	conn.Write(appendNodeInfo([]byte{respPort2, 0}, info))
}

func (s *Server) handleNames(conn net.Conn) {
	s.mu.Lock()
	port := 0
	if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	slices.Sort(names)

	resp := binary.BigEndian.AppendUint32(nil, uint32(port))
	for _, name := range names {
		resp = fmt.Appendf(resp, "name %s at port %d\n", name, s.nodes[name].Port)
	}
	s.mu.Unlock()

	conn.Write(resp)
}
