package cnode

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
)

// Distribution capability flags.
const (
	flagPublished          uint64 = 0x1
	flagAtomCache          uint64 = 0x2
	flagExtendedReferences uint64 = 0x4
	flagDistMonitor        uint64 = 0x8
	flagFunTags            uint64 = 0x10
	flagNewFunTags         uint64 = 0x80
	flagExtendedPidsPorts  uint64 = 0x100
	flagExportPtrTag       uint64 = 0x200
	flagBitBinaries        uint64 = 0x400
	flagNewFloats          uint64 = 0x800
	flagUTF8Atoms          uint64 = 0x10000
	flagMapTag             uint64 = 0x20000
	flagBigCreation        uint64 = 0x40000
	flagSendSender         uint64 = 0x80000
	flagHandshake23        uint64 = 0x1000000
	flagUnlinkID           uint64 = 0x2000000
	flagV4NC               uint64 = 1 << 34
)

// Hidden node: we never set flagPublished so the peer does not gossip us to
// the rest of its cluster.
const localFlags = flagExtendedReferences |
	flagFunTags |
	flagNewFunTags |
	flagExtendedPidsPorts |
	flagExportPtrTag |
	flagBitBinaries |
	flagNewFloats |
	flagUTF8Atoms |
	flagMapTag |
	flagBigCreation |
	flagSendSender |
	flagHandshake23 |
	flagUnlinkID |
	flagV4NC

// The encoder relies on these.
const requiredFlags = flagExtendedReferences |
	flagExtendedPidsPorts |
	flagUTF8Atoms |
	flagBigCreation |
	flagHandshake23

const (
	tagSendName       = 'N'
	tagStatus         = 's'
	tagChallengeReply = 'r'
	tagChallengeAck   = 'a'

	maxHandshakeMessage = 1 << 12
)

type handshakeResult struct {
	peerName     string
	peerFlags    uint64
	peerCreation uint32
}

type handshaker struct {
	conn     net.Conn
	name     string
	creation uint32
	cookie   secret
	flags    uint64
}

// handshakeDigests returns the digest we must answer to the remote
// challenge and the one we expect for our own challenge.
func handshakeDigests(local, remote uint32, cookie secret) (send, expect [16]byte) {
	return genDigest(remote, cookie), genDigest(local, cookie)
}

func genDigest(challenge uint32, cookie secret) [16]byte {
	return md5.Sum([]byte(string(cookie) + strconv.FormatUint(uint64(challenge), 10)))
}

func genChallenge() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// client runs the initiating side of the handshake.
func (hs *handshaker) client() (handshakeResult, error) {
	var res handshakeResult

	if err := hs.sendName(); err != nil {
		return res, err
	}

	if err := hs.recvStatus(); err != nil {
		return res, err
	}

	msg, err := hs.read()
	if err != nil {
		return res, err
	}
	remoteChallenge, err := hs.parseChallenge(msg, &res)
	if err != nil {
		return res, err
	}

	localChallenge, err := genChallenge()
	if err != nil {
		return res, err
	}
	send, expect := handshakeDigests(localChallenge, remoteChallenge, hs.cookie)

	reply := make([]byte, 0, 21)
	reply = append(reply, tagChallengeReply)
	reply = binary.BigEndian.AppendUint32(reply, localChallenge)
	reply = append(reply, send[:]...)
	if err := hs.write(reply); err != nil {
		return res, err
	}

	msg, err = hs.read()
	if err != nil {
		return res, err
	}
	if len(msg) != 17 || msg[0] != tagChallengeAck {
		return res, fmt.Errorf("%w: unexpected challenge ack", ErrProtocolViolation)
	}
	if subtle.ConstantTimeCompare(msg[1:], expect[:]) != 1 {
		return res, ErrAuthFailed
	}
	return res, nil
}

// server runs the accepting side of the handshake.
func (hs *handshaker) server() (handshakeResult, error) {
	var res handshakeResult

	msg, err := hs.read()
	if err != nil {
		return res, err
	}
	if len(msg) < 15 || msg[0] != tagSendName {
		return res, fmt.Errorf("%w: unexpected send_name", ErrProtocolViolation)
	}
	res.peerFlags = binary.BigEndian.Uint64(msg[1:9])
	res.peerCreation = binary.BigEndian.Uint32(msg[9:13])
	nlen := int(binary.BigEndian.Uint16(msg[13:15]))
	if len(msg) != 15+nlen {
		return res, fmt.Errorf("%w: send_name length", ErrProtocolViolation)
	}
	res.peerName = string(msg[15:])
	if res.peerFlags&requiredFlags != requiredFlags {
		hs.write([]byte("snot_allowed"))
		return res, ErrHandshakeFlags
	}

	if err := hs.write([]byte("sok")); err != nil {
		return res, err
	}

	localChallenge, err := genChallenge()
	if err != nil {
		return res, err
	}
	challenge := make([]byte, 0, 19+len(hs.name))
	challenge = append(challenge, tagSendName)
	challenge = binary.BigEndian.AppendUint64(challenge, hs.flags)
	challenge = binary.BigEndian.AppendUint32(challenge, localChallenge)
	challenge = binary.BigEndian.AppendUint32(challenge, hs.creation)
	challenge = binary.BigEndian.AppendUint16(challenge, uint16(len(hs.name)))
	challenge = append(challenge, hs.name...)
	if err := hs.write(challenge); err != nil {
		return res, err
	}

	msg, err = hs.read()
	if err != nil {
		return res, err
	}
	if len(msg) != 21 || msg[0] != tagChallengeReply {
		return res, fmt.Errorf("%w: unexpected challenge reply", ErrProtocolViolation)
	}
	remoteChallenge := binary.BigEndian.Uint32(msg[1:5])
	send, expect := handshakeDigests(localChallenge, remoteChallenge, hs.cookie)
	if subtle.ConstantTimeCompare(msg[5:], expect[:]) != 1 {
		return res, ErrAuthFailed
	}

	ack := make([]byte, 0, 17)
	ack = append(ack, tagChallengeAck)
	ack = append(ack, send[:]...)
	return res, hs.write(ack)
}

func (hs *handshaker) sendName() error {
	msg := make([]byte, 0, 15+len(hs.name))
	msg = append(msg, tagSendName)
	msg = binary.BigEndian.AppendUint64(msg, hs.flags)
	msg = binary.BigEndian.AppendUint32(msg, hs.creation)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(hs.name)))
	msg = append(msg, hs.name...)
	return hs.write(msg)
}

func (hs *handshaker) recvStatus() error {
	msg, err := hs.read()
	if err != nil {
		return err
	}
	if len(msg) < 1 || msg[0] != tagStatus {
		return fmt.Errorf("%w: expected status", ErrProtocolViolation)
	}

	switch status := string(msg[1:]); status {
	case "ok", "ok_simultaneous":
		return nil
	case "alive":
		// Another connection from our name exists on the peer, ask it to
		// drop the old one.
		return hs.write([]byte("strue"))
	default:
		return fmt.Errorf("%w: %s", ErrHandshakeStatus, status)
	}
}

func (hs *handshaker) parseChallenge(msg []byte, res *handshakeResult) (uint32, error) {
	if len(msg) < 19 || msg[0] != tagSendName {
		return 0, fmt.Errorf("%w: unexpected challenge", ErrProtocolViolation)
	}
	res.peerFlags = binary.BigEndian.Uint64(msg[1:9])
	challenge := binary.BigEndian.Uint32(msg[9:13])
	res.peerCreation = binary.BigEndian.Uint32(msg[13:17])
	nlen := int(binary.BigEndian.Uint16(msg[17:19]))
	if len(msg) != 19+nlen {
		return 0, fmt.Errorf("%w: challenge length", ErrProtocolViolation)
	}
	res.peerName = string(msg[19:])
	if res.peerFlags&requiredFlags != requiredFlags {
		return 0, ErrHandshakeFlags
	}
	return challenge, nil
}

func (hs *handshaker) write(msg []byte) error {
	if len(msg) > math.MaxUint16 {
		return fmt.Errorf("%w: handshake message too large", ErrProtocolViolation)
	}
	out := make([]byte, 2, 2+len(msg))
	binary.BigEndian.PutUint16(out, uint16(len(msg)))
	out = append(out, msg...)
	_, err := hs.conn.Write(out)
	return err
}

func (hs *handshaker) read() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(hs.conn, hdr[:]); err != nil {
		return nil, unexpectedEOF(err)
	}
	size := int(binary.BigEndian.Uint16(hdr[:]))
	if size == 0 || size > maxHandshakeMessage {
		return nil, fmt.Errorf("%w: handshake message of %d bytes", ErrProtocolViolation, size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(hs.conn, msg); err != nil {
		return nil, unexpectedEOF(err)
	}
	return msg, nil
}

// A peer rejecting our digest just hangs up.
func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
