package cnode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

type frameKind uint8

const (
	// frameHeartbeat is a tick, a frame of length zero.
	frameHeartbeat frameKind = iota
	// frameData carries a distribution message in body.
	frameData
	// frameError reports why no frame could be read.
	frameError
)

type frame struct {
	kind frameKind
	body *Buffer
	err  error
}

// frameReader cuts the post-handshake stream into frames. Bytes read before
// a timeout are kept, so the next call resumes the same frame.
type frameReader struct {
	r   io.Reader
	max int

	hdr  [4]byte
	hdrN int

	body  *Buffer
	bodyN int
}

func (fr *frameReader) next() frame {
	for fr.hdrN < len(fr.hdr) {
		n, err := fr.r.Read(fr.hdr[fr.hdrN:])
		fr.hdrN += n
		if err != nil && fr.hdrN < len(fr.hdr) {
			return frame{kind: frameError, err: fr.readErr(err)}
		}
	}

	size := binary.BigEndian.Uint32(fr.hdr[:])
	if size == 0 {
		fr.hdrN = 0
		return frame{kind: frameHeartbeat}
	}
	if uint64(size) > uint64(fr.max) {
		return frame{kind: frameError, err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)}
	}

	if fr.body == nil {
		fr.body = takeBuffer()
		fr.body.Allocate(int(size))
		fr.bodyN = 0
	}
	for fr.bodyN < len(fr.body.B) {
		n, err := fr.r.Read(fr.body.B[fr.bodyN:])
		fr.bodyN += n
		if err != nil && fr.bodyN < len(fr.body.B) {
			return frame{kind: frameError, err: fr.readErr(err)}
		}
	}

	body := fr.body
	fr.body = nil
	fr.hdrN = 0
	fr.bodyN = 0
	return frame{kind: frameData, body: body}
}

func (fr *frameReader) readErr(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) && (fr.hdrN > 0 || fr.body != nil) {
		return fmt.Errorf("%w: truncated frame", io.ErrUnexpectedEOF)
	}
	return err
}

// release drops a partially read body.
func (fr *frameReader) release() {
	if fr.body != nil {
		fr.body.Release()
		fr.body = nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
