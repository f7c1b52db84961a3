// Package wire serializes protocol datagrams. The cleartext prefix is
// fixed-width and versioned so unrelated or malformed UDP traffic is
// discarded before any cryptographic work.
//
// Handshake-class datagrams (request, response, ping, pong):
//
//	version(1) type(1) session_tag(8) nonce(24) sealed(...)
//
// Transport-class datagrams (data, keepalive):
//
//	version(1) type(1) session_tag(8) counter(8) sealed(...)
package wire

import (
	"encoding/binary"
	"errors"
)

type MsgType byte

const (
	TypeHandshakeRequest MsgType = iota + 1
	TypeHandshakeResponse
	TypePing
	TypePong
	TypeData
	TypeKeepalive
)

const (
	Version = 1

	HeaderSize  = 10
	NonceSize   = 24
	CounterSize = 8

	// Overhead is the Poly1305 tag appended by the crypto engine.
	Overhead = 16

	DefaultMTU = 1500

	minHandshakeSize = HeaderSize + NonceSize + Overhead
	minTransportSize = HeaderSize + CounterSize + Overhead
)

var (
	ErrBadTag    = errors.New("wire: unrecognized datagram")
	ErrTruncated = errors.New("wire: truncated datagram")
	ErrOversized = errors.New("wire: oversized datagram")
)

// Handshake reports whether the type is sealed under the static key.
func (t MsgType) Handshake() bool {
	return t >= TypeHandshakeRequest && t <= TypePong
}

func (t MsgType) known() bool {
	return t >= TypeHandshakeRequest && t <= TypeKeepalive
}

func (t MsgType) String() string {
	switch t {
	case TypeHandshakeRequest:
		return "handshake_request"
	case TypeHandshakeResponse:
		return "handshake_response"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeData:
		return "data"
	case TypeKeepalive:
		return "keepalive"
	}
	return "unknown"
}

// Datagram is a decoded protocol datagram. Sealed and Additional alias
// the decode input and must be consumed before the buffer is reused.
type Datagram struct {
	Type       MsgType
	SessionTag uint64

	// Nonce is set for handshake-class datagrams.
	Nonce [NonceSize]byte
	// Counter is set for transport-class datagrams.
	Counter uint64

	// Sealed is the ciphertext plus auth tag.
	Sealed []byte
	// Additional is the cleartext prefix bound into the AEAD.
	Additional []byte
}

// EncodeHandshake builds a handshake-class datagram around an already
// sealed body. The returned additional-data slice is the prefix the
// body must have been sealed against.
func EncodeHandshake(t MsgType, sessionTag uint64, nonce [NonceSize]byte, sealed []byte) []byte {
	pkt := make([]byte, HeaderSize+NonceSize+len(sealed))
	putHeader(pkt, t, sessionTag)
	copy(pkt[HeaderSize:], nonce[:])
	copy(pkt[HeaderSize+NonceSize:], sealed)
	return pkt
}

// EncodeTransport builds a transport-class datagram around an already
// sealed payload.
func EncodeTransport(t MsgType, sessionTag uint64, counter uint64, sealed []byte) []byte {
	pkt := make([]byte, HeaderSize+CounterSize+len(sealed))
	putHeader(pkt, t, sessionTag)
	binary.BigEndian.PutUint64(pkt[HeaderSize:], counter)
	copy(pkt[HeaderSize+CounterSize:], sealed)
	return pkt
}

// HandshakeAdditional returns the cleartext prefix a handshake-class
// body is sealed against, for use at seal time.
func HandshakeAdditional(t MsgType, sessionTag uint64) []byte {
	ad := make([]byte, HeaderSize)
	putHeader(ad, t, sessionTag)
	return ad
}

// TransportAdditional returns the cleartext prefix a transport-class
// payload is sealed against, for use at seal time.
func TransportAdditional(t MsgType, sessionTag uint64, counter uint64) []byte {
	ad := make([]byte, HeaderSize+CounterSize)
	putHeader(ad, t, sessionTag)
	binary.BigEndian.PutUint64(ad[HeaderSize:], counter)
	return ad
}

// Decode parses a raw datagram, rejecting anything truncated, larger
// than the MTU, or not carrying this protocol's version and a known
// type.
func Decode(pkt []byte, mtu int) (*Datagram, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if len(pkt) > mtu {
		return nil, ErrOversized
	}
	if len(pkt) < HeaderSize {
		return nil, ErrTruncated
	}
	if pkt[0] != Version {
		return nil, ErrBadTag
	}
	t := MsgType(pkt[1])
	if !t.known() {
		return nil, ErrBadTag
	}

	d := &Datagram{
		Type:       t,
		SessionTag: binary.BigEndian.Uint64(pkt[2:HeaderSize]),
	}
	if t.Handshake() {
		if len(pkt) < minHandshakeSize {
			return nil, ErrTruncated
		}
		copy(d.Nonce[:], pkt[HeaderSize:HeaderSize+NonceSize])
		d.Sealed = pkt[HeaderSize+NonceSize:]
		d.Additional = pkt[:HeaderSize]
		return d, nil
	}
	if len(pkt) < minTransportSize {
		return nil, ErrTruncated
	}
	d.Counter = binary.BigEndian.Uint64(pkt[HeaderSize : HeaderSize+CounterSize])
	d.Sealed = pkt[HeaderSize+CounterSize:]
	d.Additional = pkt[:HeaderSize+CounterSize]
	return d, nil
}

func putHeader(dst []byte, t MsgType, sessionTag uint64) {
	dst[0] = Version
	dst[1] = byte(t)
	binary.BigEndian.PutUint64(dst[2:HeaderSize], sessionTag)
}
