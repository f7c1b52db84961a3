// Package envelope is the crypto engine: authenticated encryption of
// wire datagrams under the static key (handshake-class) or the derived
// directional session keys (transport-class).
//
// Every open failure collapses into the single opaque ErrAuth. Callers
// must not emit anything network-observable in response; the silent
// drop is what denies an attacker both a key-guessing oracle and an
// amplification vector.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/wire"
)

// ErrAuth is returned for every failed open, regardless of cause.
var ErrAuth = errors.New("envelope: authentication failed")

// Static seals handshake-class datagrams under the pre-shared key with
// XChaCha20-Poly1305 and a random 24-byte nonce, so the static key can
// be reused across sessions and restarts without nonce bookkeeping.
type Static struct {
	aead cipher.AEAD
}

// NewStatic builds the static-key engine.
func NewStatic(key keys.StaticKey) (*Static, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return &Static{aead: aead}, nil
}

// Seal produces a complete handshake-class datagram.
func (s *Static) Seal(t wire.MsgType, sessionTag uint64, body []byte) ([]byte, error) {
	var nonce [wire.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	ad := wire.HandshakeAdditional(t, sessionTag)
	sealed := s.aead.Seal(nil, nonce[:], body, ad)
	return wire.EncodeHandshake(t, sessionTag, nonce, sealed), nil
}

// Open authenticates and decrypts a handshake-class datagram.
func (s *Static) Open(d *wire.Datagram) ([]byte, error) {
	if !d.Type.Handshake() {
		return nil, ErrAuth
	}
	body, err := s.aead.Open(nil, d.Nonce[:], d.Sealed, d.Additional)
	if err != nil {
		return nil, ErrAuth
	}
	return body, nil
}

// Transport seals transport-class datagrams under one session's
// directional keys. The send counter doubles as the nonce; the
// cleartext header and counter are bound as additional data.
type Transport struct {
	send cipher.AEAD
	recv cipher.AEAD
	tag  uint64
}

// NewTransport builds the per-session engine from derived keys.
func NewTransport(sk keys.SessionKeys) (*Transport, error) {
	send, err := chacha20poly1305.New(sk.Send[:])
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(sk.Recv[:])
	if err != nil {
		return nil, err
	}
	return &Transport{send: send, recv: recv, tag: sk.Tag}, nil
}

// Tag returns the cleartext session tag carried by every datagram of
// this session.
func (t *Transport) Tag() uint64 {
	return t.tag
}

// Seal produces a complete transport-class datagram for counter.
func (t *Transport) Seal(mt wire.MsgType, counter uint64, payload []byte) []byte {
	ad := wire.TransportAdditional(mt, t.tag, counter)
	sealed := t.send.Seal(nil, counterNonce(counter), payload, ad)
	return wire.EncodeTransport(mt, t.tag, counter, sealed)
}

// Open authenticates and decrypts a transport-class datagram. Replay
// admission of the counter is the caller's job and must happen only
// after Open succeeds, so forged counters cannot poison the window.
func (t *Transport) Open(d *wire.Datagram) ([]byte, error) {
	if d.Type.Handshake() || d.SessionTag != t.tag {
		return nil, ErrAuth
	}
	payload, err := t.recv.Open(nil, counterNonce(d.Counter), d.Sealed, d.Additional)
	if err != nil {
		return nil, ErrAuth
	}
	return payload, nil
}

func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}
