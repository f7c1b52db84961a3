// Package keys owns the static pre-shared key and the derivation of
// per-session directional keys from handshake-exchanged randomness.
package keys

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

const (
	labelClientSend = "udmo-c2s"
	labelServerSend = "udmo-s2c"
	labelSessionTag = "udmo-tag"
)

// StaticKey is the 32-byte pre-shared secret. It is loaded once and
// never transmitted.
type StaticKey [KeySize]byte

// LoadStatic reads a static key file. The file must contain exactly 32
// raw bytes.
func LoadStatic(path string) (StaticKey, error) {
	var key StaticKey
	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("read key file: %w", err)
	}
	if len(data) != KeySize {
		return key, fmt.Errorf("key file %s: expected %d bytes, got %d", path, KeySize, len(data))
	}
	copy(key[:], data)
	Zero(data)
	return key, nil
}

// GenerateStatic writes 32 random bytes to path, refusing to clobber an
// existing file.
func GenerateStatic(path string) error {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return err
	}
	defer Zero(key[:])
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(key[:]); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Ephemeral is a per-handshake X25519 key pair.
type Ephemeral struct {
	priv [KeySize]byte
	pub  [KeySize]byte
}

// NewEphemeral generates a fresh clamped X25519 pair.
func NewEphemeral() (*Ephemeral, error) {
	e := &Ephemeral{}
	if _, err := rand.Read(e.priv[:]); err != nil {
		return nil, err
	}
	e.priv[0] &= 248
	e.priv[31] &= 127
	e.priv[31] |= 64
	pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(e.pub[:], pub)
	return e, nil
}

// Public returns the public half.
func (e *Ephemeral) Public() [KeySize]byte {
	return e.pub
}

// Shared computes the X25519 shared secret with the peer's public key.
func (e *Ephemeral) Shared(peer [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	shared, err := curve25519.X25519(e.priv[:], peer[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

// Destroy wipes the private half.
func (e *Ephemeral) Destroy() {
	Zero(e.priv[:])
}

// SessionKeys holds the directional keys and the cleartext session tag
// for one establishment. Send and Recv are distinct to prevent
// reflection.
type SessionKeys struct {
	Send [KeySize]byte
	Recv [KeySize]byte
	Tag  uint64
}

// DeriveSession derives directional session keys and the session tag
// from the static key, the ephemeral shared secret, and both ephemeral
// public keys. The static key participates so possession of a captured
// handshake transcript alone yields nothing.
func DeriveSession(static StaticKey, shared, clientPub, serverPub [KeySize]byte, server bool) SessionKeys {
	c2s := deriveKey(labelClientSend, static[:], shared[:], clientPub[:], serverPub[:])
	s2c := deriveKey(labelServerSend, static[:], shared[:], clientPub[:], serverPub[:])
	tag := deriveKey(labelSessionTag, shared[:], clientPub[:], serverPub[:])

	sk := SessionKeys{Tag: binary.BigEndian.Uint64(tag[:8])}
	if server {
		sk.Send = s2c
		sk.Recv = c2s
	} else {
		sk.Send = c2s
		sk.Recv = s2c
	}
	return sk
}

// Destroy wipes both directional keys.
func (sk *SessionKeys) Destroy() {
	Zero(sk.Send[:])
	Zero(sk.Recv[:])
}

func deriveKey(label string, parts ...[]byte) [KeySize]byte {
	size := len(label)
	for _, p := range parts {
		size += len(p)
	}
	input := make([]byte, 0, size)
	input = append(input, label...)
	for _, p := range parts {
		input = append(input, p...)
	}
	sum := blake2s.Sum256(input)
	Zero(input)
	return sum
}

// Zero overwrites b with zeroes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
