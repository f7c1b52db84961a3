package envelope

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/tai64n"
	"github.com/udmo/udmo/wire"
)

// ProofBodySize is the fixed sealed-body length of a HandshakeRequest.
// The body is padded with random bytes so the request is always larger
// than any reply the server may send to a not-yet-established peer,
// which is what makes the amplification bound hold by construction.
const ProofBodySize = 128

// maxAppKeySize bounds the relayed application key (mosh emits ~22
// base64 characters).
const maxAppKeySize = 80

const (
	proofFixedSize    = keys.KeySize + tai64n.TimestampSize
	responseFixedSize = keys.KeySize + 8 + 1
)

// RequestDatagramSize is the on-wire size of a HandshakeRequest.
const RequestDatagramSize = wire.HeaderSize + wire.NonceSize + ProofBodySize + wire.Overhead

// Proof is the sealed body of a HandshakeRequest: the client's
// ephemeral public key and a whitened timestamp for freshness.
type Proof struct {
	Public [keys.KeySize]byte
	Stamp  tai64n.Timestamp
}

// BuildProof serializes a proof, padding to ProofBodySize.
func BuildProof(public [keys.KeySize]byte) ([]byte, error) {
	body := make([]byte, ProofBodySize)
	copy(body, public[:])
	stamp := tai64n.Now()
	copy(body[keys.KeySize:], stamp[:])
	if _, err := rand.Read(body[proofFixedSize:]); err != nil {
		return nil, err
	}
	return body, nil
}

// ParseProof deserializes a proof body. The length must be exact; a
// correctly sealed body of the wrong shape is still dropped.
func ParseProof(body []byte) (Proof, bool) {
	var p Proof
	if len(body) != ProofBodySize {
		return p, false
	}
	copy(p.Public[:], body[:keys.KeySize])
	copy(p.Stamp[:], body[keys.KeySize:proofFixedSize])
	return p, true
}

// Response is the sealed body of a HandshakeResponse: the server's
// ephemeral public key, the session tag the client must present on
// transport datagrams, and the relayed application key for the local
// remote-terminal process.
type Response struct {
	Public     [keys.KeySize]byte
	SessionTag uint64
	AppKey     string
}

// BuildResponse serializes a response body.
func BuildResponse(r Response) ([]byte, bool) {
	if len(r.AppKey) > maxAppKeySize {
		return nil, false
	}
	body := make([]byte, responseFixedSize+len(r.AppKey))
	copy(body, r.Public[:])
	binary.BigEndian.PutUint64(body[keys.KeySize:], r.SessionTag)
	body[keys.KeySize+8] = byte(len(r.AppKey))
	copy(body[responseFixedSize:], r.AppKey)
	return body, true
}

// ParseResponse deserializes a response body.
func ParseResponse(body []byte) (Response, bool) {
	var r Response
	if len(body) < responseFixedSize {
		return r, false
	}
	copy(r.Public[:], body[:keys.KeySize])
	r.SessionTag = binary.BigEndian.Uint64(body[keys.KeySize:])
	keyLen := int(body[keys.KeySize+8])
	if keyLen > maxAppKeySize || len(body) != responseFixedSize+keyLen {
		return r, false
	}
	r.AppKey = string(body[responseFixedSize:])
	return r, true
}

// pingBodySize: token plus timestamp. A Pong carries the token alone,
// so the reply is always smaller than the probe.
const pingBodySize = 8 + tai64n.TimestampSize

// BuildPing serializes a ping body around a random echo token.
func BuildPing() (body []byte, token uint64, err error) {
	body = make([]byte, pingBodySize)
	if _, err := rand.Read(body[:8]); err != nil {
		return nil, 0, err
	}
	token = binary.BigEndian.Uint64(body[:8])
	stamp := tai64n.Now()
	copy(body[8:], stamp[:])
	return body, token, nil
}

// ParsePing extracts the echo token and freshness stamp from a ping
// body.
func ParsePing(body []byte) (uint64, tai64n.Timestamp, bool) {
	var stamp tai64n.Timestamp
	if len(body) != pingBodySize {
		return 0, stamp, false
	}
	copy(stamp[:], body[8:])
	return binary.BigEndian.Uint64(body[:8]), stamp, true
}

// BuildPong serializes a pong body echoing the token.
func BuildPong(token uint64) []byte {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, token)
	return body
}

// ParsePong extracts the echoed token from a pong body.
func ParsePong(body []byte) (uint64, bool) {
	if len(body) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(body), true
}
