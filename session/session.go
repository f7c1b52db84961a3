// Package session owns the single active peer slot: creation on a
// valid handshake, displacement by a competing one, liveness expiry,
// and the epoch counter that lets in-flight forwarding detect that the
// keys it captured are stale.
package session

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/udmo/udmo/envelope"
	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/replay"
	"github.com/udmo/udmo/wire"
)

type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNoSession means no established session matches the datagram.
	ErrNoSession = errors.New("session: no matching session")
	// ErrReplay means the counter was already accepted or is below the
	// window.
	ErrReplay = errors.New("session: replayed counter")
	// ErrStaleEpoch means the slot was displaced or torn down after the
	// caller captured its epoch.
	ErrStaleEpoch = errors.New("session: stale epoch")
)

// Session is one establishment with a single authenticated peer.
type Session struct {
	Peer      netip.AddrPort
	ClientPub [keys.KeySize]byte
	Transport *envelope.Transport

	// CachedResponse lets the server re-answer a retransmitted
	// handshake without rekeying when the response datagram was lost.
	CachedResponse []byte

	sessionKeys   keys.SessionKeys
	sendCounter   uint64
	filter        replay.Filter
	establishedAt time.Time
	lastSeen      time.Time
}

// New builds a session around freshly derived keys.
func New(peer netip.AddrPort, clientPub [keys.KeySize]byte, sk keys.SessionKeys, now time.Time) (*Session, error) {
	transport, err := envelope.NewTransport(sk)
	if err != nil {
		return nil, err
	}
	return &Session{
		Peer:          peer,
		ClientPub:     clientPub,
		Transport:     transport,
		sessionKeys:   sk,
		establishedAt: now,
		lastSeen:      now,
	}, nil
}

func (s *Session) destroy() {
	s.sessionKeys.Destroy()
	s.Transport = nil
	if s.CachedResponse != nil {
		keys.Zero(s.CachedResponse)
		s.CachedResponse = nil
	}
}

// Slot is the exclusive-access boundary around the single session. All
// mutation goes through it; at most one session is live at a time.
type Slot struct {
	mu          sync.Mutex
	epoch       uint64
	closed      bool
	handshaking bool
	cur         *Session
}

func NewSlot() *Slot {
	return &Slot{}
}

// State reports the current protocol state.
func (sl *Slot) State() State {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed {
		return StateClosed
	}
	if sl.cur == nil {
		if sl.handshaking {
			return StateHandshaking
		}
		return StateIdle
	}
	return StateEstablished
}

// BeginHandshake marks a proof exchange in progress; used by the
// client between sending a request and receiving the response.
func (sl *Slot) BeginHandshake() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.closed && sl.cur == nil {
		sl.handshaking = true
	}
}

// Epoch returns the current displacement epoch.
func (sl *Slot) Epoch() uint64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.epoch
}

// Peer returns the bound peer address of the live session, if any.
func (sl *Slot) Peer() (netip.AddrPort, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur == nil {
		return netip.AddrPort{}, false
	}
	return sl.cur.Peer, true
}

// CachedResponse returns the stored response datagram when the request
// repeats the live session's client key from the live session's
// address. Any other combination means a fresh establishment.
func (sl *Slot) CachedResponse(clientPub [keys.KeySize]byte, peer netip.AddrPort) ([]byte, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed || sl.cur == nil {
		return nil, false
	}
	if sl.cur.ClientPub != clientPub || sl.cur.Peer != peer {
		return nil, false
	}
	return sl.cur.CachedResponse, sl.cur.CachedResponse != nil
}

// Establish installs sess, displacing and destroying any current
// session. It returns the new epoch and whether a displacement
// happened.
func (sl *Slot) Establish(sess *Session) (epoch uint64, displaced bool, err error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed {
		return 0, false, ErrStaleEpoch
	}
	if sl.cur != nil {
		sl.cur.destroy()
		displaced = true
	}
	sl.cur = sess
	sl.handshaking = false
	sl.epoch++
	return sl.epoch, displaced, nil
}

// OpenTransport authenticates an inbound transport-class datagram
// against the live session: AEAD open first, then counter admission,
// then the peer address is refreshed (address roaming requires proof
// of key possession, which the successful open is).
func (sl *Slot) OpenTransport(d *wire.Datagram, from netip.AddrPort, now time.Time) ([]byte, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed || sl.cur == nil || sl.cur.Transport == nil {
		return nil, ErrNoSession
	}
	if d.SessionTag != sl.cur.Transport.Tag() {
		return nil, ErrNoSession
	}
	payload, err := sl.cur.Transport.Open(d)
	if err != nil {
		return nil, err
	}
	if !sl.cur.filter.ValidateCounter(d.Counter, replay.RejectAfterMessages) {
		return nil, ErrReplay
	}
	sl.cur.lastSeen = now
	sl.cur.Peer = from
	return payload, nil
}

// SealTransport seals an outbound transport-class datagram under the
// live session, allocating the next send counter. The caller passes
// the epoch it captured when its forwarding operation began; a moved
// epoch means the keys it meant to use are gone.
func (sl *Slot) SealTransport(t wire.MsgType, payload []byte, epoch uint64) (pkt []byte, peer netip.AddrPort, err error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed || sl.cur == nil || sl.cur.Transport == nil {
		return nil, netip.AddrPort{}, ErrNoSession
	}
	if epoch != sl.epoch {
		return nil, netip.AddrPort{}, ErrStaleEpoch
	}
	if sl.cur.sendCounter >= replay.RejectAfterMessages {
		return nil, netip.AddrPort{}, ErrNoSession
	}
	sl.cur.sendCounter++
	return sl.cur.Transport.Seal(t, sl.cur.sendCounter, payload), sl.cur.Peer, nil
}

// ExpireIfIdle tears the session down when no authenticated traffic
// arrived within timeout, returning the engine to Idle.
func (sl *Slot) ExpireIfIdle(now time.Time, timeout time.Duration) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.closed || sl.cur == nil || timeout <= 0 {
		return false
	}
	if now.Sub(sl.cur.lastSeen) < timeout {
		return false
	}
	sl.cur.destroy()
	sl.cur = nil
	sl.handshaking = false
	sl.epoch++
	return true
}

// Teardown discards the live session, if any, and bumps the epoch.
func (sl *Slot) Teardown() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur == nil {
		sl.handshaking = false
		return false
	}
	sl.cur.destroy()
	sl.cur = nil
	sl.handshaking = false
	sl.epoch++
	return true
}

// Close moves the slot to its terminal state. Only local shutdown
// reaches it; no remote message can.
func (sl *Slot) Close() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.cur != nil {
		sl.cur.destroy()
		sl.cur = nil
	}
	sl.epoch++
	sl.closed = true
}
