package session

import (
	"net/netip"
	"testing"
	"time"

	"github.com/udmo/udmo/envelope"
	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/wire"
)

var (
	addrA = netip.MustParseAddrPort("198.51.100.1:60001")
	addrB = netip.MustParseAddrPort("203.0.113.9:60002")
)

func testKeys(tag uint64, send, recv byte) keys.SessionKeys {
	sk := keys.SessionKeys{Tag: tag}
	sk.Send[0] = send
	sk.Recv[0] = recv
	return sk
}

// peerFor returns the transport engine speaking the opposite direction
// of sk, as the remote end would.
func peerFor(t *testing.T, sk keys.SessionKeys) *envelope.Transport {
	t.Helper()
	tr, err := envelope.NewTransport(keys.SessionKeys{Tag: sk.Tag, Send: sk.Recv, Recv: sk.Send})
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func establish(t *testing.T, sl *Slot, peer netip.AddrPort, sk keys.SessionKeys, pubByte byte) (*Session, uint64) {
	t.Helper()
	var pub [keys.KeySize]byte
	pub[0] = pubByte
	sess, err := New(peer, pub, sk, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	epoch, _, err := sl.Establish(sess)
	if err != nil {
		t.Fatal(err)
	}
	return sess, epoch
}

func TestSlotStates(t *testing.T) {
	sl := NewSlot()
	if sl.State() != StateIdle {
		t.Fatalf("state = %v; want idle", sl.State())
	}
	sl.BeginHandshake()
	if sl.State() != StateHandshaking {
		t.Fatalf("state = %v; want handshaking", sl.State())
	}
	establish(t, sl, addrA, testKeys(1, 1, 2), 1)
	if sl.State() != StateEstablished {
		t.Fatalf("state = %v; want established", sl.State())
	}
	sl.Close()
	if sl.State() != StateClosed {
		t.Fatalf("state = %v; want closed", sl.State())
	}
	if _, _, err := sl.Establish(&Session{}); err != ErrStaleEpoch {
		t.Fatal("closed slot accepted a session")
	}
}

func TestDisplacementDestroysOldKeys(t *testing.T) {
	sl := NewSlot()
	skA := testKeys(10, 1, 2)
	peerA := peerFor(t, skA)
	_, epochA := establish(t, sl, addrA, skA, 1)

	skB := testKeys(20, 3, 4)
	_, epochB := establish(t, sl, addrB, skB, 2)
	if epochB <= epochA {
		t.Fatalf("epoch did not advance: %d -> %d", epochA, epochB)
	}
	if peer, _ := sl.Peer(); peer != addrB {
		t.Fatalf("peer = %v; want %v", peer, addrB)
	}

	// Traffic under A's (destroyed) keys is rejected as if
	// unauthenticated.
	pkt := peerA.Seal(wire.TypeData, 1, []byte("late"))
	d, err := wire.Decode(pkt, wire.DefaultMTU)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sl.OpenTransport(d, addrA, time.Now()); err != ErrNoSession {
		t.Fatalf("old-session datagram: err = %v; want ErrNoSession", err)
	}

	// Stale-epoch seal attempts are refused.
	if _, _, err := sl.SealTransport(wire.TypeData, []byte("x"), epochA); err != ErrStaleEpoch {
		t.Fatalf("stale epoch seal: err = %v; want ErrStaleEpoch", err)
	}
}

func TestOpenTransportReplayAndRoaming(t *testing.T) {
	sl := NewSlot()
	sk := testKeys(33, 5, 6)
	peer := peerFor(t, sk)
	establish(t, sl, addrA, sk, 1)

	pkt := peer.Seal(wire.TypeData, 1, []byte("hello"))
	d, _ := wire.Decode(pkt, wire.DefaultMTU)
	if _, err := sl.OpenTransport(d, addrA, time.Now()); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	// Identical datagram again: replay.
	d2, _ := wire.Decode(pkt, wire.DefaultMTU)
	if _, err := sl.OpenTransport(d2, addrA, time.Now()); err != ErrReplay {
		t.Fatalf("replay: err = %v; want ErrReplay", err)
	}

	// Next counter from a new address: admitted, and the peer address
	// roams.
	pkt2 := peer.Seal(wire.TypeData, 2, []byte("moved"))
	d3, _ := wire.Decode(pkt2, wire.DefaultMTU)
	if _, err := sl.OpenTransport(d3, addrB, time.Now()); err != nil {
		t.Fatalf("roamed delivery failed: %v", err)
	}
	if got, _ := sl.Peer(); got != addrB {
		t.Fatalf("peer did not roam: %v", got)
	}
}

func TestLivenessExpiry(t *testing.T) {
	sl := NewSlot()
	now := time.Unix(1_700_000_000, 0)
	var pub [keys.KeySize]byte
	sess, err := New(addrA, pub, testKeys(5, 7, 8), now)
	if err != nil {
		t.Fatal(err)
	}
	epoch, _, err := sl.Establish(sess)
	if err != nil {
		t.Fatal(err)
	}

	if sl.ExpireIfIdle(now.Add(30*time.Second), time.Minute) {
		t.Fatal("expired while within the liveness window")
	}
	if !sl.ExpireIfIdle(now.Add(2*time.Minute), time.Minute) {
		t.Fatal("did not expire after the liveness window")
	}
	if sl.State() != StateIdle {
		t.Fatalf("state = %v; want idle after expiry", sl.State())
	}
	if sl.Epoch() == epoch {
		t.Fatal("epoch unchanged after expiry")
	}

	// A fresh establishment succeeds afterwards.
	establish(t, sl, addrB, testKeys(6, 9, 10), 2)
	if sl.State() != StateEstablished {
		t.Fatal("re-establishment after expiry failed")
	}
}

func TestCachedResponseRequiresSameKeyAndAddress(t *testing.T) {
	sl := NewSlot()
	sk := testKeys(44, 1, 2)
	sess, epoch := establish(t, sl, addrA, sk, 7)
	_ = epoch
	sess.CachedResponse = []byte("response datagram")

	var pub, otherPub [keys.KeySize]byte
	pub[0] = 7
	otherPub[0] = 8

	if resp, ok := sl.CachedResponse(pub, addrA); !ok || string(resp) != "response datagram" {
		t.Fatal("matching retransmit did not get the cached response")
	}
	if _, ok := sl.CachedResponse(otherPub, addrA); ok {
		t.Fatal("different client key must not reuse the response")
	}
	if _, ok := sl.CachedResponse(pub, addrB); ok {
		t.Fatal("different address must not reuse the response")
	}
}

func TestSealTransportCountersIncrease(t *testing.T) {
	sl := NewSlot()
	sk := testKeys(55, 1, 2)
	_, epoch := establish(t, sl, addrA, sk, 1)

	var last uint64
	for i := 0; i < 3; i++ {
		pkt, peer, err := sl.SealTransport(wire.TypeData, []byte("payload"), epoch)
		if err != nil {
			t.Fatal(err)
		}
		if peer != addrA {
			t.Fatalf("peer = %v", peer)
		}
		d, err := wire.Decode(pkt, wire.DefaultMTU)
		if err != nil {
			t.Fatal(err)
		}
		if d.Counter <= last {
			t.Fatalf("counter not strictly increasing: %d after %d", d.Counter, last)
		}
		last = d.Counter
	}
}
