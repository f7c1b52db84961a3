// Package bridge pumps opaque datagrams between the loopback socket of
// the co-located remote-terminal process and the authenticated UDP
// peer. It preserves datagram boundaries: one local datagram becomes
// exactly one sealed datagram and vice versa.
package bridge

import (
	"errors"
	"net"
	"sync"
)

// DefaultBufferSize bounds a single relayed datagram; mosh keeps its
// datagrams well under the path MTU, the slack covers jumbo loopback
// frames.
const DefaultBufferSize = 8192

// ErrNoPeer is returned when traffic for the local process arrives
// before the process has sent anything, so its reply address is still
// unknown.
var ErrNoPeer = errors.New("bridge: local peer address not yet known")

// Local wraps the loopback UDP socket facing the local collaborator.
//
// On the serve side the socket is connected (dialed to the port the
// remote-terminal server printed). On the connect side it is a
// listening socket; the collaborator's ephemeral source port is
// learned from its first datagram and pinned afterwards.
type Local struct {
	conn      *net.UDPConn
	connected bool

	mu    sync.Mutex
	reply *net.UDPAddr
}

// NewConnected wraps a dialed loopback socket.
func NewConnected(conn *net.UDPConn) *Local {
	return &Local{conn: conn, connected: true}
}

// NewListening wraps a bound loopback socket whose peer is learned
// from the first inbound datagram.
func NewListening(conn *net.UDPConn) *Local {
	return &Local{conn: conn}
}

// Addr returns the loopback address the local process should target.
func (l *Local) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Deliver writes one decrypted payload to the local process as one
// datagram.
func (l *Local) Deliver(payload []byte) error {
	if l.connected {
		_, err := l.conn.Write(payload)
		return err
	}
	l.mu.Lock()
	reply := l.reply
	l.mu.Unlock()
	if reply == nil {
		return ErrNoPeer
	}
	_, err := l.conn.WriteToUDP(payload, reply)
	return err
}

// Pump reads datagrams from the local process and hands each one to
// forward until the socket fails, forward rejects one (stale session
// epoch), or done fires. The socket is closed on the way out so the
// peer loop cannot write into a displaced session's bridge.
func (l *Local) Pump(done <-chan struct{}, bufSize int, forward func(payload []byte) error) error {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	stop := make(chan struct{})
	var once sync.Once
	closeConn := func() {
		once.Do(func() { _ = l.conn.Close() })
	}
	defer close(stop)
	defer closeConn()
	go func() {
		select {
		case <-done:
			closeConn()
		case <-stop:
		}
	}()

	buf := make([]byte, bufSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return err
		}
		if !l.connected {
			l.mu.Lock()
			if l.reply == nil {
				l.reply = addr
			}
			pinned := l.reply
			l.mu.Unlock()
			if addr.String() != pinned.String() {
				continue
			}
		}
		if err := forward(buf[:n]); err != nil {
			return err
		}
	}
}

// Close releases the loopback socket.
func (l *Local) Close() error {
	return l.conn.Close()
}
