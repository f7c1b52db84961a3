package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udmo/udmo/bridge"
	"github.com/udmo/udmo/envelope"
	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/session"
	"github.com/udmo/udmo/wire"
)

const (
	// DefaultHandshakeAttempts and DefaultRetryInterval bound the
	// handshake retry budget: ten seconds of trying before giving up.
	DefaultHandshakeAttempts = 50
	DefaultRetryInterval     = 200 * time.Millisecond

	DefaultKeepaliveInterval = 15 * time.Second
)

// ErrHandshakeTimeout is returned when the retry budget runs out
// without an authentic response. The CLI maps it to its own exit code
// so scripts can tell an unreachable peer from a local failure.
var ErrHandshakeTimeout = errors.New("tunnel: no response within handshake retry budget")

// ClientCollaborator starts the local process the connecting side
// bridges to, pointing it at the loopback address and handing it the
// relayed application key. The returned channel fires when the process
// exits.
type ClientCollaborator func(local *net.UDPAddr, appKey string) (<-chan error, error)

// ClientConfig carries everything the connecting side needs. Zero
// fields take defaults.
type ClientConfig struct {
	RemoteAddr *net.UDPAddr
	Key        keys.StaticKey

	MTU               int
	HandshakeAttempts int
	RetryInterval     time.Duration
	KeepaliveInterval time.Duration
	LivenessTimeout   time.Duration

	Collaborator ClientCollaborator

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Client is the connecting-side engine. The socket is connected, so
// the kernel discards datagrams from any other source address.
type Client struct {
	conn   *net.UDPConn
	static *envelope.Static
	key    keys.StaticKey
	slot   *session.Slot

	collaborator ClientCollaborator

	mtu       int
	attempts  int
	retry     time.Duration
	keepalive time.Duration
	liveness  time.Duration

	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient dials the remote engine and prepares the connecting side.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RemoteAddr == nil {
		return nil, errors.New("tunnel: client requires a remote address")
	}
	static, err := envelope.NewStatic(cfg.Key)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, cfg.RemoteAddr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:         conn,
		static:       static,
		key:          cfg.Key,
		slot:         session.NewSlot(),
		collaborator: cfg.Collaborator,
		mtu:          cfg.MTU,
		attempts:     cfg.HandshakeAttempts,
		retry:        cfg.RetryInterval,
		keepalive:    cfg.KeepaliveInterval,
		liveness:     cfg.LivenessTimeout,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		done:         make(chan struct{}),
	}
	if c.mtu <= 0 {
		c.mtu = wire.DefaultMTU
	}
	if c.attempts <= 0 {
		c.attempts = DefaultHandshakeAttempts
	}
	if c.retry <= 0 {
		c.retry = DefaultRetryInterval
	}
	if c.keepalive <= 0 {
		c.keepalive = DefaultKeepaliveInterval
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// State reports the engine's protocol state.
func (c *Client) State() session.State {
	return c.slot.State()
}

// Close stops the engine. Safe to call concurrently with Run or Ping.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Run performs the handshake, starts the local collaborator, and
// bridges until the collaborator exits, the peer goes silent past the
// liveness timeout, or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	appKey, err := c.handshake()
	if err != nil {
		// Interrupting an in-progress handshake is a clean exit, not a
		// timeout.
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}

	local, exited, err := c.startCollaborator(appKey)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	epoch := c.slot.Epoch()
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- local.Pump(c.done, bridge.DefaultBufferSize, func(payload []byte) error {
			pkt, _, err := c.slot.SealTransport(wire.TypeData, payload, epoch)
			if err != nil {
				return err
			}
			if _, err := c.conn.Write(pkt); err != nil {
				return err
			}
			c.metrics.UDPBytesOut.Add(int64(len(pkt)))
			c.metrics.PayloadBytesOut.Add(int64(len(payload)))
			return nil
		})
	}()

	return c.receive(ctx, local, exited, pumpErr)
}

func (c *Client) shutdown() {
	c.Close()
	c.slot.Close()
}

// handshake runs the proof exchange under the retry budget. Each
// attempt re-seals the proof so the datagram is distinct on the wire,
// but the ephemeral pair is stable across attempts: a late response to
// an earlier attempt still completes the same key agreement.
func (c *Client) handshake() (appKey string, err error) {
	eph, err := keys.NewEphemeral()
	if err != nil {
		return "", err
	}
	defer eph.Destroy()

	c.slot.BeginHandshake()
	start := c.now()
	buf := make([]byte, c.mtu+1)

	for attempt := 0; attempt < c.attempts; attempt++ {
		body, err := envelope.BuildProof(eph.Public())
		if err != nil {
			return "", err
		}
		pkt, err := c.static.Seal(wire.TypeHandshakeRequest, 0, body)
		if err != nil {
			return "", err
		}
		if _, err := c.conn.Write(pkt); err != nil {
			return "", err
		}
		c.metrics.UDPBytesOut.Add(int64(len(pkt)))

		deadline := c.now().Add(c.retry)
		for {
			_ = c.conn.SetReadDeadline(deadline)
			n, err := c.conn.Read(buf)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					break
				}
				select {
				case <-c.done:
					return "", ErrHandshakeTimeout
				default:
				}
				return "", err
			}
			c.metrics.UDPBytesIn.Add(int64(n))

			resp, ok := c.acceptResponse(buf[:n], eph)
			if !ok {
				continue
			}
			c.metrics.HandshakesAccepted.Add(1)
			c.metrics.HandshakeRTT.Add(c.now().Sub(start))
			c.log.Info("session established",
				"peer", c.conn.RemoteAddr().String(), "attempts", attempt+1)
			return resp, nil
		}
	}
	return "", ErrHandshakeTimeout
}

// acceptResponse validates one candidate datagram during the
// handshake. Anything that fails is silently ignored; the retry budget
// is the only recovery.
func (c *Client) acceptResponse(pkt []byte, eph *keys.Ephemeral) (appKey string, ok bool) {
	d, err := wire.Decode(pkt, c.mtu)
	if err != nil || d.Type != wire.TypeHandshakeResponse {
		c.metrics.DropDecode.Add(1)
		return "", false
	}
	body, err := c.static.Open(d)
	if err != nil {
		c.metrics.DropAuth.Add(1)
		return "", false
	}
	resp, parsed := envelope.ParseResponse(body)
	if !parsed {
		c.metrics.DropAuth.Add(1)
		return "", false
	}

	shared, err := eph.Shared(resp.Public)
	if err != nil {
		c.metrics.DropAuth.Add(1)
		return "", false
	}
	sk := keys.DeriveSession(c.key, shared, eph.Public(), resp.Public, false)
	keys.Zero(shared[:])

	// Both sides must agree on the tag or transport datagrams will
	// never match; a mismatch means the response answers some other
	// exchange.
	if sk.Tag != resp.SessionTag || d.SessionTag != resp.SessionTag {
		c.metrics.DropAuth.Add(1)
		return "", false
	}

	peer := canonical(c.conn.RemoteAddr().(*net.UDPAddr).AddrPort())
	sess, err := session.New(peer, eph.Public(), sk, c.now())
	if err != nil {
		return "", false
	}
	if _, _, err := c.slot.Establish(sess); err != nil {
		return "", false
	}
	return resp.AppKey, true
}

func (c *Client) startCollaborator(appKey string) (*bridge.Local, <-chan error, error) {
	lconn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, nil, err
	}
	local := bridge.NewListening(lconn)

	var exited <-chan error
	if c.collaborator != nil {
		exited, err = c.collaborator(local.Addr(), appKey)
		if err != nil {
			_ = local.Close()
			return nil, nil, err
		}
	}
	return local, exited, nil
}

// receive is the inbound loop: decrypt peer datagrams into the local
// bridge, send keepalives when the link is quiet, and watch for every
// way the session can end.
func (c *Client) receive(ctx context.Context, local *bridge.Local, exited <-chan error, pumpErr <-chan error) error {
	epoch := c.slot.Epoch()
	lastRecv := c.now()
	lastSent := c.now()
	buf := make([]byte, c.mtu+1)

	for {
		select {
		case err := <-exited:
			c.log.Info("collaborator exited", "err", err)
			return err
		case err := <-pumpErr:
			if err != nil && !errors.Is(err, net.ErrClosed) {
				return err
			}
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(c.now().Add(c.keepalive / 2))
		n, err := c.conn.Read(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				now := c.now()
				if c.liveness > 0 && now.Sub(lastRecv) > c.liveness {
					c.metrics.LivenessExpiries.Add(1)
					c.slot.Teardown()
					return errors.New("tunnel: peer silent past liveness timeout")
				}
				if now.Sub(lastSent) >= c.keepalive {
					if c.sendKeepalive(epoch) {
						lastSent = now
					}
				}
				continue
			}
			select {
			case <-c.done:
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return ctx.Err()
			default:
			}
			return err
		}
		c.metrics.UDPBytesIn.Add(int64(n))

		d, derr := wire.Decode(buf[:n], c.mtu)
		if derr != nil {
			c.metrics.DropDecode.Add(1)
			continue
		}
		if d.Type.Handshake() {
			// Post-establishment handshake-class traffic answers
			// nothing on this side.
			c.metrics.DropUnexpected.Add(1)
			continue
		}

		from := canonical(c.conn.RemoteAddr().(*net.UDPAddr).AddrPort())
		payload, oerr := c.slot.OpenTransport(d, from, c.now())
		if oerr != nil {
			switch {
			case errors.Is(oerr, session.ErrNoSession):
				c.metrics.DropNoSession.Add(1)
			case errors.Is(oerr, session.ErrReplay):
				c.metrics.DropReplay.Add(1)
			default:
				c.metrics.DropAuth.Add(1)
			}
			continue
		}
		lastRecv = c.now()

		if d.Type == wire.TypeData {
			c.metrics.PayloadBytesIn.Add(int64(len(payload)))
			if err := local.Deliver(payload); err != nil && !errors.Is(err, bridge.ErrNoPeer) {
				c.log.Warn("local delivery failed", "err", err)
			}
		}
	}
}

func (c *Client) sendKeepalive(epoch uint64) bool {
	pkt, _, err := c.slot.SealTransport(wire.TypeKeepalive, nil, epoch)
	if err != nil {
		return false
	}
	if _, err := c.conn.Write(pkt); err != nil {
		return false
	}
	c.metrics.UDPBytesOut.Add(int64(len(pkt)))
	return true
}

// Ping measures reachability without disturbing any session the peer
// may be serving. It retries under the same budget as the handshake
// and returns the round-trip time of the first echoed token.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, c.mtu+1)
	for attempt := 0; attempt < c.attempts; attempt++ {
		body, token, err := envelope.BuildPing()
		if err != nil {
			return 0, err
		}
		pkt, err := c.static.Seal(wire.TypePing, 0, body)
		if err != nil {
			return 0, err
		}
		sent := c.now()
		if _, err := c.conn.Write(pkt); err != nil {
			return 0, err
		}
		c.metrics.UDPBytesOut.Add(int64(len(pkt)))

		deadline := sent.Add(c.retry)
		for {
			_ = c.conn.SetReadDeadline(deadline)
			n, err := c.conn.Read(buf)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					break
				}
				select {
				case <-c.done:
					return 0, ErrHandshakeTimeout
				default:
				}
				return 0, err
			}
			d, derr := wire.Decode(buf[:n], c.mtu)
			if derr != nil || d.Type != wire.TypePong {
				continue
			}
			pb, oerr := c.static.Open(d)
			if oerr != nil {
				continue
			}
			echoed, ok := envelope.ParsePong(pb)
			if !ok || echoed != token {
				continue
			}
			return c.now().Sub(sent), nil
		}
	}
	return 0, ErrHandshakeTimeout
}
