// Package tunnel runs the two engine roles: the serving side that
// answers authenticated handshakes and bridges to a local
// remote-terminal server, and the connecting side that performs the
// handshake and bridges to a local remote-terminal client.
package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/udmo/udmo/bridge"
	"github.com/udmo/udmo/envelope"
	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/ratelimiter"
	"github.com/udmo/udmo/session"
	"github.com/udmo/udmo/tai64n"
	"github.com/udmo/udmo/wire"
)

const (
	// DefaultHandshakeSkew bounds how far a proof timestamp may sit
	// from local time. Wide enough for ordinary clock drift, narrow
	// enough that a recorded handshake goes stale long before the
	// replay cache could cycle.
	DefaultHandshakeSkew = 2 * time.Minute

	// expiryTick is the read-deadline granularity of the serve loop,
	// which doubles as the liveness sweep interval.
	expiryTick = time.Second
)

// Collaborator starts the local process the serving side bridges to
// and returns its loopback socket plus the application key to relay
// inside the sealed handshake response.
type Collaborator func() (*bridge.Local, string, error)

// ServerConfig carries everything the serving side needs. Zero fields
// take defaults.
type ServerConfig struct {
	ListenAddr *net.UDPAddr
	Key        keys.StaticKey

	MTU             int
	LivenessTimeout time.Duration
	HandshakeSkew   time.Duration
	ReplayCacheSize int
	RateLimitPPS    int
	RateLimitBurst  int

	Collaborator Collaborator

	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Server is the serving-side engine: one UDP socket, one session slot,
// one local bridge at a time.
type Server struct {
	conn      *net.UDPConn
	static    *envelope.Static
	staticKey keys.StaticKey
	slot      *session.Slot
	cache     *envelope.ReplayCache
	limiter   ratelimiter.Ratelimiter

	collaborator Collaborator

	mtu      int
	liveness time.Duration
	skew     time.Duration

	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
	droplog *logLimiter

	// local is owned by the serve loop; pumps reach it only through
	// the closure they were started with.
	local *bridge.Local

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer binds the listening socket and prepares the engine. Run
// must be called to start serving.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Collaborator == nil {
		return nil, errors.New("tunnel: server requires a collaborator")
	}
	static, err := envelope.NewStatic(cfg.Key)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		conn:         conn,
		static:       static,
		staticKey:    cfg.Key,
		slot:         session.NewSlot(),
		cache:        envelope.NewReplayCache(cfg.ReplayCacheSize),
		collaborator: cfg.Collaborator,
		mtu:          cfg.MTU,
		liveness:     cfg.LivenessTimeout,
		skew:         cfg.HandshakeSkew,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		droplog:      newLogLimiter(10 * time.Second),
		done:         make(chan struct{}),
	}
	if s.mtu <= 0 {
		s.mtu = wire.DefaultMTU
	}
	if s.skew <= 0 {
		s.skew = DefaultHandshakeSkew
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.limiter.Init(cfg.RateLimitPPS, cfg.RateLimitBurst)
	return s, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// State reports the engine's protocol state.
func (s *Server) State() session.State {
	return s.slot.State()
}

// Run serves until ctx is cancelled or the socket fails. The receive
// loop is single-threaded; only the outbound bridge pump runs beside
// it.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	s.log.Info("serving", "addr", s.conn.LocalAddr().String())

	buf := make([]byte, s.mtu+1)
	for {
		_ = s.conn.SetReadDeadline(s.now().Add(expiryTick))
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.done:
				// Operator-initiated shutdown is a clean exit.
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return ctx.Err()
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				s.sweep()
				continue
			}
			return err
		}
		s.handleDatagram(buf[:n], canonical(from))
		s.sweep()
	}
}

// Close stops the engine. Safe to call concurrently with Run.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Server) shutdown() {
	s.Close()
	s.slot.Close()
	s.limiter.Close()
	if s.local != nil {
		_ = s.local.Close()
		s.local = nil
	}
}

// sweep tears down the session when the peer has been silent past the
// liveness timeout.
func (s *Server) sweep() {
	if s.slot.ExpireIfIdle(s.now(), s.liveness) {
		s.metrics.LivenessExpiries.Add(1)
		s.log.Info("session expired", "timeout", s.liveness)
		if s.local != nil {
			_ = s.local.Close()
			s.local = nil
		}
	}
}

func (s *Server) handleDatagram(pkt []byte, from netip.AddrPort) {
	s.metrics.UDPBytesIn.Add(int64(len(pkt)))

	d, err := wire.Decode(pkt, s.mtu)
	if err != nil {
		s.metrics.DropDecode.Add(1)
		s.drop("decode", from, err)
		return
	}
	if d.Type.Handshake() {
		s.handleHandshake(pkt, d, from)
		return
	}
	s.handleTransport(d, from)
}

func (s *Server) handleHandshake(pkt []byte, d *wire.Datagram, from netip.AddrPort) {
	if !s.limiter.Allow(from.Addr()) {
		s.metrics.DropRateLimit.Add(1)
		s.drop("ratelimit", from, nil)
		return
	}

	body, err := s.static.Open(d)
	if err != nil {
		s.metrics.DropAuth.Add(1)
		s.drop("auth", from, nil)
		return
	}

	if replayed, _ := s.cache.Seen(envelope.Digest(pkt)); replayed {
		s.metrics.DropReplay.Add(1)
		s.drop("replay", from, nil)
		return
	}

	switch d.Type {
	case wire.TypeHandshakeRequest:
		s.handleRequest(body, d, from, len(pkt))
	case wire.TypePing:
		s.handlePing(body, d, from, len(pkt))
	default:
		// Responses and pongs have no business arriving here.
		s.metrics.DropUnexpected.Add(1)
		s.drop("unexpected", from, nil)
	}
}

func (s *Server) handleRequest(body []byte, d *wire.Datagram, from netip.AddrPort, trigger int) {
	proof, ok := envelope.ParseProof(body)
	if !ok {
		s.metrics.DropAuth.Add(1)
		s.drop("proof", from, nil)
		return
	}
	if !s.fresh(proof.Stamp) {
		s.metrics.DropStale.Add(1)
		s.drop("stale", from, nil)
		return
	}

	// A lost response makes the client resend its request. Answer the
	// retransmit from the cache instead of rekeying the live session.
	if cached, ok := s.slot.CachedResponse(proof.Public, from); ok {
		s.reply(cached, from, trigger)
		return
	}

	eph, err := keys.NewEphemeral()
	if err != nil {
		s.log.Error("ephemeral keygen failed", "err", err)
		return
	}
	defer eph.Destroy()

	shared, err := eph.Shared(proof.Public)
	if err != nil {
		s.metrics.DropAuth.Add(1)
		s.drop("dh", from, nil)
		return
	}
	sk := keys.DeriveSession(s.staticKey, shared, proof.Public, eph.Public(), true)
	keys.Zero(shared[:])

	local, appKey, err := s.collaborator()
	if err != nil {
		s.log.Error("collaborator start failed", "err", err)
		return
	}

	respBody, ok := envelope.BuildResponse(envelope.Response{
		Public:     eph.Public(),
		SessionTag: sk.Tag,
		AppKey:     appKey,
	})
	if !ok {
		_ = local.Close()
		s.log.Error("application key too large", "len", len(appKey))
		return
	}
	resp, err := s.static.Seal(wire.TypeHandshakeResponse, sk.Tag, respBody)
	if err != nil {
		_ = local.Close()
		s.log.Error("seal response failed", "err", err)
		return
	}

	now := s.now()
	sess, err := session.New(from, proof.Public, sk, now)
	if err != nil {
		_ = local.Close()
		s.log.Error("session init failed", "err", err)
		return
	}
	sess.CachedResponse = resp

	epoch, displaced, err := s.slot.Establish(sess)
	if err != nil {
		_ = local.Close()
		return
	}
	if displaced {
		s.metrics.Displacements.Add(1)
		s.log.Info("session displaced", "peer", from.String())
	}
	if s.local != nil {
		_ = s.local.Close()
	}
	s.local = local
	s.startPump(local, epoch)

	s.metrics.HandshakesAccepted.Add(1)
	s.log.Info("session established", "peer", from.String(), "epoch", epoch)
	s.reply(resp, from, trigger)
}

func (s *Server) handlePing(body []byte, d *wire.Datagram, from netip.AddrPort, trigger int) {
	token, stamp, ok := envelope.ParsePing(body)
	if !ok {
		s.metrics.DropAuth.Add(1)
		s.drop("ping", from, nil)
		return
	}
	// A recorded ping could outlive the digest cache; the stamp window
	// is the backstop, same as for requests.
	if !s.fresh(stamp) {
		s.metrics.DropStale.Add(1)
		s.drop("stale", from, nil)
		return
	}
	pong, err := s.static.Seal(wire.TypePong, d.SessionTag, envelope.BuildPong(token))
	if err != nil {
		s.log.Error("seal pong failed", "err", err)
		return
	}
	s.metrics.PingsAnswered.Add(1)
	s.reply(pong, from, trigger)
}

func (s *Server) handleTransport(d *wire.Datagram, from netip.AddrPort) {
	payload, err := s.slot.OpenTransport(d, from, s.now())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNoSession):
			s.metrics.DropNoSession.Add(1)
		case errors.Is(err, session.ErrReplay):
			s.metrics.DropReplay.Add(1)
		default:
			s.metrics.DropAuth.Add(1)
		}
		s.drop("transport", from, nil)
		return
	}

	switch d.Type {
	case wire.TypeData:
		s.metrics.PayloadBytesIn.Add(int64(len(payload)))
		if s.local != nil {
			if err := s.local.Deliver(payload); err != nil && !errors.Is(err, bridge.ErrNoPeer) {
				s.log.Warn("local delivery failed", "err", err)
			}
		}
	case wire.TypeKeepalive:
		// Liveness already refreshed by the successful open.
	}
}

// reply sends one datagram back to the source, refusing any reply that
// would exceed the triggering datagram. The refusal should be
// unreachable; the counter says so if it is not.
func (s *Server) reply(pkt []byte, to netip.AddrPort, trigger int) {
	if len(pkt) > trigger {
		s.metrics.AmplificationSuppressed.Add(1)
		s.log.Error("reply larger than trigger suppressed", "reply", len(pkt), "trigger", trigger)
		return
	}
	if _, err := s.conn.WriteToUDPAddrPort(pkt, to); err != nil {
		s.drop("write", to, err)
		return
	}
	s.metrics.UDPBytesOut.Add(int64(len(pkt)))
}

func (s *Server) fresh(stamp tai64n.Timestamp) bool {
	delta := s.now().Sub(stamp.Time())
	if delta < 0 {
		delta = -delta
	}
	return delta <= s.skew
}

// startPump forwards local datagrams out under the epoch captured at
// establishment. Displacement closes the bridge socket, which ends the
// pump; a pump that races the displacement loses on the epoch check
// inside SealTransport instead.
func (s *Server) startPump(local *bridge.Local, epoch uint64) {
	go func() {
		err := local.Pump(s.done, bridge.DefaultBufferSize, func(payload []byte) error {
			pkt, peer, err := s.slot.SealTransport(wire.TypeData, payload, epoch)
			if err != nil {
				return err
			}
			if _, err := s.conn.WriteToUDPAddrPort(pkt, peer); err != nil {
				return err
			}
			s.metrics.UDPBytesOut.Add(int64(len(pkt)))
			s.metrics.PayloadBytesOut.Add(int64(len(payload)))
			return nil
		})
		if err != nil && !errors.Is(err, session.ErrStaleEpoch) && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("pump ended", "epoch", epoch, "err", err)
		}
	}()
}

func (s *Server) drop(reason string, from netip.AddrPort, err error) {
	if !s.droplog.Allow(reason, s.now()) {
		return
	}
	if err != nil {
		s.log.Debug("datagram dropped", "reason", reason, "from", from.String(), "err", err)
		return
	}
	s.log.Debug("datagram dropped", "reason", reason, "from", from.String())
}
