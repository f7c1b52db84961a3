package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/udmo/udmo/bridge"
	"github.com/udmo/udmo/envelope"
	"github.com/udmo/udmo/keys"
	"github.com/udmo/udmo/session"
	"github.com/udmo/udmo/tai64n"
	"github.com/udmo/udmo/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testKey() keys.StaticKey {
	var k keys.StaticKey
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loopback() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// fakeProc stands in for the local remote-terminal process on either
// side of the bridge.
type fakeProc struct {
	mu   sync.Mutex
	conn *net.UDPConn
	// peer is set when conn is unconnected and writes must be
	// addressed explicitly.
	peer   *net.UDPAddr
	appKey string
}

func (p *fakeProc) send(t *testing.T, payload []byte) {
	t.Helper()
	p.mu.Lock()
	conn, peer := p.conn, p.peer
	p.mu.Unlock()
	var err error
	if peer != nil {
		_, err = conn.WriteToUDP(payload, peer)
	} else {
		_, err = conn.Write(payload)
	}
	if err != nil {
		t.Fatalf("proc send: %v", err)
	}
}

func (p *fakeProc) recv(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("proc recv: %v", err)
	}
	return buf[:n]
}

func (p *fakeProc) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// serveCollaborator yields a fresh fake process per establishment and
// announces each one on procs.
func serveCollaborator(procs chan *fakeProc) Collaborator {
	return func() (*bridge.Local, string, error) {
		pconn, err := net.ListenUDP("udp", loopback())
		if err != nil {
			return nil, "", err
		}
		bconn, err := net.DialUDP("udp", loopback(), pconn.LocalAddr().(*net.UDPAddr))
		if err != nil {
			_ = pconn.Close()
			return nil, "", err
		}
		procs <- &fakeProc{conn: pconn, peer: bconn.LocalAddr().(*net.UDPAddr)}
		return bridge.NewConnected(bconn), "testappkey", nil
	}
}

// connectCollaborator dials the bridge the way mosh-client would and
// records the relayed application key.
func connectCollaborator(proc *fakeProc) ClientCollaborator {
	return func(local *net.UDPAddr, appKey string) (<-chan error, error) {
		conn, err := net.DialUDP("udp", loopback(), local)
		if err != nil {
			return nil, err
		}
		proc.mu.Lock()
		proc.conn = conn
		proc.appKey = appKey
		proc.mu.Unlock()
		return make(chan error), nil
	}
}

func startServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.ListenAddr == nil {
		cfg.ListenAddr = loopback()
	}
	if cfg.Key == (keys.StaticKey{}) {
		cfg.Key = testKey()
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.RateLimitPPS == 0 {
		cfg.RateLimitPPS = 200
		cfg.RateLimitBurst = 50
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	t.Cleanup(func() {
		srv.Close()
		if err := <-done; err != nil {
			t.Errorf("server run: %v", err)
		}
	})
	return srv
}

func startClient(t *testing.T, cfg ClientConfig) (*Client, chan error) {
	t.Helper()
	if cfg.Key == (keys.StaticKey{}) {
		cfg.Key = testKey()
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = 100 * time.Millisecond
	}
	cli, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cli.Run(context.Background()) }()
	return cli, done
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndBridging(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	clientProc := &fakeProc{}
	cli, cliDone := startClient(t, ClientConfig{
		RemoteAddr:   srv.Addr(),
		Collaborator: connectCollaborator(clientProc),
	})
	defer func() {
		cli.Close()
		<-cliDone
	}()

	waitFor(t, 2*time.Second, func() bool {
		return srv.State() == session.StateEstablished && cli.State() == session.StateEstablished
	}, "establishment")

	serverProc := <-procs
	defer serverProc.close()
	waitFor(t, time.Second, func() bool {
		clientProc.mu.Lock()
		defer clientProc.mu.Unlock()
		return clientProc.conn != nil
	}, "client collaborator start")
	defer clientProc.close()

	clientProc.mu.Lock()
	gotKey := clientProc.appKey
	clientProc.mu.Unlock()
	if gotKey != "testappkey" {
		t.Fatalf("application key not relayed: %q", gotKey)
	}

	// Client-side process speaks first so the listening bridge learns
	// its reply address.
	clientProc.send(t, []byte("hello"))
	if got := serverProc.recv(t, 2*time.Second); string(got) != "hello" {
		t.Fatalf("server proc got %q", got)
	}
	serverProc.send(t, []byte("world"))
	if got := clientProc.recv(t, 2*time.Second); string(got) != "world" {
		t.Fatalf("client proc got %q", got)
	}

	if srv.metrics.HandshakesAccepted.Load() != 1 {
		t.Fatalf("handshakes accepted = %d", srv.metrics.HandshakesAccepted.Load())
	}
	if srv.metrics.PayloadBytesIn.Load() != int64(len("hello")) {
		t.Fatalf("payload bytes in = %d", srv.metrics.PayloadBytesIn.Load())
	}
}

// rawHandshake drives the proof exchange from a bare socket.
func rawHandshake(t *testing.T, conn *net.UDPConn, static *envelope.Static, eph *keys.Ephemeral) (request, response []byte) {
	t.Helper()
	body, err := envelope.BuildProof(eph.Public())
	if err != nil {
		t.Fatal(err)
	}
	request, err = static.Seal(wire.TypeHandshakeRequest, 0, body)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(request); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no handshake response: %v", err)
	}
	return request, buf[:n]
}

func parseRawResponse(t *testing.T, static *envelope.Static, pkt []byte) envelope.Response {
	t.Helper()
	d, err := wire.Decode(pkt, 0)
	if err != nil || d.Type != wire.TypeHandshakeResponse {
		t.Fatalf("not a handshake response: %v", err)
	}
	body, err := static.Open(d)
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	resp, ok := envelope.ParseResponse(body)
	if !ok {
		t.Fatal("malformed response body")
	}
	return resp
}

func TestRetransmitAnswersFromCache(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	conn, err := net.DialUDP("udp", nil, srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	static, err := envelope.NewStatic(testKey())
	if err != nil {
		t.Fatal(err)
	}
	eph, err := keys.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}

	req1, raw1 := rawHandshake(t, conn, static, eph)
	resp1 := parseRawResponse(t, static, raw1)
	if len(raw1) > len(req1) {
		t.Fatalf("response %d bytes exceeds request %d bytes", len(raw1), len(req1))
	}

	// A re-sealed request for the same ephemeral key from the same
	// address is a retransmit: same session, same response content, no
	// rekey.
	_, raw2 := rawHandshake(t, conn, static, eph)
	resp2 := parseRawResponse(t, static, raw2)

	if resp1.SessionTag != resp2.SessionTag || resp1.Public != resp2.Public {
		t.Fatal("retransmit rekeyed the session")
	}
	if got := srv.metrics.HandshakesAccepted.Load(); got != 1 {
		t.Fatalf("handshakes accepted = %d, want 1", got)
	}

	p := <-procs
	p.close()
}

func TestGarbageDrawsNoReply(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	conn, err := net.DialUDP("udp", nil, srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	junk := make([]byte, 100)
	if _, err := rand.Read(junk); err != nil {
		t.Fatal(err)
	}
	junk[0] = 0xFF
	if _, err := conn.Write(junk); err != nil {
		t.Fatal(err)
	}

	// Well-formed header, garbage ciphertext: parses, fails to open.
	var nonce [wire.NonceSize]byte
	sealed := make([]byte, 64)
	if _, err := conn.Write(wire.EncodeHandshake(wire.TypeHandshakeRequest, 0, nonce, sealed)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("got %d-byte reply to unauthenticated traffic", n)
	}

	waitFor(t, time.Second, func() bool {
		return srv.metrics.DropDecode.Load() >= 1 && srv.metrics.DropAuth.Load() >= 1
	}, "drop counters")
	if srv.State() != session.StateIdle {
		t.Fatalf("state = %v after garbage", srv.State())
	}
}

func TestDisplacement(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	procA := &fakeProc{}
	cliA, doneA := startClient(t, ClientConfig{
		RemoteAddr:   srv.Addr(),
		Collaborator: connectCollaborator(procA),
	})
	defer func() {
		cliA.Close()
		<-doneA
	}()
	waitFor(t, 2*time.Second, func() bool {
		return cliA.State() == session.StateEstablished
	}, "first establishment")
	serverProcA := <-procs
	defer serverProcA.close()
	defer procA.close()

	procB := &fakeProc{}
	cliB, doneB := startClient(t, ClientConfig{
		RemoteAddr:   srv.Addr(),
		Collaborator: connectCollaborator(procB),
	})
	defer func() {
		cliB.Close()
		<-doneB
	}()
	waitFor(t, 2*time.Second, func() bool {
		return cliB.State() == session.StateEstablished && srv.metrics.Displacements.Load() == 1
	}, "displacement")
	serverProcB := <-procs
	defer serverProcB.close()
	defer procB.close()

	// The displaced client's transport datagrams no longer match the
	// live session and are silently dropped.
	waitFor(t, time.Second, func() bool {
		procA.mu.Lock()
		defer procA.mu.Unlock()
		return procA.conn != nil
	}, "displaced collaborator")
	before := srv.metrics.DropNoSession.Load()
	procA.send(t, []byte("stale"))
	waitFor(t, 2*time.Second, func() bool {
		return srv.metrics.DropNoSession.Load() > before
	}, "stale-session drop")

	// The live session still works end to end.
	waitFor(t, time.Second, func() bool {
		procB.mu.Lock()
		defer procB.mu.Unlock()
		return procB.conn != nil
	}, "live collaborator")
	procB.send(t, []byte("fresh"))
	if got := serverProcB.recv(t, 2*time.Second); string(got) != "fresh" {
		t.Fatalf("live session got %q", got)
	}
}

func TestPingDoesNotDisturbSession(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	proc := &fakeProc{}
	cli, done := startClient(t, ClientConfig{
		RemoteAddr:   srv.Addr(),
		Collaborator: connectCollaborator(proc),
	})
	defer func() {
		cli.Close()
		<-done
	}()
	waitFor(t, 2*time.Second, func() bool {
		return srv.State() == session.StateEstablished
	}, "establishment")
	serverProc := <-procs
	defer serverProc.close()
	defer proc.close()

	pinger, err := NewClient(ClientConfig{
		RemoteAddr:    srv.Addr(),
		Key:           testKey(),
		RetryInterval: 200 * time.Millisecond,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pinger.Close()

	rtt, err := pinger.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v", rtt)
	}
	if srv.State() != session.StateEstablished {
		t.Fatalf("ping disturbed session: state = %v", srv.State())
	}
	if got := srv.metrics.HandshakesAccepted.Load(); got != 1 {
		t.Fatalf("ping triggered establishment: %d", got)
	}
	if srv.metrics.PingsAnswered.Load() == 0 {
		t.Fatal("ping not counted")
	}
}

func TestServerLivenessExpiry(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{
		Collaborator:    serveCollaborator(procs),
		LivenessTimeout: 200 * time.Millisecond,
	})

	conn, err := net.DialUDP("udp", nil, srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	static, err := envelope.NewStatic(testKey())
	if err != nil {
		t.Fatal(err)
	}
	eph, err := keys.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	rawHandshake(t, conn, static, eph)
	p := <-procs
	defer p.close()

	if srv.State() != session.StateEstablished {
		t.Fatalf("state = %v after handshake", srv.State())
	}
	// No authenticated traffic follows; the next sweep tears it down.
	waitFor(t, 3*time.Second, func() bool {
		return srv.State() == session.StateIdle
	}, "liveness expiry")
	if srv.metrics.LivenessExpiries.Load() != 1 {
		t.Fatalf("expiries = %d", srv.metrics.LivenessExpiries.Load())
	}

	// A new handshake re-establishes after expiry.
	eph2, err := keys.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	rawHandshake(t, conn, static, eph2)
	p2 := <-procs
	defer p2.close()
	if srv.State() != session.StateEstablished {
		t.Fatalf("state = %v after re-handshake", srv.State())
	}
}

func TestHandshakeRetryBudgetExhausted(t *testing.T) {
	// A listener that never answers.
	deaf, err := net.ListenUDP("udp", loopback())
	if err != nil {
		t.Fatal(err)
	}
	defer deaf.Close()

	cli, err := NewClient(ClientConfig{
		RemoteAddr:        deaf.LocalAddr().(*net.UDPAddr),
		Key:               testKey(),
		HandshakeAttempts: 3,
		RetryInterval:     20 * time.Millisecond,
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	start := time.Now()
	if err := cli.Run(context.Background()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want retry budget exhaustion", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("gave up after %v, before the budget was spent", elapsed)
	}
}

func TestStalePingDrawsNoReply(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	conn, err := net.DialUDP("udp", nil, srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	static, err := envelope.NewStatic(testKey())
	if err != nil {
		t.Fatal(err)
	}

	// A correctly sealed ping whose stamp fell out of the skew window:
	// the digest cache may have cycled by then, so the stamp alone must
	// stop it.
	body := make([]byte, 8+tai64n.TimestampSize)
	binary.BigEndian.PutUint64(body[:8], 12345)
	stale := tai64n.Stamp(time.Now().Add(-time.Hour))
	copy(body[8:], stale[:])
	probe, err := static.Seal(wire.TypePing, 0, body)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(probe); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("got %d-byte reply to an hour-old ping", n)
	}
	waitFor(t, time.Second, func() bool {
		return srv.metrics.DropStale.Load() >= 1
	}, "stale drop counter")
	if srv.metrics.PingsAnswered.Load() != 0 {
		t.Fatal("stale ping was answered")
	}
}

func TestServerRunReturnsNilOnCancel(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	cfg := ServerConfig{
		ListenAddr:   loopback(),
		Key:          testKey(),
		Collaborator: serveCollaborator(procs),
		Logger:       testLogger(),
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled serve returned %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop on cancel")
	}
}

func TestClientRunReturnsNilOnCancel(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	proc := &fakeProc{}
	cli, err := NewClient(ClientConfig{
		RemoteAddr:        srv.Addr(),
		Key:               testKey(),
		KeepaliveInterval: 100 * time.Millisecond,
		Collaborator:      connectCollaborator(proc),
		Logger:            testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cli.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		return cli.State() == session.StateEstablished
	}, "establishment")
	serverProc := <-procs
	defer serverProc.close()
	defer proc.close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled connect returned %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not stop on cancel")
	}
}

func TestPingReplyNeverExceedsProbe(t *testing.T) {
	procs := make(chan *fakeProc, 4)
	srv := startServer(t, ServerConfig{Collaborator: serveCollaborator(procs)})

	conn, err := net.DialUDP("udp", nil, srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	static, err := envelope.NewStatic(testKey())
	if err != nil {
		t.Fatal(err)
	}

	body, _, err := envelope.BuildPing()
	if err != nil {
		t.Fatal(err)
	}
	probe, err := static.Seal(wire.TypePing, 0, body)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(probe); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no pong: %v", err)
	}
	if n > len(probe) {
		t.Fatalf("pong %d bytes exceeds probe %d bytes", n, len(probe))
	}
	if srv.metrics.AmplificationSuppressed.Load() != 0 {
		t.Fatal("amplification guard tripped")
	}
}
