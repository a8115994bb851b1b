// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"kevacoin.org/kvaelectrum/dex"
)

const (
	defaultPingTimeout       = 5 * time.Second
	defaultReconnectTimeout  = 10 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
	defaultWaitRetries       = 30
	defaultWaitInterval      = 500 * time.Millisecond
	maxDiscoveredPeers       = 20
)

// nonBatchingServers are server software name prefixes of implementations
// that do not support JSON-RPC batch requests.
var nonBatchingServers = []string{"ElectrumPersonalServer", "electrs", "Fulcrum"}

// ErrNotConnected is returned by requests made while the session has no
// connection.
var ErrNotConnected = dex.NewError(dex.ErrNetworkUnavailable, "not connected")

// SessionConfig is the configuration for a Session.
type SessionConfig struct {
	// PreferredPeer is used when valid. Otherwise a random fallback peer is
	// used.
	PreferredPeer *Peer
	// FallbackPeers defaults to the package FallbackPeers when nil.
	FallbackPeers []*Peer
	TorProxy      string
	// Genesis is the expected genesis block hash. When set, servers reporting
	// a different chain are rejected.
	Genesis string
	Logger  dex.Logger
	// ConnectTimeout bounds the dial, TLS handshake and version handshake.
	ConnectTimeout time.Duration
	// PingTimeout is the default timeout of the watchdog ping in Run.
	PingTimeout time.Duration
	// ReconnectTimeout bounds the single reconnect attempt made by Ping.
	ReconnectTimeout time.Duration
	// KeepAliveInterval is the watchdog period of Run.
	KeepAliveInterval time.Duration
}

// Session manages the connection to one Electrum server at a time. Connection
// attempts are coalesced, so concurrent callers share one attempt. The zero
// value is not usable, construct with NewSession.
type Session struct {
	cfg SessionConfig
	log dex.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connectGroup singleflight.Group
	inFlight     atomic.Bool

	mtx              sync.RWMutex
	conn             *ServerConn
	peer             *Peer
	connected        bool
	forced           bool
	serverName       string
	proto            string
	batchingDisabled bool
	discovered       []*Peer

	tipMtx sync.RWMutex
	tip    *SubscribeHeadersResult
}

// NewSession creates a Session. No connection is made until Connect,
// EnsureConnecting or WaitUntilConnected is called.
func NewSession(cfg *SessionConfig) *Session {
	c := *cfg
	if c.FallbackPeers == nil {
		c.FallbackPeers = FallbackPeers
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = defaultReconnectTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	log := c.Logger
	if log == nil {
		log = dex.Disabled
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    c,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// pickPeer chooses the preferred peer if it is valid, else a random fallback
// or discovered peer, else DefaultPeer. An invalid preferred peer is logged
// and replaced, never returned as an error.
func (s *Session) pickPeer(preferred *Peer) *Peer {
	if preferred.Valid() {
		return preferred
	}
	if preferred != nil {
		s.log.Warnf("Ignoring invalid peer %s", preferred)
	}
	var valid []*Peer
	for _, peers := range [][]*Peer{s.cfg.FallbackPeers, s.DiscoveredPeers()} {
		for _, p := range peers {
			if p.Valid() {
				valid = append(valid, p)
			}
		}
	}
	if len(valid) > 0 {
		return valid[rand.IntN(len(valid))]
	}
	return DefaultPeer
}

func (s *Session) connectOpts(p *Peer) *ConnectOpts {
	opts := &ConnectOpts{
		TorProxy:    s.cfg.TorProxy,
		DebugLogger: s.log.Tracef,
		DialTimeout: s.cfg.ConnectTimeout,
	}
	if p.TLS {
		// Electrum servers almost always use self-signed certificates.
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         p.Host,
		}
	}
	return opts
}

// Connect connects to the preferred peer, or to a fallback peer if preferred is
// not valid, replacing any current connection. A failure marks the session
// disconnected and is returned.
func (s *Session) Connect(ctx context.Context, preferred *Peer) (*ServerConn, error) {
	peer := s.pickPeer(preferred)
	s.log.Debugf("Connecting to %s", peer)

	sc, err := ConnectServer(s.ctx, peer.Addr(), s.connectOpts(peer))
	observeConnect(err)
	if err != nil {
		s.mtx.Lock()
		s.connected = false
		s.mtx.Unlock()
		return nil, dex.NewError(dex.ErrNetworkUnavailable, fmt.Sprintf("connect %s: %v", peer, err))
	}
	if ctx.Err() != nil {
		sc.Shutdown()
		return nil, ctx.Err()
	}
	if err := s.checkChain(ctx, sc); err != nil {
		sc.Shutdown()
		s.mtx.Lock()
		s.connected = false
		s.mtx.Unlock()
		return nil, fmt.Errorf("%s: %w", peer, err)
	}

	serverName := sc.ServerName()
	var noBatch bool
	for _, prefix := range nonBatchingServers {
		if strings.HasPrefix(serverName, prefix) {
			noBatch = true
			break
		}
	}

	s.mtx.Lock()
	old := s.conn
	s.conn = sc
	s.peer = peer
	s.connected = true
	s.forced = false
	s.serverName = serverName
	s.proto = sc.Proto()
	s.batchingDisabled = noBatch
	s.mtx.Unlock()
	if old != nil && old != sc {
		old.Shutdown()
	}

	s.log.Infof("Connected to %s (%s, protocol %s, batching %v)", peer, serverName, sc.Proto(), !noBatch)

	s.subscribeHeaders(ctx, sc)
	go s.monitor(sc)
	go s.discoverPeers(sc)
	return sc, nil
}

// checkChain rejects a server whose genesis block is not the configured one.
func (s *Session) checkChain(ctx context.Context, sc *ServerConn) error {
	if s.cfg.Genesis == "" {
		return nil
	}
	featCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	feats, err := sc.Features(featCtx)
	if err != nil {
		return dex.NewError(dex.ErrProtocol, fmt.Sprintf("server features: %v", err))
	}
	if !strings.EqualFold(feats.Genesis, s.cfg.Genesis) {
		return dex.NewError(dex.ErrProtocol, fmt.Sprintf("wrong chain, genesis %q", feats.Genesis))
	}
	return nil
}

// discoverPeers records the servers announced by sc as candidates for
// pickPeer.
func (s *Session) discoverPeers(sc *ServerConn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	results, err := sc.Peers(ctx)
	if err != nil {
		s.log.Debugf("Peer discovery failed: %v", err)
		return
	}
	known := make(map[string]bool)
	for _, p := range s.cfg.FallbackPeers {
		known[peerKey(p)] = true
	}
	var found []*Peer
	for _, p := range AnnouncedPeers(results, s.cfg.TorProxy != "") {
		k := peerKey(p)
		if known[k] {
			continue
		}
		known[k] = true
		found = append(found, p)
		if len(found) == maxDiscoveredPeers {
			break
		}
	}
	s.log.Debugf("Discovered %d peers", len(found))
	s.mtx.Lock()
	s.discovered = found
	s.mtx.Unlock()
}

// DiscoveredPeers are the peers announced by the last connected server.
func (s *Session) DiscoveredPeers() []*Peer {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return append([]*Peer(nil), s.discovered...)
}

// monitor marks the session disconnected when the connection is lost, unless
// the connection was closed with ForceDisconnect.
func (s *Session) monitor(sc *ServerConn) {
	<-sc.Done()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.conn != sc || s.forced {
		return
	}
	s.connected = false
	if s.ctx.Err() == nil {
		s.log.Warnf("Connection to %s lost", s.peer)
	}
}

func (s *Session) subscribeHeaders(ctx context.Context, sc *ServerConn) {
	subCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	res, ntfns, err := sc.SubscribeHeaders(subCtx)
	if err != nil {
		s.log.Warnf("Unable to subscribe to block headers: %v", err)
		return
	}
	s.setTip(res)
	go func() {
		for res := range ntfns {
			s.log.Debugf("New tip %d", res.Height)
			s.setTip(res)
		}
	}()
}

func (s *Session) setTip(res *SubscribeHeadersResult) {
	s.tipMtx.Lock()
	s.tip = res
	s.tipMtx.Unlock()
	tipHeight.Set(float64(res.Height))
}

// Tip is the latest block header reported by the server, or nil if none has
// been received.
func (s *Session) Tip() *SubscribeHeadersResult {
	s.tipMtx.RLock()
	defer s.tipMtx.RUnlock()
	return s.tip
}

// EnsureConnecting connects with the configured preferred peer if the session
// is not connected. Concurrent callers wait on the same attempt. The attempt
// itself is not canceled when ctx is done, only the caller's wait is.
func (s *Session) EnsureConnecting(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	ch := s.connectGroup.DoChan("connect", func() (any, error) {
		s.inFlight.Store(true)
		defer s.inFlight.Store(false)
		if s.Connected() {
			return s.serverConn(), nil
		}
		connCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
		defer cancel()
		return s.Connect(connCtx, s.cfg.PreferredPeer)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping pings the server. On failure the connection is closed and exactly one
// reconnect is attempted. If that fails, dex.ErrNetworkUnavailable is
// returned. A zero timeout means 5 seconds.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	sc := s.serverConn()
	var err error = ErrNotConnected
	if sc != nil {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = sc.Ping(pingCtx)
		cancel()
	}
	if err == nil {
		return nil
	}

	s.log.Warnf("Ping failed: %v. Reconnecting.", err)
	if sc != nil {
		sc.Shutdown()
	}
	s.mtx.Lock()
	if s.conn == sc {
		s.connected = false
	}
	s.mtx.Unlock()
	reconnects.Inc()

	reconnCtx, cancel := context.WithTimeout(ctx, s.cfg.ReconnectTimeout)
	defer cancel()
	if err := s.EnsureConnecting(reconnCtx); err != nil {
		s.log.Errorf("Reconnect failed: %v", err)
		return dex.ErrNetworkUnavailable
	}
	return nil
}

// WaitUntilConnected polls the connection state up to maxRetries times, interval
// apart, starting a connection attempt whenever none is in flight. Zero values
// mean 30 retries and 500 ms.
func (s *Session) WaitUntilConnected(ctx context.Context, maxRetries int, interval time.Duration) error {
	if maxRetries <= 0 {
		maxRetries = defaultWaitRetries
	}
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	for i := 0; i < maxRetries; i++ {
		if s.Connected() {
			return nil
		}
		if !s.inFlight.Load() {
			go func() {
				if err := s.EnsureConnecting(s.ctx); err != nil {
					s.log.Debugf("Connection attempt failed: %v", err)
				}
			}()
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.Connected() {
		return nil
	}
	return dex.NewError(dex.ErrNetworkUnavailable, fmt.Sprintf("not connected after %d attempts", maxRetries))
}

// ForceDisconnect closes the connection. The connected flag and server name
// are left as they are. Callers that need an accurate state must reconnect.
func (s *Session) ForceDisconnect() {
	s.mtx.Lock()
	sc := s.conn
	s.forced = true
	s.mtx.Unlock()
	if sc != nil {
		sc.Shutdown()
	}
}

// TestConnection connects to the peer, pings it and disconnects, without
// touching the session state.
func (s *Session) TestConnection(ctx context.Context, p *Peer) error {
	if !p.Valid() {
		return dex.NewError(dex.ErrConfigInvalid, fmt.Sprintf("invalid peer %s", p))
	}
	sc, err := ConnectServer(ctx, p.Addr(), s.connectOpts(p))
	if err != nil {
		return err
	}
	defer func() {
		sc.Shutdown()
		<-sc.Done()
	}()
	if err := s.checkChain(ctx, sc); err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	return sc.Ping(pingCtx)
}

// Run keeps the session alive until ctx is canceled, pinging the server every
// KeepAliveInterval and connecting when there is no connection.
func (s *Session) Run(ctx context.Context) {
	defer s.Shutdown()
	if err := s.EnsureConnecting(ctx); err != nil {
		s.log.Errorf("Initial connection failed: %v", err)
	}
	t := time.NewTicker(s.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var err error
		if s.Connected() {
			err = s.Ping(ctx, s.cfg.PingTimeout)
		} else {
			err = s.EnsureConnecting(ctx)
		}
		if err != nil && ctx.Err() == nil {
			s.log.Errorf("Keepalive: %v", err)
		}
	}
}

// Shutdown closes the connection and stops all connection attempts. The
// Session cannot be reused.
func (s *Session) Shutdown() {
	s.cancel()
	s.mtx.Lock()
	sc := s.conn
	s.connected = false
	s.mtx.Unlock()
	if sc != nil {
		sc.Shutdown()
		<-sc.Done()
	}
}

func (s *Session) serverConn() *ServerConn {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.conn
}

// Connected reports the connection state. See ForceDisconnect.
func (s *Session) Connected() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.connected
}

// ServerName is the server software reported by the last successful
// handshake.
func (s *Session) ServerName() string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.serverName
}

// Peer is the peer of the last successful connection.
func (s *Session) Peer() *Peer {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.peer
}

// BatchingDisabled is true when the connected server does not support batch
// requests.
func (s *Session) BatchingDisabled() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.batchingDisabled
}

// Request performs a request on the current connection.
func (s *Session) Request(ctx context.Context, method string, args, result any) error {
	sc := s.serverConn()
	if sc == nil {
		return ErrNotConnected
	}
	return sc.Request(ctx, method, args, result)
}

// Batch performs a batch request on the current connection.
func (s *Session) Batch(ctx context.Context, reqs []*BatchRequest) ([]*BatchResponse, error) {
	sc := s.serverConn()
	if sc == nil {
		return nil, ErrNotConnected
	}
	return sc.Batch(ctx, reqs)
}
