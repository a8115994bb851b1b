// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package electrum provides a client for the ElectrumX servers of the Kevacoin
// network, including the Keva namespace index methods. For the standard
// methods and their request and response types, see
// https://electrumx.readthedocs.io/en/latest/protocol-methods.html.
package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/go-socks/socks"
)

// Printer is a function with the signature of a logger method.
type Printer func(format string, params ...any)

var disabledPrinter = Printer(func(string, ...any) {})

const (
	pingInterval   = 10 * time.Second
	defaultTimeout = 10 * time.Second
	// ClientName is sent to the server during version negotiation.
	ClientName = "kvaelectrum"
	// ProtocolVersion is the protocol version requested from the server.
	ProtocolVersion = "1.4"

	readBufferSize = 1 << 16
	// maxMessageSize limits a single newline delimited message. Batched
	// transaction responses can be large.
	maxMessageSize = 32 << 20
)

// ErrConnectionTerminated is returned for requests that were in flight when the
// connection was lost.
var ErrConnectionTerminated = errors.New("connection terminated")

// ServerConn represents a connection to an Electrum server e.g. ElectrumX. It
// is a single use type that must be replaced if the connection is lost. Use
// ConnectServer to construct a ServerConn and connect to the server.
type ServerConn struct {
	conn       net.Conn
	reader     *bufio.Reader
	cancel     context.CancelFunc
	done       chan struct{}
	addr       string
	serverName string
	proto      string
	debug      Printer

	reqID uint64

	respHandlersMtx sync.Mutex
	respHandlers    map[uint64]chan *response // reqID => requestor

	ntfnHandlersMtx sync.RWMutex
	ntfnHandlers    map[string][]chan []byte // method => subscribers
}

func (sc *ServerConn) nextID() uint64 {
	return atomic.AddUint64(&sc.reqID, 1)
}

const newline = byte('\n')

// readMessage reads one newline delimited message without limiting the total
// number of bytes read over the life of the connection.
func (sc *ServerConn) readMessage() ([]byte, error) {
	var msg []byte
	for {
		chunk, err := sc.reader.ReadSlice(newline)
		msg = append(msg, chunk...)
		if len(msg) > maxMessageSize {
			return nil, fmt.Errorf("message exceeds %d bytes", maxMessageSize)
		}
		switch {
		case err == nil:
			return msg, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

func (sc *ServerConn) listen(ctx context.Context) {
	// listen is charged with sending on the response and notification channels.
	// As such, only listen should close these channels, and only after the read
	// loop has finished.
	defer sc.cancelRequests()      // close the response chans
	defer sc.deleteSubscriptions() // close the ntfn chans

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := sc.readMessage()
		if err != nil {
			if ctx.Err() == nil { // unexpected
				sc.debug("readMessage: %v", err)
			}
			sc.cancel()
			return
		}

		if isBatch(msg) {
			var resps []*response
			if err := json.Unmarshal(msg, &resps); err != nil {
				sc.debug("batch response Unmarshal error: %v", err)
				continue
			}
			for _, resp := range resps {
				sc.deliver(resp)
			}
			continue
		}

		var jsonResp response
		err = json.Unmarshal(msg, &jsonResp)
		if err != nil {
			sc.debug("response Unmarshal error: %v", err)
			continue
		}

		if jsonResp.Method != "" { // notification
			var ntfnParams ntfnData
			err = json.Unmarshal(msg, &ntfnParams)
			if err != nil {
				sc.debug("notification Unmarshal error: %v", err)
				continue
			}
			for _, c := range sc.subChans(jsonResp.Method) {
				select {
				case c <- ntfnParams.Params:
				default:
				}
			}
			continue
		}

		sc.deliver(&jsonResp)
	}
}

func isBatch(msg []byte) bool {
	for _, b := range msg {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		}
		return false
	}
	return false
}

func (sc *ServerConn) deliver(resp *response) {
	if resp == nil {
		return
	}
	c := sc.responseChan(resp.ID)
	if c == nil {
		sc.debug("Received response for unknown request ID %d", resp.ID)
		return
	}
	c <- resp // buffered and single use => cannot block
}

func (sc *ServerConn) pinger(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		// The read loop cannot wait forever. Reset the read deadline for the
		// next ping's response while the ping loop is running.
		err := sc.conn.SetReadDeadline(time.Now().Add(pingInterval * 5 / 4))
		if err != nil {
			sc.debug("SetReadDeadline: %v", err)
			sc.cancel()
			return
		}
		if err = sc.Ping(ctx); err != nil {
			sc.debug("Ping: %v", err)
			sc.cancel()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// negotiateVersion should only be called once, and before starting the listen
// read loop. It returns the server software name and the negotiated protocol
// version.
func (sc *ServerConn) negotiateVersion(timeout time.Duration) (serverName, proto string, err error) {
	reqMsg, err := prepareRequest(sc.nextID(), MethodVersion, positional{ClientName, ProtocolVersion})
	if err != nil {
		return "", "", err
	}
	reqMsg = append(reqMsg, newline)

	if err = sc.send(reqMsg); err != nil {
		return "", "", err
	}

	if err = sc.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", "", err
	}

	msg, err := sc.readMessage()
	if err != nil {
		return "", "", err
	}

	var jsonResp response
	if err = json.Unmarshal(msg, &jsonResp); err != nil {
		return "", "", err
	}
	if jsonResp.Error != nil {
		return "", "", jsonResp.Error
	}

	var vers []string // [server_software_version, protocol_version]
	if err = json.Unmarshal(jsonResp.Result, &vers); err != nil {
		return "", "", err
	}
	if len(vers) != 2 {
		return "", "", fmt.Errorf("unexpected version response: %v", vers)
	}
	return vers[0], vers[1], nil
}

// ConnectOpts are the options for ConnectServer.
type ConnectOpts struct {
	TLSConfig   *tls.Config // nil means plain
	TorProxy    string
	DebugLogger Printer
	// DialTimeout bounds the dial, TLS handshake and version negotiation.
	// Zero means 10 seconds.
	DialTimeout time.Duration
}

// ConnectServer connects to the electrum server at the given address. To close
// the connection and shutdown ServerConn, either cancel the context or use the
// Shutdown method, then wait on the channel from Done() to ensure a clean
// shutdown. There is no automatic reconnection, the caller should handle
// dropped connections, possibly by cycling to a different server.
func ConnectServer(ctx context.Context, addr string, opts *ConnectOpts) (*ServerConn, error) {
	var dial func(ctx context.Context, network, addr string) (net.Conn, error)
	if opts.TorProxy != "" {
		proxy := &socks.Proxy{
			Addr: opts.TorProxy,
		}
		dial = proxy.DialContext
	} else {
		dial = new(net.Dialer).DialContext
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if opts.TLSConfig != nil {
		conn = tls.Client(conn, opts.TLSConfig)
		err = conn.(*tls.Conn).HandshakeContext(dialCtx)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	logger := opts.DebugLogger
	if logger == nil {
		logger = disabledPrinter
	}

	sc := &ServerConn{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, readBufferSize),
		done:         make(chan struct{}),
		addr:         addr,
		debug:        logger,
		respHandlers: make(map[uint64]chan *response),
		ntfnHandlers: make(map[string][]chan []byte),
	}

	// Wrap the context with a cancel function for internal shutdown, and so the
	// user can use Shutdown, instead of cancelling the parent context.
	ctx, sc.cancel = context.WithCancel(ctx)

	sc.serverName, sc.proto, err = sc.negotiateVersion(timeout)
	if err != nil {
		sc.cancel()
		conn.Close()
		return nil, err // e.g. code 1: "unsupported protocol version: 1.4"
	}

	sc.debug("Connected to %s at %s using negotiated protocol version %s",
		sc.serverName, addr, sc.proto)

	go sc.listen(ctx) // must be running to receive response
	go sc.pinger(ctx)

	go func() {
		<-ctx.Done()
		conn.Close()
		close(sc.done)
	}()

	return sc, nil
}

// Addr is the address that was dialed.
func (sc *ServerConn) Addr() string {
	return sc.addr
}

// ServerName returns the server software version string reported during the
// handshake, e.g. "ElectrumX 1.16.0".
func (sc *ServerConn) ServerName() string {
	return sc.serverName
}

// Proto returns the electrum protocol of the connected server. e.g. "1.4.2".
func (sc *ServerConn) Proto() string {
	return sc.proto
}

// Shutdown begins shutting down the connection and request handling goroutines.
// Receive on the channel from Done() to wait for shutdown to complete.
func (sc *ServerConn) Shutdown() {
	sc.cancel()
}

// Done returns a channel that is closed when the ServerConn is fully shutdown.
func (sc *ServerConn) Done() <-chan struct{} {
	return sc.done
}

func (sc *ServerConn) send(msg []byte) error {
	err := sc.conn.SetWriteDeadline(time.Now().Add(7 * time.Second))
	if err != nil {
		return err
	}
	_, err = sc.conn.Write(msg)
	return err
}

func (sc *ServerConn) registerRequest(id uint64) chan *response {
	c := make(chan *response, 1)
	sc.respHandlersMtx.Lock()
	sc.respHandlers[id] = c
	sc.respHandlersMtx.Unlock()
	return c
}

func (sc *ServerConn) unregisterRequest(id uint64) {
	sc.respHandlersMtx.Lock()
	delete(sc.respHandlers, id)
	sc.respHandlersMtx.Unlock()
}

func (sc *ServerConn) responseChan(id uint64) chan *response {
	sc.respHandlersMtx.Lock()
	defer sc.respHandlersMtx.Unlock()
	c := sc.respHandlers[id]
	delete(sc.respHandlers, id)
	return c
}

// cancelRequests deletes all response handlers from the respHandlers map and
// closes all of the channels. As such, this method MUST be called from the same
// goroutine that sends on the channel.
func (sc *ServerConn) cancelRequests() {
	sc.respHandlersMtx.Lock()
	defer sc.respHandlersMtx.Unlock()
	for id, c := range sc.respHandlers {
		close(c) // requester receives nil immediately
		delete(sc.respHandlers, id)
	}
}

func (sc *ServerConn) registerSub(method string) <-chan []byte {
	c := make(chan []byte, 1)
	sc.ntfnHandlersMtx.Lock()
	sc.ntfnHandlers[method] = append(sc.ntfnHandlers[method], c)
	sc.ntfnHandlersMtx.Unlock()
	return c
}

func (sc *ServerConn) subChans(method string) []chan []byte {
	sc.ntfnHandlersMtx.RLock()
	defer sc.ntfnHandlersMtx.RUnlock()
	return sc.ntfnHandlers[method]
}

// deleteSubscriptions deletes all subscriptions from the ntfnHandlers map and
// closes all of the channels. As such, this method MUST be called from the same
// goroutine that sends on the channel.
func (sc *ServerConn) deleteSubscriptions() {
	sc.ntfnHandlersMtx.Lock()
	defer sc.ntfnHandlersMtx.Unlock()
	for method, cs := range sc.ntfnHandlers {
		for _, c := range cs {
			close(c) // sub handler loop receives nil immediately
		}
		delete(sc.ntfnHandlers, method)
	}
}

// Request performs a request to the remote server for the given method using
// the provided arguments, which may either be positional (e.g.
// []any{arg1, arg2}), named (any struct), or nil if there are no arguments.
// args may not be any other basic type. If the response does not include an
// error, the result will be unmarshalled into result, unless the provided
// result is nil in which case the response payload will be ignored.
func (sc *ServerConn) Request(ctx context.Context, method string, args any, result any) (err error) {
	defer observeRequest(method, time.Now(), &err)

	id := sc.nextID()
	reqMsg, err := prepareRequest(id, method, args)
	if err != nil {
		return err
	}
	reqMsg = append(reqMsg, newline)

	c := sc.registerRequest(id)

	if err = sc.send(reqMsg); err != nil {
		sc.cancel()
		return err
	}

	var resp *response
	select {
	case <-ctx.Done():
		sc.unregisterRequest(id)
		return ctx.Err() // either timeout or canceled
	case <-sc.done:
		return ErrConnectionTerminated
	case resp = <-c:
	}

	if resp == nil { // channel closed
		return ErrConnectionTerminated
	}

	if resp.Error != nil {
		return resp.Error
	}

	if result != nil {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

// Batch sends the requests as a single JSON-RPC batch and waits for every
// response. The responses are returned in request order. An error is returned
// only if the batch as a whole failed, errors of individual entries are in the
// corresponding BatchResponse.
func (sc *ServerConn) Batch(ctx context.Context, reqs []*BatchRequest) (_ []*BatchResponse, err error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	defer observeBatch(len(reqs), time.Now(), &err)

	batch := make([]*request, 0, len(reqs))
	chans := make([]chan *response, 0, len(reqs))
	ids := make([]uint64, 0, len(reqs))
	defer func() {
		if err != nil {
			for _, id := range ids {
				sc.unregisterRequest(id)
			}
		}
	}()
	for _, r := range reqs {
		id := sc.nextID()
		req, err := newRequest(id, r.Method, r.Args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Method, err)
		}
		batch = append(batch, req)
		ids = append(ids, id)
		chans = append(chans, sc.registerRequest(id))
	}

	msg, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	msg = append(msg, newline)
	if err = sc.send(msg); err != nil {
		sc.cancel()
		return nil, err
	}

	resps := make([]*BatchResponse, len(reqs))
	for i, c := range chans {
		var resp *response
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sc.done:
			return nil, ErrConnectionTerminated
		case resp = <-c:
		}
		if resp == nil {
			return nil, ErrConnectionTerminated
		}
		resps[i] = &BatchResponse{Result: resp.Result, Error: resp.Error}
		if resp.Error != nil {
			rpcErrors.WithLabelValues(reqs[i].Method, strconv.Itoa(resp.Error.Code)).Inc()
		}
	}
	return resps, nil
}

// Ping pings the remote server. This can be used as a connectivity test on
// demand, although a ServerConn started with ConnectServer will launch a pinger
// goroutine to keep the connection alive.
func (sc *ServerConn) Ping(ctx context.Context) error {
	return sc.Request(ctx, MethodPing, nil, nil)
}
