// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
)

type handlerFunc func(params json.RawMessage) (any, *RPCError)

type fakeResponse struct {
	Jsonrpc string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Result  any       `json:"result"`
	Error   *RPCError `json:"error,omitempty"`
}

// fakeServer is an in-process ElectrumX server speaking newline delimited
// JSON-RPC over plain TCP.
type fakeServer struct {
	t    *testing.T
	ln   net.Listener
	name string

	mtx        sync.Mutex
	handlers   map[string]handlerFunc
	conns      map[net.Conn]bool
	connects   int
	batches    int
	requests   map[string]int
	reverseBat bool
}

func newFakeServer(t *testing.T, name string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{
		t:        t,
		ln:       ln,
		name:     name,
		handlers: make(map[string]handlerFunc),
		conns:    make(map[net.Conn]bool),
		requests: make(map[string]int),
	}
	s.handle("blockchain.headers.subscribe", func(json.RawMessage) (any, *RPCError) {
		return &SubscribeHeadersResult{Height: 100, Hex: "00"}, nil
	})
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) handle(method string, h handlerFunc) {
	s.mtx.Lock()
	s.handlers[method] = h
	s.mtx.Unlock()
}

func (s *fakeServer) peer() *Peer {
	addr := s.ln.Addr().(*net.TCPAddr)
	return &Peer{Host: "127.0.0.1", Port: addr.Port}
}

func (s *fakeServer) connectCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.connects
}

func (s *fakeServer) batchCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.batches
}

func (s *fakeServer) requestCount(method string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.requests[method]
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mtx.Lock()
		s.conns[conn] = true
		s.connects++
		s.mtx.Unlock()
		go s.serveConn(conn)
	}
}

func (s *fakeServer) serveConn(conn net.Conn) {
	defer func() {
		s.mtx.Lock()
		delete(s.conns, conn)
		s.mtx.Unlock()
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var out []byte
		if bytes.HasPrefix(line, []byte("[")) {
			var reqs []*request
			if err := json.Unmarshal(line, &reqs); err != nil {
				s.t.Errorf("bad batch: %v", err)
				return
			}
			s.mtx.Lock()
			s.batches++
			reverse := s.reverseBat
			s.mtx.Unlock()
			resps := make([]*fakeResponse, len(reqs))
			for i, req := range reqs {
				resps[i] = s.respond(req)
			}
			if reverse {
				for i, j := 0, len(resps)-1; i < j; i, j = i+1, j-1 {
					resps[i], resps[j] = resps[j], resps[i]
				}
			}
			out, _ = json.Marshal(resps)
		} else {
			var req request
			if err := json.Unmarshal(line, &req); err != nil {
				s.t.Errorf("bad request: %v", err)
				return
			}
			out, _ = json.Marshal(s.respond(&req))
		}
		if _, err := conn.Write(append(out, '\n')); err != nil {
			return
		}
	}
}

func (s *fakeServer) respond(req *request) *fakeResponse {
	resp := &fakeResponse{Jsonrpc: "2.0", ID: req.ID}
	s.mtx.Lock()
	s.requests[req.Method]++
	h := s.handlers[req.Method]
	s.mtx.Unlock()
	switch {
	case req.Method == "server.version":
		resp.Result = []string{s.name, "1.4"}
	case req.Method == "server.ping":
	case h != nil:
		resp.Result, resp.Error = h(req.Params)
	default:
		resp.Error = &RPCError{Code: -32601, Message: "unknown method " + strconv.Quote(req.Method)}
	}
	return resp
}

// notify sends a notification to every connected client.
func (s *fakeServer) notify(method string, params any) {
	b, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for conn := range s.conns {
		conn.Write(append(b, '\n'))
	}
}

// dropConns closes the server side of every connection.
func (s *fakeServer) dropConns() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *fakeServer) close() {
	s.ln.Close()
	s.dropConns()
}
