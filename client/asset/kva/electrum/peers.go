// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package electrum

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Peer is an Electrum server address.
type Peer struct {
	Host string
	Port int
	TLS  bool
}

// DefaultPeer is used when neither a valid preferred peer nor any fallback
// peer is configured.
var DefaultPeer = &Peer{Host: "ec0.kevacoin.org", Port: 50002, TLS: true}

// FallbackPeers are the public Kevacoin ElectrumX servers.
var FallbackPeers = []*Peer{
	{Host: "ec0.kevacoin.org", Port: 50002, TLS: true},
	{Host: "ec1.kevacoin.org", Port: 50002, TLS: true},
}

// Valid checks that the peer has a usable host and port. Settings restored
// from storage may hold the literal strings "undefined" or "null".
func (p *Peer) Valid() bool {
	if p == nil {
		return false
	}
	switch strings.TrimSpace(p.Host) {
	case "", "undefined", "null":
		return false
	}
	return p.Port > 0 && p.Port <= 65535
}

// Addr is the host:port dial address.
func (p *Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String formats the peer as host:port:s for TLS or host:port:t for plain TCP,
// the format accepted by ParsePeer.
func (p *Peer) String() string {
	if p == nil {
		return "<nil>"
	}
	transport := "t"
	if p.TLS {
		transport = "s"
	}
	return p.Addr() + ":" + transport
}

// ParsePeer parses host:port[:s|:t]. The transport defaults to TLS.
func ParsePeer(s string) (*Peer, error) {
	s = strings.TrimSpace(s)
	useTLS := true
	switch {
	case strings.HasSuffix(s, ":s"):
		s = strings.TrimSuffix(s, ":s")
	case strings.HasSuffix(s, ":t"):
		s = strings.TrimSuffix(s, ":t")
		useTLS = false
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid peer %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer port %q: %w", portStr, err)
	}
	p := &Peer{Host: host, Port: port, TLS: useTLS}
	if !p.Valid() {
		return nil, fmt.Errorf("invalid peer %q", s)
	}
	return p, nil
}
