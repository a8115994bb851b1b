// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"strings"
)

// Network flags passed to wallet constructors to signify which network to use.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

// Simnet is an alias of Regtest.
const Simnet = Regtest

// String returns the string representation of a Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	}
	return ""
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch strings.ToLower(net) {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "regtest", "regnet", "simnet":
		return Regtest, nil
	}
	return 255, fmt.Errorf("unknown network %s", net)
}

// UnmarshalFlag satisfies the go-flags Unmarshaler interface.
func (n *Network) UnmarshalFlag(value string) error {
	net, err := NetFromString(value)
	if err != nil {
		return err
	}
	*n = net
	return nil
}
