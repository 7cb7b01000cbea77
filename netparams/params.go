package netparams

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ErrUnknownNetwork is returned when a network name or extended key version
// does not belong to any supported network.
var ErrUnknownNetwork = errors.New("unknown network")

// Network selects one of the supported bitcoin networks.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return fmt.Sprintf("Network(%d)", uint8(n))
	}
}

// Params bundles the chain parameters of a network with the settings the
// wallet core derives from it.
type Params struct {
	*chaincfg.Params
	Network       Network
	RPCServerPort string
}

var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	Network:       Mainnet,
	RPCServerPort: "8432",
}

var TestNetParams = Params{
	Params:        &chaincfg.TestNet3Params,
	Network:       Testnet,
	RPCServerPort: "18432",
}

var RegtestParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	Network:       Regtest,
	RPCServerPort: "28432",
}

var all = []*Params{&MainNetParams, &TestNetParams, &RegtestParams}

// ForNetwork returns the parameters of the given network.
func ForNetwork(n Network) (*Params, error) {
	for _, p := range all {
		if p.Network == n {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownNetwork, n)
}

// ForName returns the parameters of the network with the given name.
func ForName(name string) (*Params, error) {
	for _, p := range all {
		if p.Network.String() == name || p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}

// ForHDKeyID returns the network whose extended private or public key
// version bytes match version. Testnet and regtest share version bytes,
// in which case testnet is returned.
func ForHDKeyID(version []byte) (*Params, error) {
	for _, p := range all {
		if bytes.Equal(version, p.HDPrivateKeyID[:]) ||
			bytes.Equal(version, p.HDPublicKeyID[:]) {

			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: version %x", ErrUnknownNetwork, version)
}
