package ledger

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// UserhashSize is the width of address-derived keys: a 20-byte hash, an
// address type and a witness version.
const UserhashSize = 22

// Address types stored in Userhash[20].
const (
	AddrPubKeyHash        byte = 0
	AddrScriptHash        byte = 1
	AddrWitnessPubKeyHash byte = 2
)

var ErrUnsupportedAddress = errors.New("ledger: unsupported address")

// Userhash keys per-user payment records so each user's records are
// contiguous.
type Userhash [UserhashSize]byte

// UserhashFromAddress decodes addr for params. Only addresses backed by a
// 20-byte hash can be keyed.
func UserhashFromAddress(addr string, params *chaincfg.Params) (Userhash, error) {
	var uh Userhash

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return uh, err
	}
	if !decoded.IsForNet(params) {
		return uh, fmt.Errorf("%w: %s is not for %s", ErrUnsupportedAddress, addr, params.Name)
	}

	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		copy(uh[:20], a.Hash160()[:])
		uh[20] = AddrPubKeyHash
	case *btcutil.AddressScriptHash:
		copy(uh[:20], a.Hash160()[:])
		uh[20] = AddrScriptHash
	case *btcutil.AddressWitnessPubKeyHash:
		copy(uh[:20], a.Hash160()[:])
		uh[20] = AddrWitnessPubKeyHash
		uh[21] = a.WitnessVersion()
	default:
		return uh, fmt.Errorf("%w: %s", ErrUnsupportedAddress, addr)
	}

	return uh, nil
}

// Address reverses UserhashFromAddress.
func (uh Userhash) Address(params *chaincfg.Params) (string, error) {
	var (
		addr btcutil.Address
		err  error
	)

	switch uh[20] {
	case AddrPubKeyHash:
		addr, err = btcutil.NewAddressPubKeyHash(uh[:20], params)
	case AddrScriptHash:
		addr, err = btcutil.NewAddressScriptHashFromHash(uh[:20], params)
	case AddrWitnessPubKeyHash:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(uh[:20], params)
	default:
		return "", fmt.Errorf("%w: type %d", ErrUnsupportedAddress, uh[20])
	}
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}

// ValidAddress reports whether addr can own ledger records.
func ValidAddress(addr string, params *chaincfg.Params) bool {
	_, err := UserhashFromAddress(addr, params)
	return err == nil
}
