package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	sha256 "github.com/minio/sha256-simd"
)

func doubleSHA256(b []byte) chainhash.Hash {
	first := sha256.Sum256(b)
	return chainhash.Hash(sha256.Sum256(first[:]))
}

// merkleBranches returns the sibling hashes needed to fold a coinbase hash
// placed at index 0 up to the merkle root of [coinbase, txids...].
func merkleBranches(txids []chainhash.Hash) []chainhash.Hash {
	if len(txids) == 0 {
		return nil
	}
	layer := make([]chainhash.Hash, 1+len(txids))
	copy(layer[1:], txids)

	steps := make([]chainhash.Hash, 0, 16)
	for len(layer) > 1 {
		steps = append(steps, layer[1])
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([]chainhash.Hash, 1, len(layer)/2+1)
		var joined [64]byte
		for i := 2; i+1 < len(layer); i += 2 {
			copy(joined[:32], layer[i][:])
			copy(joined[32:], layer[i+1][:])
			next = append(next, doubleSHA256(joined[:]))
		}
		layer = next
	}
	return steps
}

func merkleRootFromBranches(coinbase chainhash.Hash, branches []chainhash.Hash) chainhash.Hash {
	root := coinbase
	var joined [64]byte
	for _, b := range branches {
		copy(joined[:32], root[:])
		copy(joined[32:], b[:])
		root = doubleSHA256(joined[:])
	}
	return root
}
