package electrum

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/checksum0/go-electrum/electrum"
)

// scriptHash is the electrum index key of an output script: the reversed
// sha256 of the script in hex.
func scriptHash(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	reversedHash := make([]byte, len(hash))
	for i, b := range hash {
		reversedHash[len(hash)-1-i] = b
	}
	return fmt.Sprintf("%x", reversedHash)
}

// getHeight looks txID up in a script history.
func getHeight(hs []*electrum.GetMempoolResult, txID *chainhash.Hash) (BlockHeight, bool) {
	for _, h := range hs {
		hh, err := chainhash.NewHashFromStr(h.Hash)
		if err != nil {
			continue
		}
		if hh.IsEqual(txID) {
			return BlockHeight(h.Height), true
		}
	}
	return 0, false
}
