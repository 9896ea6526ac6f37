package onchain

import (
	"crypto/sha256"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/peerdex/peerdex/coins"
	"golang.org/x/crypto/hkdf"
)

// deriveHTLCKey expands the wallet key into a per swap key. The same wallet
// key, ticker and swap data always give the same key, different swap data
// give unrelated keys.
func deriveHTLCKey(walletKey *btcec.PrivateKey, ticker string, swapUniqueData []byte) (*btcec.PrivateKey, error) {
	if len(swapUniqueData) == 0 {
		return nil, coins.ValidationErrorf(coins.InvalidSwapData, "empty swap unique data")
	}
	info := append([]byte("htlc/"+ticker+"/"), swapUniqueData...)
	reader := hkdf.New(sha256.New, walletKey.Serialize(), nil, info)

	buf := make([]byte, 32)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	priv, _ := btcec.PrivKeyFromBytes(buf)
	return priv, nil
}
