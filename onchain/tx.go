package onchain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/peerdex/peerdex/coins"
)

func decodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, coins.ValidationErrorf(coins.InvalidTx, "could not deserialize transaction: %v", err)
	}
	return tx, nil
}

func wrapTx(tx *wire.MsgTx, contract []byte) (*coins.Transaction, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &coins.Transaction{
		Hash:     tx.TxHash().String(),
		Raw:      buf.Bytes(),
		Contract: contract,
	}, nil
}

func ptrHash(h chainhash.Hash) *chainhash.Hash {
	return &h
}

// p2wpkhScript returns the output script paying to the P2WPKH address of
// pubkey.
func p2wpkhScript(pubkey []byte, params *chaincfg.Params) ([]byte, error) {
	if _, err := btcec.ParsePubKey(pubkey); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubkey), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// nullData returns the data pushed by an OP_RETURN output.
func nullData(pkScript []byte) ([]byte, bool) {
	if txscript.GetScriptClass(pkScript) != txscript.NullDataTy {
		return nil, false
	}
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	var data []byte
	for tokenizer.Next() {
		if d := tokenizer.Data(); d != nil {
			data = append(data, d...)
		}
	}
	return data, tokenizer.Err() == nil
}

// watchScript is the output script backends index tx under: the contract
// output for payments and the first output for everything else.
func watchScript(tx *coins.Transaction, msgTx *wire.MsgTx) ([]byte, error) {
	if len(tx.Contract) > 0 {
		return WitnessScriptHashPkScript(tx.Contract)
	}
	if len(msgTx.TxOut) == 0 {
		return nil, coins.ValidationErrorf(coins.InvalidTx, "transaction has no outputs")
	}
	return msgTx.TxOut[0].PkScript, nil
}
