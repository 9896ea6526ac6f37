package onchain

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SecretSize is the only preimage size the contract accepts. Enforcing it
// keeps a secret valid on one chain from being unusable on the other.
const SecretSize = 32

var ErrNotHTLC = errors.New("script is not a swap htlc")

// HTLCParams are the values a swap contract commits to.
type HTLCParams struct {
	LockTime    uint32
	SenderPub   []byte
	ReceiverPub []byte
	SecretHash  []byte
}

// HTLCScript returns the contract
//
//	OP_IF <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP <sender> OP_CHECKSIG
//	OP_ELSE OP_SIZE 32 OP_EQUALVERIFY OP_HASH160 <secret_hash> OP_EQUALVERIFY <receiver> OP_CHECKSIG
//	OP_ENDIF
//
// The sender refunds through the first branch once locktime passed, the
// receiver claims through the second by revealing the secret.
func HTLCScript(p *HTLCParams) ([]byte, error) {
	if len(p.SecretHash) != 20 {
		return nil, fmt.Errorf("secret hash must be 20 bytes, got %d", len(p.SecretHash))
	}
	if len(p.SenderPub) != 33 || len(p.ReceiverPub) != 33 {
		return nil, fmt.Errorf("htlc keys must be compressed public keys")
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddInt64(int64(p.LockTime)).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(p.SenderPub).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ELSE).
		AddOp(txscript.OP_SIZE).
		AddInt64(SecretSize).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_HASH160).
		AddData(p.SecretHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(p.ReceiverPub).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
}

// ParseHTLCScript extracts the parameters of a contract built by HTLCScript.
// Anything that does not rebuild to the exact same bytes is rejected.
func ParseHTLCScript(script []byte) (*HTLCParams, error) {
	var pushes [][]byte
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if data := tokenizer.Data(); data != nil {
			pushes = append(pushes, data)
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHTLC, err)
	}
	// locktime, sender, size, secret hash, receiver
	if len(pushes) != 5 {
		return nil, ErrNotHTLC
	}
	lockTime, err := scriptNumToUint32(pushes[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHTLC, err)
	}
	p := &HTLCParams{
		LockTime:    lockTime,
		SenderPub:   pushes[1],
		SecretHash:  pushes[3],
		ReceiverPub: pushes[4],
	}
	rebuilt, err := HTLCScript(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHTLC, err)
	}
	if !bytes.Equal(rebuilt, script) {
		return nil, ErrNotHTLC
	}
	return p, nil
}

// scriptNumToUint32 decodes a minimally encoded, positive script number.
func scriptNumToUint32(data []byte) (uint32, error) {
	if len(data) == 0 || len(data) > 5 {
		return 0, fmt.Errorf("invalid script number length %d", len(data))
	}
	if data[len(data)-1]&0x80 != 0 {
		return 0, fmt.Errorf("negative script number")
	}
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	if v > 0xffffffff {
		return 0, fmt.Errorf("script number overflows uint32")
	}
	return uint32(v), nil
}

// WitnessScriptHashPkScript returns the P2WSH output script paying to
// script.
func WitnessScriptHashPkScript(script []byte) ([]byte, error) {
	witnessProgram := sha256.Sum256(script)
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(witnessProgram[:]).
		Script()
}

// ClaimWitness spends the receiver branch.
func ClaimWitness(sig, secret, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, secret, {}, script}
}

// RefundWitness spends the sender branch.
func RefundWitness(sig, script []byte) wire.TxWitness {
	return wire.TxWitness{sig, {0x01}, script}
}

// ExtractSecretFromTx looks for a claim witness revealing the preimage of
// secretHash.
func ExtractSecretFromTx(secretHash []byte, tx *wire.MsgTx) ([]byte, bool) {
	for _, in := range tx.TxIn {
		if len(in.Witness) != 4 {
			continue
		}
		candidate := in.Witness[1]
		if len(candidate) != SecretSize {
			continue
		}
		if bytes.Equal(btcutil.Hash160(candidate), secretHash) {
			return candidate, true
		}
	}
	return nil, false
}

// findOutput returns the index of the first output paying to pkScript.
func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), true
		}
	}
	return 0, false
}
