package messages

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// EnvelopeVersion is the only envelope version this node speaks.
const EnvelopeVersion uint8 = 1

// Envelope wraps every payload that leaves the node. The signature covers
// all other fields and is made with the sender's persistent key.
type Envelope struct {
	Version   uint8       `codec:"v"`
	Type      MessageType `codec:"t"`
	From      []byte      `codec:"f"`
	Timestamp int64       `codec:"ts"`
	Payload   []byte      `codec:"p"`
	Sig       []byte      `codec:"s,omitempty"`
}

// Seal encodes msg, signs it with key and returns the wire bytes.
func Seal(key *btcec.PrivateKey, msg Message) ([]byte, *Envelope, error) {
	payload, err := Encode(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	env := &Envelope{
		Version:   EnvelopeVersion,
		Type:      msg.MessageType(),
		From:      key.PubKey().SerializeCompressed(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
	hash, err := env.sigHash()
	if err != nil {
		return nil, nil, err
	}
	env.Sig = ecdsa.Sign(key, hash).Serialize()

	raw, err := Encode(env)
	if err != nil {
		return nil, nil, err
	}
	return raw, env, nil
}

// Open decodes raw and verifies its signature.
func Open(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := Decode(raw, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	pub, err := btcec.ParsePubKey(env.From)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := ecdsa.ParseDERSignature(env.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	hash, err := env.sigHash()
	if err != nil {
		return nil, err
	}
	if !sig.Verify(hash, pub) {
		return nil, ErrInvalidSignature
	}
	return env, nil
}

func (e *Envelope) sigHash() ([]byte, error) {
	unsigned := *e
	unsigned.Sig = nil
	b, err := Encode(&unsigned)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(b)
	return h[:], nil
}

// DecodeInto decodes the payload into msg after checking that the envelope
// carries msg's type.
func (e *Envelope) DecodeInto(msg Message) error {
	if e.Type != msg.MessageType() {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, e.Type, msg.MessageType())
	}
	return Decode(e.Payload, msg)
}

// SenderID is the hex encoded compressed public key of the sender.
func (e *Envelope) SenderID() string {
	return hex.EncodeToString(e.From)
}

// MessageID identifies a wire message for duplicate suppression.
func MessageID(raw []byte) string {
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}
