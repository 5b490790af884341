package overlay

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidEnvelope is returned by Verify when the signature does not
// match the carried public key, or the public key is malformed. Per
// spec.md §4.4, envelopes that fail this check are dropped silently by
// callers rather than propagated as a processing error.
var ErrInvalidEnvelope = errors.New("overlay: invalid envelope signature")

// Envelope is the signed wrapper every message travels in on the wire,
// regardless of Topic. The signature covers Topic and Payload so a
// relaying peer cannot rewrap a message under a different topic.
type Envelope struct {
	Topic     Topic  `json:"topic"`
	Payload   []byte `json:"payload"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

func envelopeHash(topic Topic, payload []byte) []byte {
	buf := make([]byte, 0, len(topic)+len(payload))
	buf = append(buf, []byte(topic)...)
	buf = append(buf, payload...)
	return crypto.Keccak256(buf)
}

// Seal signs payload for topic with priv and returns the Envelope ready
// to hand to a transport.
func Seal(priv *ecdsa.PrivateKey, topic Topic, payload []byte) (Envelope, error) {
	hash := envelopeHash(topic, payload)
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return Envelope{}, fmt.Errorf("overlay: seal envelope: %w", err)
	}
	return Envelope{
		Topic:     topic,
		Payload:   payload,
		PublicKey: crypto.CompressPubkey(&priv.PublicKey),
		Signature: sig,
	}, nil
}

// Verify reports whether e carries a valid signature over its own Topic
// and Payload, produced by the private key matching e.PublicKey.
func Verify(e Envelope) bool {
	if len(e.Signature) != 65 {
		return false
	}
	pub, err := crypto.DecompressPubkey(e.PublicKey)
	if err != nil {
		return false
	}
	hash := envelopeHash(e.Topic, e.Payload)
	return crypto.VerifySignature(crypto.CompressPubkey(pub), hash, e.Signature[:64])
}

func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("overlay: unmarshal envelope: %w", err)
	}
	return e, nil
}
