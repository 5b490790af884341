// Package job defines the signed value objects that travel across the
// overlay and between the runner and prover supervisors: JobData, Job,
// JobTrace, and JobWitness, plus the auction's BidEntry.
package job

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a 64-bit big-endian content-address digest identifying a Job (as
// a DHT record key) or a JobWitness (as a proof key).
type Key [8]byte

func (k Key) String() string {
	return fmt.Sprintf("%016x", [8]byte(k))
}

func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Key) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 8 {
		return fmt.Errorf("job: invalid key %q", s)
	}
	copy(k[:], raw)
	return nil
}

// IsZero reports whether k is the zero key (used as a "not set" sentinel
// in controller bookkeeping maps).
func (k Key) IsZero() bool {
	return k == Key{}
}

// Data is the unsigned payload of a Job: the reward offered, the
// executor-asserted step ceiling used for pricing (advisory; never
// re-checked before execution), the compressed PIE archive, and the
// on-chain registry address the proof will be verified against.
type Data struct {
	Reward             uint32       `json:"reward"`
	NumOfSteps         uint32       `json:"num_of_steps"`
	CairoPieCompressed []byte       `json:"cairo_pie_compressed"`
	RegistryAddress    FieldElement `json:"registry_address"`
}

// fieldElements encodes Data as the canonical sequence of field elements
// hashed for both signing and the content-address key:
// [reward, num_of_steps, chunks31(pie)..., registry_address].
func (d Data) fieldElements() []FieldElement {
	elems := make([]FieldElement, 0, 4+len(d.CairoPieCompressed)/chunkSize)
	elems = append(elems, FieldElementFromUint64(uint64(d.Reward)))
	elems = append(elems, FieldElementFromUint64(uint64(d.NumOfSteps)))
	elems = append(elems, ChunkBytes(d.CairoPieCompressed)...)
	elems = append(elems, d.RegistryAddress)
	return elems
}

// digest hashes the canonical field-element encoding with Keccak256, the
// collision-resistant sponge used throughout this implementation (see
// SPEC_FULL.md for why: no StarkNet-native Poseidon sponge is available
// in this module's dependency set).
func (d Data) digest() []byte {
	elems := d.fieldElements()
	buf := make([]byte, 0, len(elems)*32)
	for _, e := range elems {
		buf = append(buf, e[:]...)
	}
	return crypto.Keccak256(buf)
}

// Hash returns the collision-resistant digest of Data's canonical encoding.
// Signatures are computed over this value.
func (d Data) Hash() []byte {
	return d.digest()
}

// ContentAddress returns the Job's DHT record key: the low 8 bytes of
// Hash(). Any two peers computing this from the same job_data bytes agree.
func (d Data) ContentAddress() Key {
	h := d.digest()
	var k Key
	copy(k[:], h[len(h)-8:])
	return k
}

// Job is a signed Data together with the delegator's public key. Equality
// and ordering are structural over Data only; PublicKey/Signature are not
// part of identity.
type Job struct {
	JobData   Data   `json:"job_data"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// Sign builds a signed Job from Data using priv.
func Sign(priv *ecdsa.PrivateKey, data Data) (Job, error) {
	hash := data.Hash()
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return Job{}, fmt.Errorf("job: sign: %w", err)
	}
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return Job{
		JobData:   data,
		PublicKey: pub,
		Signature: sig,
	}, nil
}

// VerifySignature reports whether job.Signature is a valid ECDSA signature
// over job.JobData's hash, matching job.PublicKey.
func VerifySignature(j Job) bool {
	if len(j.Signature) != 65 {
		return false
	}
	hash := j.JobData.Hash()
	// crypto.Sign's recovery byte (sig[64]) makes sig[:64] self-contained;
	// verify directly against the carried public key rather than trusting
	// recovery, so a tampered PublicKey field is caught too.
	pub, err := crypto.DecompressPubkey(j.PublicKey)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(crypto.CompressPubkey(pub), hash, j.Signature[:64])
}

// ContentAddress returns the Job's DHT key, identical to j.JobData.ContentAddress().
func (j Job) ContentAddress() Key {
	return j.JobData.ContentAddress()
}

// Marshal serializes a Job to its wire form (JSON tagged-union payload, per
// spec.md's gossip wire format).
func Marshal(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}

// BidEntry is a single bid in a job auction.
type BidEntry struct {
	Price  uint64 `json:"price"`
	Bidder string `json:"bidder"` // overlay peer identity
}

// Witness is the prover's output: an opaque serialized proof correlated
// to the job it attests.
type Witness struct {
	JobKey Key    `json:"job_key"`
	Proof  []byte `json:"proof"`
}

// ContentAddress returns the DHT key under which the witness is stored:
// the low 8 bytes of Keccak256(proof bytes).
func (w Witness) ContentAddress() Key {
	h := crypto.Keccak256(w.Proof)
	var k Key
	copy(k[:], h[len(h)-8:])
	return k
}

// KeyFromUint64 is a test/debug helper building a Key from a plain integer.
func KeyFromUint64(v uint64) Key {
	var k Key
	binary.BigEndian.PutUint64(k[:], v)
	return k
}
