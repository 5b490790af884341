package job

import (
	"fmt"
	"math/big"
)

// FieldElement is a scalar in the Cairo/StarkNet prime field, stored as a
// 32-byte big-endian encoding. It is always < Prime.
type FieldElement [32]byte

// Prime is the StarkNet/Cairo field prime 2^251 + 17*2^192 + 1.
var Prime, _ = new(big.Int).SetString("800000000000011000000000000000000000000000000000000000000000001", 16)

// FieldElementFromUint64 encodes a small integer as a field element.
func FieldElementFromUint64(v uint64) FieldElement {
	var fe FieldElement
	big.NewInt(0).SetUint64(v).FillBytes(fe[:])
	return fe
}

// FieldElementFromBytes reduces b modulo Prime and encodes the result.
// b must be at most 32 bytes; longer inputs are rejected with an error.
func FieldElementFromBytes(b []byte) (FieldElement, error) {
	if len(b) > 32 {
		return FieldElement{}, fmt.Errorf("job: field element source exceeds 32 bytes (%d)", len(b))
	}
	n := new(big.Int).SetBytes(b)
	n.Mod(n, Prime)
	var fe FieldElement
	n.FillBytes(fe[:])
	return fe, nil
}

// Big returns the field element as a big.Int.
func (f FieldElement) Big() *big.Int {
	return new(big.Int).SetBytes(f[:])
}

func (f FieldElement) String() string {
	return f.Big().String()
}

// chunkSize is the number of raw bytes packed per field element: 31 bytes
// fit inside a 32-byte element without risk of exceeding Prime (which is
// just over 2^251, i.e. just over 31.375 bytes).
const chunkSize = 31

// ChunkBytes encodes an arbitrary byte sequence as a sequence of field
// elements, 31 raw bytes per element, with a leading length-prefix element
// so the exact byte length survives a round trip through zero-padding.
func ChunkBytes(b []byte) []FieldElement {
	numChunks := (len(b) + chunkSize - 1) / chunkSize
	out := make([]FieldElement, 0, numChunks+1)
	out = append(out, FieldElementFromUint64(uint64(len(b))))

	for i := 0; i < len(b); i += chunkSize {
		end := i + chunkSize
		if end > len(b) {
			end = len(b)
		}
		chunk := b[i:end]
		var fe FieldElement
		// left-pad into the low 31 bytes of the 32-byte element
		copy(fe[32-len(chunk):], chunk)
		out = append(out, fe)
	}
	return out
}

// UnchunkBytes is the inverse of ChunkBytes.
func UnchunkBytes(elems []FieldElement) ([]byte, error) {
	if len(elems) == 0 {
		return nil, fmt.Errorf("job: cannot unchunk an empty field element sequence")
	}
	n := elems[0].Big().Uint64()
	out := make([]byte, 0, n)

	for _, fe := range elems[1:] {
		remaining := int(n) - len(out)
		if remaining <= 0 {
			break
		}
		take := chunkSize
		if remaining < take {
			take = remaining
		}
		// mirror ChunkBytes's right-alignment: a short chunk of `take`
		// bytes was copied into fe[32-take:32], not fe[1:1+take].
		out = append(out, fe[32-take:]...)
	}

	if uint64(len(out)) != n {
		return nil, fmt.Errorf("job: chunk data truncated, want %d bytes got %d", n, len(out))
	}
	return out, nil
}
