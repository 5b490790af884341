package job

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestChunkBytes_RoundTrip(t *testing.T) {
	for n := 0; n <= 100; n++ {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i*7 + 3)
		}

		elems := ChunkBytes(b)
		got, err := UnchunkBytes(elems)
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, b, got, "n=%d", n)
	}
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	data := Data{
		Reward:             5,
		NumOfSteps:         1000,
		CairoPieCompressed: []byte("pie-bytes"),
		RegistryAddress:    FieldElementFromUint64(0xabcdef),
	}

	j, err := Sign(priv, data)
	require.NoError(t, err)
	require.True(t, VerifySignature(j))
}

func TestVerifySignature_RejectsTamperedData(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	data := Data{Reward: 1, NumOfSteps: 2, CairoPieCompressed: []byte{1, 2, 3}}
	j, err := Sign(priv, data)
	require.NoError(t, err)

	j.JobData.Reward = 999
	require.False(t, VerifySignature(j))
}

func TestSerialize_RoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	data := Data{
		Reward:             7,
		NumOfSteps:         42,
		CairoPieCompressed: []byte{9, 9, 9, 9},
		RegistryAddress:    FieldElementFromUint64(1234),
	}
	j, err := Sign(priv, data)
	require.NoError(t, err)

	raw, err := Marshal(j)
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, j, got)
}

func TestContentAddress_Deterministic(t *testing.T) {
	data := Data{
		Reward:             1,
		NumOfSteps:         1,
		CairoPieCompressed: []byte("same-bytes"),
		RegistryAddress:    FieldElementFromUint64(7),
	}

	k1 := data.ContentAddress()
	k2 := data.ContentAddress()
	require.Equal(t, k1, k2)

	other := data
	other.Reward = 2
	require.NotEqual(t, k1, other.ContentAddress())
}
