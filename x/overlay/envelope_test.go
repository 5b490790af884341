package overlay

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSeal_RoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := Seal(priv, Market, []byte("payload"))
	require.NoError(t, err)
	require.True(t, Verify(env))
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := Seal(priv, Market, []byte("payload"))
	require.NoError(t, err)

	env.Payload = []byte("tampered")
	require.False(t, Verify(env))
}

func TestVerify_RejectsTamperedTopic(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := Seal(priv, Market, []byte("payload"))
	require.NoError(t, err)

	env.Topic = Delegation
	require.False(t, Verify(env))
}

func TestVerify_RejectsForeignPublicKey(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreign, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := Seal(priv, Market, []byte("payload"))
	require.NoError(t, err)

	env.PublicKey = crypto.CompressPubkey(&foreign.PublicKey)
	require.False(t, Verify(env))
}

func TestVerify_RejectsMalformedSignature(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := Seal(priv, Market, []byte("payload"))
	require.NoError(t, err)

	env.Signature = env.Signature[:10]
	require.False(t, Verify(env))
}

func TestEnvelope_MarshalRoundTrip(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)

	env, err := Seal(priv, Networking, []byte("127.0.0.1:9000"))
	require.NoError(t, err)

	b, err := env.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, env, got)
	require.True(t, Verify(got))
}
