package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zetina-go/zetina/x/job"
)

func TestMarketMessage_RoundTrip(t *testing.T) {
	bid := NewJobBidMessage(BidEnvelope{Bidder: "alice", JobKey: job.KeyFromUint64(1), Price: 7})
	b, err := bid.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMarketMessage(b)
	require.NoError(t, err)
	require.Equal(t, MarketKindJobBid, got.Kind)
	require.Equal(t, "alice", got.JobBid.Bidder)
	require.Equal(t, uint64(7), got.JobBid.Price)
}

func TestDelegationMessage_RoundTrip(t *testing.T) {
	msg := NewFinishedMessage(job.KeyFromUint64(2), job.KeyFromUint64(1))
	b, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalDelegationMessage(b)
	require.NoError(t, err)
	require.Equal(t, DelegationKindFinished, got.Kind)
	require.Equal(t, job.KeyFromUint64(2), got.Finished.ProofKey)
}

func TestNetworkingMessage_RoundTrip(t *testing.T) {
	msg := NetworkingMessage{Multiaddr: "127.0.0.1:4001"}
	b, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalNetworkingMessage(b)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}
