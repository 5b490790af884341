package delegator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/zetina-go/zetina/x/bidqueue"
	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/overlay"
)

// manualTimerFactory lets the test close the auction window deterministically.
type manualTimerFactory struct {
	fire chan func()
}

func newManualTimerFactory() *manualTimerFactory {
	return &manualTimerFactory{fire: make(chan func(), 1)}
}

func (f *manualTimerFactory) AfterFunc(_ time.Duration, fn func()) bidqueue.Timer {
	f.fire <- fn
	return manualTimer{}
}

func (f *manualTimerFactory) trigger() {
	fn := <-f.fire
	fn()
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

func newTestOverlay(t *testing.T) (*overlay.Overlay, func()) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	o := overlay.New(overlay.Config{ListenAddr: "127.0.0.1:0", PrivateKey: priv})
	require.NoError(t, o.Start())
	return o, func() { _ = o.Stop() }
}

func TestDelegator_FullLifecycle(t *testing.T) {
	nodeA, closeA := newTestOverlay(t)
	defer closeA()
	nodeB, closeB := newTestOverlay(t)
	defer closeB()
	require.NoError(t, nodeA.Dial(nodeB.Addr()))

	delegatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	factory := newManualTimerFactory()
	d := New(Config{Overlay: nodeA, PrivateKey: delegatorKey, TimerFactory: factory})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	marketOnB := nodeB.Subscribe(overlay.Market)
	delegationOnB := nodeB.Subscribe(overlay.Delegation)

	jobKey, err := d.Delegate(ctx, job.Data{Reward: 10, NumOfSteps: 1024, CairoPieCompressed: []byte("pie")})
	require.NoError(t, err)
	require.False(t, jobKey.IsZero())

	// The delegator must have gossiped JobBidPropagation after the DHT put.
	propagation := waitMarketMessage(t, marketOnB)
	require.Equal(t, overlay.MarketKindJobBidPropagation, propagation.Kind)
	require.Equal(t, jobKey, *propagation.JobBidPropagation)

	// Simulate a bidder publishing a bid from node B.
	bidMsg := overlay.NewJobBidMessage(overlay.BidEnvelope{Bidder: "bob", JobKey: jobKey, Price: 5})
	bidPayload, err := bidMsg.Marshal()
	require.NoError(t, err)
	require.NoError(t, nodeB.Publish(overlay.Market, bidPayload))

	bidEvent := waitEvent(t, d.Events())
	require.Equal(t, EventBidReceived, bidEvent.Kind)
	require.Equal(t, "bob", bidEvent.Bidder)

	// Close the auction window.
	factory.trigger()

	delegateMsg := waitDelegationMessage(t, delegationOnB)
	require.Equal(t, overlay.DelegationKindDelegate, delegateMsg.Kind)
	require.Equal(t, "bob", delegateMsg.Delegate.Bidder)
	require.Equal(t, jobKey, delegateMsg.Delegate.JobKey)

	delegatedEvent := waitEvent(t, d.Events())
	require.Equal(t, EventDelegated, delegatedEvent.Kind)
	require.Equal(t, "bob", delegatedEvent.Bidder)

	// Simulate the executor (node B) finishing the proof: it stores the
	// witness in its own DHT shard, then gossips Finished.
	witness := job.Witness{JobKey: jobKey, Proof: []byte("proof-bytes")}
	proofKey := witness.ContentAddress()
	witnessBytes, err := json.Marshal(witness)
	require.NoError(t, err)
	require.NoError(t, nodeB.Put(proofKey, witnessBytes))

	finishedMsg := overlay.NewFinishedMessage(proofKey, jobKey)
	finishedPayload, err := finishedMsg.Marshal()
	require.NoError(t, err)
	require.NoError(t, nodeB.Publish(overlay.Delegation, finishedPayload))

	finishedEvent := waitEvent(t, d.Events())
	require.Equal(t, EventFinished, finishedEvent.Kind)
	require.Equal(t, []byte("proof-bytes"), finishedEvent.Proof)

	cancel()
	require.NoError(t, <-runErr)
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delegator event")
		return Event{}
	}
}

func waitMarketMessage(t *testing.T, ch <-chan overlay.Envelope) overlay.MarketMessage {
	t.Helper()
	select {
	case env := <-ch:
		msg, err := overlay.UnmarshalMarketMessage(env.Payload)
		require.NoError(t, err)
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for market message")
		return overlay.MarketMessage{}
	}
}

func waitDelegationMessage(t *testing.T, ch <-chan overlay.Envelope) overlay.DelegationMessage {
	t.Helper()
	select {
	case env := <-ch:
		msg, err := overlay.UnmarshalDelegationMessage(env.Payload)
		require.NoError(t, err)
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delegation message")
		return overlay.DelegationMessage{}
	}
}
