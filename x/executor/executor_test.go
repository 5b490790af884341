package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/overlay"
	"github.com/zetina-go/zetina/x/prover"
	"github.com/zetina-go/zetina/x/runner"
)

func writeFakeRunnerBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary script is POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "cairo-run")
	script := `#!/bin/sh
set -e
while [ "$#" -gt 0 ]; do
  case "$1" in
    --air_public_input) echo '{"n_steps":1024}' > "$2" ;;
    --air_private_input) echo "private" > "$2" ;;
    --trace_file) echo "trace" > "$2" ;;
    --memory_file) echo "memory" > "$2" ;;
  esac
  shift
done
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFakeProverBinary(t *testing.T, proofBody string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary script is POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu_air_prover")
	script := fmt.Sprintf(`#!/bin/sh
set -e
out=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    --out_file) out="$2" ;;
  esac
  shift
done
printf '%%s' %q > "$out"
exit 0
`, proofBody)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestOverlay(t *testing.T) (*overlay.Overlay, func()) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	o := overlay.New(overlay.Config{ListenAddr: "127.0.0.1:0", PrivateKey: priv})
	require.NoError(t, o.Start())
	return o, func() { _ = o.Stop() }
}

func TestExecutor_FullLifecycle(t *testing.T) {
	nodeA, closeA := newTestOverlay(t) // executor's overlay
	defer closeA()
	nodeB, closeB := newTestOverlay(t) // simulated delegator peer
	defer closeB()
	require.NoError(t, nodeB.Dial(nodeA.Addr()))

	execKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	delegatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	programPath := filepath.Join(t.TempDir(), "program.json")
	require.NoError(t, os.WriteFile(programPath, []byte("{}"), 0o644))

	e := New(Config{
		Overlay:    nodeA,
		PrivateKey: execKey,
		Identity:   "alice",
		Runner:     runner.New(runner.Config{ProgramPath: programPath, BinaryPath: writeFakeRunnerBinary(t)}),
		Prover:     prover.New(prover.Config{BinaryPath: writeFakeProverBinary(t, "proof-bytes")}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- e.Run(ctx) }()

	marketOnB := nodeB.Subscribe(overlay.Market)
	delegationOnB := nodeB.Subscribe(overlay.Delegation)

	j, err := job.Sign(delegatorKey, job.Data{Reward: 1, NumOfSteps: 1024, CairoPieCompressed: []byte("pie")})
	require.NoError(t, err)
	jobKey := j.ContentAddress()

	jobBytes, err := job.Marshal(j)
	require.NoError(t, err)
	require.NoError(t, nodeB.Put(jobKey, jobBytes))

	propagation := overlay.NewJobBidPropagationMessage(jobKey)
	propPayload, err := propagation.Marshal()
	require.NoError(t, err)
	require.NoError(t, nodeB.Publish(overlay.Market, propPayload))

	// Publish also delivers to the publisher's own subscribers, so nodeB
	// hears its own propagation before the executor's bid.
	ownPropagation := waitMarketMessage(t, marketOnB)
	require.Equal(t, overlay.MarketKindJobBidPropagation, ownPropagation.Kind)

	bidMsg := waitMarketMessage(t, marketOnB)
	require.Equal(t, overlay.MarketKindJobBid, bidMsg.Kind)
	require.Equal(t, "alice", bidMsg.JobBid.Bidder)
	require.Equal(t, uint64(0), bidMsg.JobBid.Price) // idle executor

	delegateMsg := overlay.NewDelegateMessage(overlay.BidEnvelope{Bidder: "alice", JobKey: jobKey, Price: 0})
	delegatePayload, err := delegateMsg.Marshal()
	require.NoError(t, err)
	require.NoError(t, nodeB.Publish(overlay.Delegation, delegatePayload))

	ownDelegate := waitDelegationMessage(t, delegationOnB)
	require.Equal(t, overlay.DelegationKindDelegate, ownDelegate.Kind)

	finishedMsg := waitDelegationMessage(t, delegationOnB)
	require.Equal(t, overlay.DelegationKindFinished, finishedMsg.Kind)
	require.Equal(t, jobKey, finishedMsg.Finished.JobKey)

	proofKey := finishedMsg.Finished.ProofKey
	ctxGet, cancelGet := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelGet()
	value, state := nodeB.Get(ctxGet, proofKey)
	require.Equal(t, overlay.Succeeded, state)

	var witness job.Witness
	require.NoError(t, json.Unmarshal(value, &witness))
	require.Equal(t, "proof-bytes", string(witness.Proof))

	cancel()
	require.NoError(t, <-runErr)
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
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delegation message")
		return overlay.DelegationMessage{}
	}
}
