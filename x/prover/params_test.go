package prover

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveFRIParameters_Deterministic(t *testing.T) {
	a := DeriveFRIParameters(1024)
	b := DeriveFRIParameters(1024)
	require.Equal(t, a, b)
}

func TestDeriveFRIParameters_StepListSumsToExpectedTotal(t *testing.T) {
	cases := []uint64{2, 16, 1024, 1 << 20}
	for _, nSteps := range cases {
		fri := DeriveFRIParameters(nSteps)
		var sum uint64
		for _, s := range fri.FriStepList {
			sum += s
		}
		require.Equal(t, friStepTotal(nSteps), sum, "n_steps=%d", nSteps)
		require.Equal(t, uint64(LastLayerDegreeBound), fri.LastLayerDegreeBound)
		require.Equal(t, uint64(0), fri.FriStepList[0], "leading step must be 0")
	}
}

func TestDeriveFRIParameters_SmallTraceHasZeroTotal(t *testing.T) {
	fri := DeriveFRIParameters(1)
	require.Equal(t, []uint64{0}, fri.FriStepList)
}
