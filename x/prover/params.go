package prover

import "math/bits"

// LastLayerDegreeBound is fixed across all jobs (spec.md §4.3).
const LastLayerDegreeBound = 128

// defaultNQueries, defaultProofOfWorkBits, and defaultLogNCosets are the
// STARK parameters this implementation does not vary per job; only the
// FRI step list depends on n_steps.
const (
	defaultNQueries        = 18
	defaultProofOfWorkBits = 30
	defaultLogNCosets      = 4
)

// FRIParameters is the subset of the stone-prover parameter file this
// implementation derives deterministically. Any two executors proving
// the same job (same n_steps) arrive at identical values.
type FRIParameters struct {
	FriStepList          []uint64 `json:"fri_step_list"`
	LastLayerDegreeBound uint64   `json:"last_layer_degree_bound"`
	NQueries             uint64   `json:"n_queries"`
	ProofOfWorkBits      uint64   `json:"proof_of_work_bits"`
	LogNCosets           uint64   `json:"log_n_cosets"`
}

// DeriveFRIParameters builds the FRI plan for a trace of nSteps steps.
// The step list sums to log2(nSteps) + 4 - log2(LastLayerDegreeBound),
// structured as a leading 0, a run of 4s, then a single remainder step
// (spec.md §4.3 step 2).
func DeriveFRIParameters(nSteps uint64) FRIParameters {
	total := friStepTotal(nSteps)

	steps := make([]uint64, 0, total/4+2)
	steps = append(steps, 0)
	remaining := total
	for remaining >= 4 {
		steps = append(steps, 4)
		remaining -= 4
	}
	if remaining > 0 {
		steps = append(steps, remaining)
	}

	return FRIParameters{
		FriStepList:          steps,
		LastLayerDegreeBound: LastLayerDegreeBound,
		NQueries:             defaultNQueries,
		ProofOfWorkBits:      defaultProofOfWorkBits,
		LogNCosets:           defaultLogNCosets,
	}
}

// friStepTotal computes log2(nSteps) + 4 - log2(LastLayerDegreeBound),
// clamped at 0 for trace sizes too small to need any FRI folding.
func friStepTotal(nSteps uint64) uint64 {
	if nSteps == 0 {
		return 0
	}
	logNSteps := uint64(bits.Len64(nSteps) - 1)
	logLastLayer := uint64(bits.Len64(LastLayerDegreeBound) - 1)
	total := logNSteps + 4
	if total <= logLastLayer {
		return 0
	}
	return total - logLastLayer
}
