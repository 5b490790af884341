// Package prover supervises the external STARK prover (the
// "cpu_air_prover" binary) that consumes a JobTrace and emits a
// JobWitness (spec.md §4.3).
package prover

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/metrics"
	"github.com/zetina-go/zetina/x/process"
)

// component labels this package's metrics under x/metrics.Node's
// process-level counters.
const component = "prover"

// ErrTaskTerminated mirrors the runner's taxonomy: the child exited
// non-zero or was killed following an abort.
var ErrTaskTerminated = errors.New("prover: task terminated")

// Hash names a hash function selectable in the STARK parameter set.
type Hash string

const (
	HashPedersen              Hash = "pedersen"
	HashPoseidon3             Hash = "poseidon3"
	HashKeccak256             Hash = "keccak256"
	HashKeccak256Masked160Lsb Hash = "keccak256_masked160_lsb"
)

type statement struct {
	PageHash Hash `json:"page_hash"`
}

type stark struct {
	Fri        Fri    `json:"fri"`
	LogNCosets uint64 `json:"log_n_cosets"`
}

// Fri is the wire shape of FRIParameters inside the parameter file.
type Fri struct {
	FriStepList          []uint64 `json:"fri_step_list"`
	LastLayerDegreeBound uint64   `json:"last_layer_degree_bound"`
	NQueries             uint64   `json:"n_queries"`
	ProofOfWorkBits      uint64   `json:"proof_of_work_bits"`
}

// Params is the cpu_air_prover parameter_file document. Every field but
// Stark.Fri is a fixed constant across jobs, mirroring stone-prover's
// own defaults.
type Params struct {
	Field                             string    `json:"field"`
	ChannelHash                       Hash      `json:"channel_hash"`
	CommitmentHash                    Hash      `json:"commitment_hash"`
	NVerifierFriendlyCommitmentLayers uint64    `json:"n_verifier_friendly_commitment_layers"`
	PowHash                           Hash      `json:"pow_hash"`
	Statement                         statement `json:"statement"`
	Stark                             stark     `json:"stark"`
	UseExtensionField                 bool      `json:"use_extension_field"`
	VerifierFriendlyChannelUpdates    bool      `json:"verifier_friendly_channel_updates"`
	VerifierFriendlyCommitmentHash    Hash      `json:"verifier_friendly_commitment_hash"`
}

func buildParams(fri FRIParameters) Params {
	return Params{
		Field:                             "prime_field0",
		ChannelHash:                       HashPoseidon3,
		CommitmentHash:                    HashKeccak256Masked160Lsb,
		NVerifierFriendlyCommitmentLayers: 0,
		PowHash:                           HashKeccak256,
		Statement:                         statement{PageHash: HashPedersen},
		Stark: stark{
			Fri: Fri{
				FriStepList:          fri.FriStepList,
				LastLayerDegreeBound: fri.LastLayerDegreeBound,
				NQueries:             fri.NQueries,
				ProofOfWorkBits:      fri.ProofOfWorkBits,
			},
			LogNCosets: fri.LogNCosets,
		},
		UseExtensionField:              false,
		VerifierFriendlyChannelUpdates: true,
		VerifierFriendlyCommitmentHash: HashPoseidon3,
	}
}

// ProverConfig is the cpu_air_prover_config document. Like Params, this
// implementation does not vary it per job.
type ProverConfig struct {
	ConstraintPolynomialTaskSize uint64 `json:"constraint_polynomial_task_size"`
	NOutOfMemoryMerkleLayers     uint64 `json:"n_out_of_memory_merkle_layers"`
	TableProverNTasksPerSegment  uint64 `json:"table_prover_n_tasks_per_segment"`
}

func defaultProverConfig() ProverConfig {
	return ProverConfig{
		ConstraintPolynomialTaskSize: 256,
		NOutOfMemoryMerkleLayers:     1,
		TableProverNTasksPerSegment:  32,
	}
}

type airPublicInput struct {
	NSteps uint64 `json:"n_steps"`
}

// Config configures a Prover.
type Config struct {
	// BinaryPath overrides the cpu_air_prover executable on PATH.
	BinaryPath string
	Logger     zerolog.Logger
	Metrics    *metrics.Node // nil disables metric recording
}

// Prover supervises cpu_air_prover invocations.
type Prover struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Prover {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "cpu_air_prover"
	}
	return &Prover{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "prover").Logger(),
	}
}

// Prove launches cpu_air_prover against trace and returns a Process
// whose result is the job's Witness. trace is closed (and its temp
// files unlinked) once the prover has consumed them, regardless of
// outcome.
func (p *Prover) Prove(trace *job.Trace) *process.Process[job.Witness] {
	return process.Run(func(abort <-chan struct{}) (job.Witness, error) {
		defer trace.Close()
		return p.prove(trace, abort)
	})
}

func (p *Prover) recordAbort() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProcessAborts.WithLabelValues(component).Inc()
	}
}

func (p *Prover) recordFailure() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProcessFailures.WithLabelValues(component).Inc()
	}
}

func (p *Prover) recordDuration(d time.Duration) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProverDuration.Observe(d.Seconds())
	}
}

func (p *Prover) prove(trace *job.Trace, abort <-chan struct{}) (job.Witness, error) {
	log := p.log.With().Str("job_key", trace.JobKey.String()).Logger()
	started := time.Now()

	nSteps, err := readNSteps(trace.AirPublicInput)
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: read n_steps: %w", err)
	}
	fri := DeriveFRIParameters(nSteps)

	paramsBytes, err := json.Marshal(buildParams(fri))
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: marshal params: %w", err)
	}
	parameterFile, err := writeTemp("parameter-*.json", paramsBytes)
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: write parameter file: %w", err)
	}
	defer os.Remove(parameterFile.Name())
	defer parameterFile.Close()

	configBytes, err := json.Marshal(defaultProverConfig())
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: marshal config: %w", err)
	}
	configFile, err := writeTemp("prover-config-*.json", configBytes)
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: write config file: %w", err)
	}
	defer os.Remove(configFile.Name())
	defer configFile.Close()

	outFile, err := os.CreateTemp("", "proof-*.json")
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: create out file: %w", err)
	}
	defer os.Remove(outFile.Name())
	defer outFile.Close()

	cmd := exec.Command(p.cfg.BinaryPath,
		"--out_file", outFile.Name(),
		"--private_input_file", trace.AirPrivateInput.Name(),
		"--public_input_file", trace.AirPublicInput.Name(),
		"--prover_config_file", configFile.Name(),
		"--parameter_file", parameterFile.Name(),
		"--generate_annotations",
	)

	if err := cmd.Start(); err != nil {
		return job.Witness{}, fmt.Errorf("prover: start cpu_air_prover: %w", err)
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("prover task spawned")

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			log.Debug().Err(err).Msg("prover task terminated")
			p.recordFailure()
			return job.Witness{}, ErrTaskTerminated
		}
	case <-abort:
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
		p.recordAbort()
		return job.Witness{}, fmt.Errorf("%w: %w", ErrTaskTerminated, process.ErrTerminated)
	}

	proof, err := os.ReadFile(outFile.Name())
	if err != nil {
		return job.Witness{}, fmt.Errorf("prover: read proof output: %w", err)
	}

	p.recordDuration(time.Since(started))
	return job.Witness{JobKey: trace.JobKey, Proof: proof}, nil
}

func readNSteps(f *os.File) (uint64, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	var in airPublicInput
	if err := json.NewDecoder(f).Decode(&in); err != nil {
		return 0, err
	}
	return in.NSteps, nil
}

func writeTemp(pattern string, data []byte) (*os.File, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}
