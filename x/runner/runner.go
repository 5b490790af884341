// Package runner supervises the external Cairo VM (the "cairo-run"
// binary) that re-executes a delegated job's PIE archive and emits a
// JobTrace for the prover stage (spec.md §4.2).
package runner

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/metrics"
	"github.com/zetina-go/zetina/x/process"
)

// component labels this package's metrics under x/metrics.Node's
// process-level counters.
const component = "runner"

// ErrTaskTerminated is returned when the child process exited non-zero
// or was killed following an abort.
var ErrTaskTerminated = errors.New("runner: task terminated")

// Layout selects the Cairo VM's memory layout. RecursiveWithPoseidon is
// the layout used throughout this implementation; it is fixed rather
// than configurable because the prover stage's verifier expects it.
const Layout = "recursive_with_poseidon"

// bootloaderTask mirrors the Cairo bootloader's task record: one PIE
// path wrapped with the flags the recursive verifier expects.
type bootloaderTask struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	UsePoseidon bool   `json:"use_poseidon"`
}

// bootloaderInput is the program_input document handed to cairo-run.
// ExecutorPublicKey binds the execution to the identity that produced
// it, so the on-chain verifier can check the proof was generated by the
// executor it was delegated to (spec.md §4.2).
type bootloaderInput struct {
	ExecutorPublicKey []byte           `json:"executor_public_key"`
	Tasks             []bootloaderTask `json:"tasks"`
	SinglePage        bool             `json:"single_page"`
}

// Config configures a Runner.
type Config struct {
	// ProgramPath is the path to the compiled Cairo bootloader program
	// passed to cairo-run via --program.
	ProgramPath string
	// BinaryPath overrides the cairo-run executable looked up on PATH.
	BinaryPath string
	Logger     zerolog.Logger
	Metrics    *metrics.Node // nil disables metric recording
}

// Runner supervises cairo-run invocations.
type Runner struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Runner {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "cairo-run"
	}
	return &Runner{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "runner").Logger(),
	}
}

// Run launches cairo-run against j and returns a Process whose result is
// a JobTrace owning the four output temp files. Aborting the Process
// kills the child and returns an error matching both ErrTaskTerminated
// and process.ErrTerminated.
func (r *Runner) Run(executorKey *ecdsa.PrivateKey, j job.Job) *process.Process[*job.Trace] {
	return process.Run(func(abort <-chan struct{}) (*job.Trace, error) {
		return r.run(executorKey, j, abort)
	})
}

func (r *Runner) recordAbort() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ProcessAborts.WithLabelValues(component).Inc()
	}
}

func (r *Runner) recordFailure() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ProcessFailures.WithLabelValues(component).Inc()
	}
}

func (r *Runner) recordDuration(d time.Duration) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RunnerDuration.Observe(d.Seconds())
	}
}

func (r *Runner) run(executorKey *ecdsa.PrivateKey, j job.Job, abort <-chan struct{}) (*job.Trace, error) {
	log := r.log.With().Str("job_key", j.ContentAddress().String()).Logger()
	started := time.Now()

	pieFile, err := writeTemp("cairo-pie-*.zip", j.JobData.CairoPieCompressed)
	if err != nil {
		return nil, fmt.Errorf("runner: write pie archive: %w", err)
	}
	defer os.Remove(pieFile.Name())
	defer pieFile.Close()

	input := bootloaderInput{
		ExecutorPublicKey: crypto.CompressPubkey(&executorKey.PublicKey),
		Tasks: []bootloaderTask{{
			Type:        "CairoPiePath",
			Path:        pieFile.Name(),
			UsePoseidon: true,
		}},
		SinglePage: true,
	}
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("runner: marshal bootloader input: %w", err)
	}
	programInputFile, err := writeTemp("program-input-*.json", inputBytes)
	if err != nil {
		return nil, fmt.Errorf("runner: write bootloader input: %w", err)
	}
	defer os.Remove(programInputFile.Name())
	defer programInputFile.Close()

	airPublicInput, err := os.CreateTemp("", "air-public-input-*")
	if err != nil {
		return nil, fmt.Errorf("runner: create air_public_input: %w", err)
	}
	airPrivateInput, err := os.CreateTemp("", "air-private-input-*")
	if err != nil {
		airPublicInput.Close()
		return nil, fmt.Errorf("runner: create air_private_input: %w", err)
	}
	trace, err := os.CreateTemp("", "trace-*")
	if err != nil {
		airPublicInput.Close()
		airPrivateInput.Close()
		return nil, fmt.Errorf("runner: create trace: %w", err)
	}
	memory, err := os.CreateTemp("", "memory-*")
	if err != nil {
		airPublicInput.Close()
		airPrivateInput.Close()
		trace.Close()
		return nil, fmt.Errorf("runner: create memory: %w", err)
	}

	cmd := exec.Command(r.cfg.BinaryPath,
		"--program", r.cfg.ProgramPath,
		"--layout", Layout,
		"--program_input", programInputFile.Name(),
		"--air_public_input", airPublicInput.Name(),
		"--air_private_input", airPrivateInput.Name(),
		"--trace_file", trace.Name(),
		"--memory_file", memory.Name(),
		"--proof_mode",
		"--print_output",
	)

	if err := cmd.Start(); err != nil {
		airPublicInput.Close()
		airPrivateInput.Close()
		trace.Close()
		memory.Close()
		return nil, fmt.Errorf("runner: start cairo-run: %w", err)
	}
	log.Debug().Int("pid", cmd.Process.Pid).Msg("runner task spawned")

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			airPublicInput.Close()
			airPrivateInput.Close()
			trace.Close()
			memory.Close()
			log.Debug().Err(err).Msg("runner task terminated")
			r.recordFailure()
			return nil, ErrTaskTerminated
		}
	case <-abort:
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
		airPublicInput.Close()
		airPrivateInput.Close()
		trace.Close()
		memory.Close()
		r.recordAbort()
		return nil, fmt.Errorf("%w: %w", ErrTaskTerminated, process.ErrTerminated)
	}

	r.recordDuration(time.Since(started))
	return job.NewTrace(j.ContentAddress(), airPublicInput, airPrivateInput, memory, trace), nil
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
