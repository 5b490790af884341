// Package executor implements the executor-side controller: bid on
// published jobs, accept delegation, run the job, prove it, and publish
// the finished witness (spec.md §4.7).
package executor

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/metrics"
	"github.com/zetina-go/zetina/x/overlay"
	"github.com/zetina-go/zetina/x/process"
	"github.com/zetina-go/zetina/x/prover"
	"github.com/zetina-go/zetina/x/runner"
)

// Config configures an Executor.
type Config struct {
	Overlay    *overlay.Overlay
	PrivateKey *ecdsa.PrivateKey
	Identity   string // bidder identity advertised in JobBid messages
	Runner     *runner.Runner
	Prover     *prover.Prover
	Logger     zerolog.Logger
	Metrics    *metrics.Node // nil disables metric recording
}

// Executor runs the executor-side event loop: it bids on every job
// advertised on Market, and on winning, drives that job through the
// runner and prover supervisors to a published proof.
type Executor struct {
	cfg Config
	log zerolog.Logger

	pendingJob   map[job.Key]struct{} // delegated, awaiting the job's DHT record
	pendingProof map[job.Key]job.Key  // proof_key -> job_key, put in flight

	runners map[job.Key]*process.Process[*job.Trace]
	provers map[job.Key]*process.Process[job.Witness]
}

func New(cfg Config) *Executor {
	return &Executor{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "executor").Logger(),
		pendingJob:   make(map[job.Key]struct{}),
		pendingProof: make(map[job.Key]job.Key),
		runners:      make(map[job.Key]*process.Process[*job.Trace]),
		provers:      make(map[job.Key]*process.Process[job.Witness]),
	}
}

// price is the admission-control heuristic of spec.md §4.7: it is 0 on
// an idle executor and grows super-linearly under load.
func (e *Executor) price() uint64 {
	return uint64(len(e.runners)) * uint64(len(e.provers))
}

type jobFetchResult struct {
	jobKey job.Key
	j      job.Job
	err    error
}

type runnerResult struct {
	jobKey job.Key
	trace  *job.Trace
	err    error
}

type proverResult struct {
	jobKey  job.Key
	witness job.Witness
	err     error
}

// Run drives the controller's event loop until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	marketSub := e.cfg.Overlay.Subscribe(overlay.Market)
	delegationSub := e.cfg.Overlay.Subscribe(overlay.Delegation)

	jobFetched := make(chan jobFetchResult, 16)
	runnerDone := make(chan runnerResult, 16)
	proverDone := make(chan proverResult, 16)

	for {
		select {
		case <-ctx.Done():
			// abort in-flight runner/prover processes so their children are
			// killed rather than left running after the loop exits.
			for _, p := range e.runners {
				p.Abort()
			}
			for _, p := range e.provers {
				p.Abort()
			}
			e.log.Info().Msg("executor: shutdown signal, exiting")
			return nil

		case env := <-marketSub:
			e.handleMarketEnvelope(env)

		case env := <-delegationSub:
			e.handleDelegationEnvelope(ctx, env, jobFetched)

		case res := <-jobFetched:
			e.handleJobFetched(res, runnerDone)

		case res := <-runnerDone:
			e.handleRunnerDone(res, proverDone)

		case res := <-proverDone:
			e.handleProverDone(res)
		}
	}
}

func (e *Executor) handleMarketEnvelope(env overlay.Envelope) {
	msg, err := overlay.UnmarshalMarketMessage(env.Payload)
	if err != nil {
		return
	}
	if msg.Kind != overlay.MarketKindJobBidPropagation || msg.JobBidPropagation == nil {
		return
	}
	key := *msg.JobBidPropagation

	bid := overlay.NewJobBidMessage(overlay.BidEnvelope{Bidder: e.cfg.Identity, JobKey: key, Price: e.price()})
	payload, err := bid.Marshal()
	if err != nil {
		e.log.Warn().Err(err).Msg("executor: marshal bid")
		return
	}
	if err := e.cfg.Overlay.Publish(overlay.Market, payload); err != nil {
		e.log.Warn().Err(err).Msg("executor: publish bid")
	}
}

func (e *Executor) handleDelegationEnvelope(ctx context.Context, env overlay.Envelope, jobFetched chan<- jobFetchResult) {
	msg, err := overlay.UnmarshalDelegationMessage(env.Payload)
	if err != nil {
		return
	}
	if msg.Kind != overlay.DelegationKindDelegate || msg.Delegate == nil {
		return
	}
	if msg.Delegate.Bidder != e.cfg.Identity {
		return
	}
	key := msg.Delegate.JobKey
	e.pendingJob[key] = struct{}{}

	go func() {
		value, state := e.cfg.Overlay.Get(ctx, key)
		if state != overlay.Succeeded {
			jobFetched <- jobFetchResult{jobKey: key, err: fmt.Errorf("executor: dht get %s: %s", key, state)}
			return
		}
		j, err := job.Unmarshal(value)
		jobFetched <- jobFetchResult{jobKey: key, j: j, err: err}
	}()
}

func (e *Executor) handleJobFetched(res jobFetchResult, runnerDone chan<- runnerResult) {
	if _, ok := e.pendingJob[res.jobKey]; !ok {
		return // replay or foreign key
	}
	delete(e.pendingJob, res.jobKey)

	if res.err != nil {
		e.log.Warn().Err(res.err).Str("job_key", res.jobKey.String()).Msg("executor: failed to fetch delegated job")
		return
	}
	if !job.VerifySignature(res.j) {
		e.log.Warn().Str("job_key", res.jobKey.String()).Msg("executor: dropping job with invalid signature")
		return
	}

	proc := e.cfg.Runner.Run(e.cfg.PrivateKey, res.j)
	e.runners[res.jobKey] = proc

	go func() {
		trace, err := proc.Wait(context.Background())
		runnerDone <- runnerResult{jobKey: res.jobKey, trace: trace, err: err}
	}()
}

func (e *Executor) handleRunnerDone(res runnerResult, proverDone chan<- proverResult) {
	delete(e.runners, res.jobKey)
	if res.err != nil {
		e.log.Warn().Err(res.err).Str("job_key", res.jobKey.String()).Msg("executor: runner failed")
		return
	}

	proc := e.cfg.Prover.Prove(res.trace)
	e.provers[res.jobKey] = proc

	go func() {
		witness, err := proc.Wait(context.Background())
		proverDone <- proverResult{jobKey: res.jobKey, witness: witness, err: err}
	}()
}

func (e *Executor) handleProverDone(res proverResult) {
	delete(e.provers, res.jobKey)
	if res.err != nil {
		e.log.Warn().Err(res.err).Str("job_key", res.jobKey.String()).Msg("executor: prover failed")
		return
	}

	proofKey := res.witness.ContentAddress()
	e.pendingProof[proofKey] = res.jobKey

	witnessBytes, err := json.Marshal(res.witness)
	if err != nil {
		e.log.Warn().Err(err).Msg("executor: marshal witness")
		return
	}
	if err := e.cfg.Overlay.Put(proofKey, witnessBytes); err != nil {
		e.log.Warn().Err(err).Msg("executor: put witness")
		return
	}

	// DHT put ack for proof_key: gossip Finished.
	delete(e.pendingProof, proofKey)
	msg := overlay.NewFinishedMessage(proofKey, res.jobKey)
	payload, err := msg.Marshal()
	if err != nil {
		e.log.Warn().Err(err).Msg("executor: marshal finished")
		return
	}
	if err := e.cfg.Overlay.Publish(overlay.Delegation, payload); err != nil {
		e.log.Warn().Err(err).Msg("executor: publish finished")
		return
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.JobsExecuted.Inc()
	}
}
