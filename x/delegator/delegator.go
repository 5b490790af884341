// Package delegator implements the delegator-side controller: publish a
// job, run its bid auction, delegate to the winner, and await the
// finished proof (spec.md §4.6).
package delegator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/bidqueue"
	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/metrics"
	"github.com/zetina-go/zetina/x/overlay"
)

func unmarshalWitness(b []byte) (job.Witness, error) {
	var w job.Witness
	if err := json.Unmarshal(b, &w); err != nil {
		return job.Witness{}, fmt.Errorf("delegator: unmarshal witness: %w", err)
	}
	return w, nil
}

// EventKind tags the events a client-facing façade (an SSE stream, per
// spec.md §6) can observe for a delegated job.
type EventKind string

const (
	EventBidReceived EventKind = "BidReceived"
	EventDelegated   EventKind = "Delegated"
	EventFinished    EventKind = "Finished"
)

// Event is emitted on the controller's Events channel as a job's
// delegation progresses.
type Event struct {
	Kind     EventKind
	JobKey   job.Key
	Bidder   string
	Price    uint64
	ProofKey job.Key
	Proof    []byte
}

// DelegateRequest is submitted by the client-facing façade to publish a
// new job.
type DelegateRequest struct {
	Data     job.Data
	Response chan<- DelegateResponse
}

// DelegateResponse reports the outcome of publishing a job: its content
// address on success.
type DelegateResponse struct {
	JobKey job.Key
	Err    error
}

// Config configures a Delegator.
type Config struct {
	Overlay      *overlay.Overlay
	PrivateKey   *ecdsa.PrivateKey
	Logger       zerolog.Logger
	Window       time.Duration         // auction window override; 0 uses bidqueue.AuctionWindow
	TimerFactory bidqueue.TimerFactory // nil uses bidqueue.SystemTimerFactory
	Metrics      *metrics.Node         // nil disables metric recording
}

// Delegator runs the delegator-side event loop for every job this node
// publishes.
type Delegator struct {
	cfg Config
	log zerolog.Logger

	delegateReqs chan DelegateRequest
	events       chan Event

	auctions     map[job.Key]chan<- job.BidEntry
	auctionStart map[job.Key]time.Time // for AuctionDuration
	delegated    map[job.Key]struct{}  // jobs we delegated, awaiting their proof
	pendingProof map[job.Key]job.Key   // proof_key -> job_key
}

func New(cfg Config) *Delegator {
	return &Delegator{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "delegator").Logger(),
		delegateReqs: make(chan DelegateRequest, 16),
		events:       make(chan Event, 256),
		auctions:     make(map[job.Key]chan<- job.BidEntry),
		auctionStart: make(map[job.Key]time.Time),
		delegated:    make(map[job.Key]struct{}),
		pendingProof: make(map[job.Key]job.Key),
	}
}

// Events returns the channel of per-job lifecycle events a client-facing
// façade streams to callers.
func (d *Delegator) Events() <-chan Event { return d.events }

// Delegate submits data for publication. It is safe to call
// concurrently with Run.
func (d *Delegator) Delegate(ctx context.Context, data job.Data) (job.Key, error) {
	resp := make(chan DelegateResponse, 1)
	select {
	case d.delegateReqs <- DelegateRequest{Data: data, Response: resp}:
	case <-ctx.Done():
		return job.Key{}, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.JobKey, r.Err
	case <-ctx.Done():
		return job.Key{}, ctx.Err()
	}
}

// auctionResult carries a BidQueue's resolution back into the main loop.
type auctionResult struct {
	jobKey job.Key
	result bidqueue.Result
	err    error
}

// proofFetchResult carries a completed DHT Get for a finished proof back
// into the main loop.
type proofFetchResult struct {
	jobKey   job.Key
	proofKey job.Key
	witness  job.Witness
	err      error
}

// Run drives the controller's event loop until ctx is cancelled.
func (d *Delegator) Run(ctx context.Context) error {
	marketSub := d.cfg.Overlay.Subscribe(overlay.Market)
	delegationSub := d.cfg.Overlay.Subscribe(overlay.Delegation)

	auctionDone := make(chan auctionResult, 16)
	proofFetched := make(chan proofFetchResult, 16)

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("delegator: shutdown signal, exiting")
			return nil

		case req := <-d.delegateReqs:
			d.handleDelegate(ctx, req, auctionDone)

		case env := <-marketSub:
			d.handleMarketEnvelope(env)

		case env := <-delegationSub:
			d.handleDelegationEnvelope(ctx, env, proofFetched)

		case res := <-auctionDone:
			d.handleAuctionDone(res)

		case res := <-proofFetched:
			d.handleProofFetched(res)
		}
	}
}

func (d *Delegator) handleDelegate(ctx context.Context, req DelegateRequest, auctionDone chan<- auctionResult) {
	j, err := job.Sign(d.cfg.PrivateKey, req.Data)
	if err != nil {
		req.Response <- DelegateResponse{Err: fmt.Errorf("delegator: sign job: %w", err)}
		return
	}
	key := j.ContentAddress()

	body, err := job.Marshal(j)
	if err != nil {
		req.Response <- DelegateResponse{Err: fmt.Errorf("delegator: marshal job: %w", err)}
		return
	}
	if err := d.cfg.Overlay.Put(key, body); err != nil {
		req.Response <- DelegateResponse{Err: fmt.Errorf("delegator: put job: %w", err)}
		return
	}

	// DHT put ack for key: gossip the propagation and start the auction.
	msg := overlay.NewJobBidPropagationMessage(key)
	payload, err := msg.Marshal()
	if err != nil {
		req.Response <- DelegateResponse{Err: fmt.Errorf("delegator: marshal propagation: %w", err)}
		return
	}
	if err := d.cfg.Overlay.Publish(overlay.Market, payload); err != nil {
		req.Response <- DelegateResponse{Err: fmt.Errorf("delegator: publish propagation: %w", err)}
		return
	}

	q, bids := bidqueue.New(key, bidqueue.Config{Window: d.cfg.Window, TimerFactory: d.cfg.TimerFactory, Logger: d.cfg.Logger})
	d.auctions[key] = bids
	d.auctionStart[key] = time.Now()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.AuctionsStarted.Inc()
	}

	go func() {
		result, err := q.Run(context.Background())
		auctionDone <- auctionResult{jobKey: key, result: result, err: err}
	}()

	req.Response <- DelegateResponse{JobKey: key}
}

func (d *Delegator) handleMarketEnvelope(env overlay.Envelope) {
	msg, err := overlay.UnmarshalMarketMessage(env.Payload)
	if err != nil {
		return
	}
	if msg.Kind != overlay.MarketKindJobBid || msg.JobBid == nil {
		return
	}
	bid := msg.JobBid
	bids, ok := d.auctions[bid.JobKey]
	if !ok {
		return
	}
	select {
	case bids <- job.BidEntry{Price: bid.Price, Bidder: bid.Bidder}:
	default:
		d.log.Warn().Str("job_key", bid.JobKey.String()).Msg("delegator: bid queue full, dropping bid")
	}
	d.events <- Event{Kind: EventBidReceived, JobKey: bid.JobKey, Bidder: bid.Bidder, Price: bid.Price}
}

func (d *Delegator) handleAuctionDone(res auctionResult) {
	delete(d.auctions, res.jobKey)
	start, hadStart := d.auctionStart[res.jobKey]
	delete(d.auctionStart, res.jobKey)
	if d.cfg.Metrics != nil && hadStart {
		d.cfg.Metrics.AuctionDuration.Observe(time.Since(start).Seconds())
	}

	if res.err != nil {
		d.log.Debug().Err(res.err).Str("job_key", res.jobKey.String()).Msg("delegator: auction ended without resolving")
		return
	}

	if d.cfg.Metrics != nil {
		bidCount := 0
		for _, b := range res.result.Buckets {
			bidCount += len(b.Bidders)
		}
		d.cfg.Metrics.AuctionBids.Observe(float64(bidCount))
	}

	bidder, price, ok := res.result.Winner()
	if !ok {
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.JobsUndelegated.Inc()
		}
		d.log.Info().Str("job_key", res.jobKey.String()).Msg("delegator: empty bid window, dropping job")
		return
	}

	msg := overlay.NewDelegateMessage(overlay.BidEnvelope{Bidder: bidder, JobKey: res.jobKey, Price: price})
	payload, err := msg.Marshal()
	if err != nil {
		d.log.Warn().Err(err).Msg("delegator: marshal delegate message")
		return
	}
	if err := d.cfg.Overlay.Publish(overlay.Delegation, payload); err != nil {
		d.log.Warn().Err(err).Msg("delegator: publish delegate message")
		return
	}
	d.delegated[res.jobKey] = struct{}{}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.JobsDelegated.Inc()
	}
	d.events <- Event{Kind: EventDelegated, JobKey: res.jobKey, Bidder: bidder, Price: price}
}

func (d *Delegator) handleDelegationEnvelope(ctx context.Context, env overlay.Envelope, proofFetched chan<- proofFetchResult) {
	msg, err := overlay.UnmarshalDelegationMessage(env.Payload)
	if err != nil {
		return
	}
	if msg.Kind != overlay.DelegationKindFinished || msg.Finished == nil {
		return
	}
	jobKey := msg.Finished.JobKey
	if _, ours := d.delegated[jobKey]; !ours {
		// Not a job this node delegated (or its proof was already
		// fetched) — ignore. Replays of Finished are harmless (spec.md §5).
		return
	}
	proofKey := msg.Finished.ProofKey
	d.pendingProof[proofKey] = jobKey

	go func() {
		value, state := d.cfg.Overlay.Get(ctx, proofKey)
		if state != overlay.Succeeded {
			proofFetched <- proofFetchResult{jobKey: jobKey, proofKey: proofKey, err: fmt.Errorf("delegator: dht get %s: %s", proofKey, state)}
			return
		}
		w, err := unmarshalWitness(value)
		proofFetched <- proofFetchResult{jobKey: jobKey, proofKey: proofKey, witness: w, err: err}
	}()
}

func (d *Delegator) handleProofFetched(res proofFetchResult) {
	if _, ok := d.pendingProof[res.proofKey]; !ok {
		return // replay: already handled or never ours
	}
	delete(d.pendingProof, res.proofKey)
	delete(d.delegated, res.jobKey)

	if res.err != nil {
		d.log.Debug().Err(res.err).Str("proof_key", res.proofKey.String()).Msg("delegator: proof fetch failed, no Finished event emitted")
		return
	}
	d.events <- Event{Kind: EventFinished, JobKey: res.jobKey, ProofKey: res.proofKey, Proof: res.witness.Proof}
}
