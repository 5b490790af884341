package overlay

import (
	"encoding/json"
	"fmt"

	"github.com/zetina-go/zetina/x/job"
)

// MarketMessage is the tagged union of payloads published on Market:
// Job | JobBidPropagation | JobBid (spec.md §4.4).
type MarketMessage struct {
	Kind              MarketKind   `json:"kind"`
	Job               *job.Job     `json:"job,omitempty"`
	JobBidPropagation *job.Key     `json:"job_bid_propagation,omitempty"`
	JobBid            *BidEnvelope `json:"job_bid,omitempty"`
}

type MarketKind string

const (
	MarketKindJob               MarketKind = "job"
	MarketKindJobBidPropagation MarketKind = "job_bid_propagation"
	MarketKindJobBid            MarketKind = "job_bid"
)

// BidEnvelope is a single bid message gossiped on Market.
type BidEnvelope struct {
	Bidder string  `json:"bidder"`
	JobKey job.Key `json:"job_key"`
	Price  uint64  `json:"price"`
}

func NewJobMessage(j job.Job) MarketMessage {
	return MarketMessage{Kind: MarketKindJob, Job: &j}
}

func NewJobBidPropagationMessage(key job.Key) MarketMessage {
	return MarketMessage{Kind: MarketKindJobBidPropagation, JobBidPropagation: &key}
}

func NewJobBidMessage(b BidEnvelope) MarketMessage {
	return MarketMessage{Kind: MarketKindJobBid, JobBid: &b}
}

func (m MarketMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

func UnmarshalMarketMessage(b []byte) (MarketMessage, error) {
	var m MarketMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return MarketMessage{}, fmt.Errorf("overlay: unmarshal market message: %w", err)
	}
	return m, nil
}

// DelegationMessage is the tagged union published on Delegation:
// Delegate | Finished (spec.md §4.4).
type DelegationMessage struct {
	Kind     DelegationKind `json:"kind"`
	Delegate *BidEnvelope   `json:"delegate,omitempty"`
	Finished *FinishedMsg   `json:"finished,omitempty"`
}

type DelegationKind string

const (
	DelegationKindDelegate DelegationKind = "delegate"
	DelegationKindFinished DelegationKind = "finished"
)

type FinishedMsg struct {
	ProofKey job.Key `json:"proof_key"`
	JobKey   job.Key `json:"job_key"`
}

func NewDelegateMessage(b BidEnvelope) DelegationMessage {
	return DelegationMessage{Kind: DelegationKindDelegate, Delegate: &b}
}

func NewFinishedMessage(proofKey, jobKey job.Key) DelegationMessage {
	return DelegationMessage{Kind: DelegationKindFinished, Finished: &FinishedMsg{ProofKey: proofKey, JobKey: jobKey}}
}

func (m DelegationMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

func UnmarshalDelegationMessage(b []byte) (DelegationMessage, error) {
	var m DelegationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return DelegationMessage{}, fmt.Errorf("overlay: unmarshal delegation message: %w", err)
	}
	return m, nil
}

// NetworkingMessage is the tagged union published on Networking: Multiaddr.
type NetworkingMessage struct {
	Multiaddr string `json:"multiaddr"`
}

func (m NetworkingMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

func UnmarshalNetworkingMessage(b []byte) (NetworkingMessage, error) {
	var m NetworkingMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return NetworkingMessage{}, fmt.Errorf("overlay: unmarshal networking message: %w", err)
	}
	return m, nil
}
