// Package overlay implements the gossip pub-sub and content-addressed
// DHT that delegator and executor nodes use to find each other, publish
// jobs, run bid auctions, and exchange finished proofs (spec.md §4.4).
//
// No libp2p-style swarm library appears anywhere in the dependency
// corpus this module was grown from, so the overlay is a flood-gossip
// mesh over plain TCP: every node keeps one connection to every peer it
// knows about and relays every gossip frame it has not seen before.
// This trades bandwidth efficiency for a small, auditable
// implementation — acceptable at the scale a compute marketplace
// operates at (low hundreds of peers), not at internet scale.
package overlay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/job"
	"github.com/zetina-go/zetina/x/metrics"
)

// GetTimeout bounds how long a remote DHT Get waits for a reply before
// resolving to Expired.
const GetTimeout = 10 * time.Second

// Config configures an Overlay node.
type Config struct {
	ListenAddr string
	PrivateKey *ecdsa.PrivateKey
	Logger     zerolog.Logger
	Timeouts   Timeouts     // zero value resolved to defaults in New
	Metrics    *metrics.Node // nil disables metric recording
}

// Overlay is one node's view of the network: its subscriptions, its
// peer connections, and its local DHT shard.
type Overlay struct {
	cfg      Config
	log      zerolog.Logger
	store    *RecordStore
	requests *requestTable
	peers    *peerTable

	subsMu sync.Mutex
	subs   map[Topic][]chan Envelope

	seenMu sync.Mutex
	seen   map[[32]byte]struct{}

	listener net.Listener
	wg       sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Overlay {
	if cfg.Timeouts == (peerTimeouts{}) {
		cfg.Timeouts = defaultPeerTimeouts()
	}
	return &Overlay{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "overlay").Logger(),
		store:    NewRecordStore(0),
		requests: newRequestTable(),
		peers:    newPeerTable(),
		subs:     make(map[Topic][]chan Envelope),
		seen:     make(map[[32]byte]struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins listening for inbound peer connections. It returns once
// the listener is bound; the accept loop runs in the background until
// Stop is called.
func (o *Overlay) Start() error {
	l, err := net.Listen("tcp", o.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("overlay: listen on %s: %w", o.cfg.ListenAddr, err)
	}
	o.listener = l
	o.log.Info().Str("addr", l.Addr().String()).Msg("overlay listening")

	o.wg.Add(1)
	go o.acceptLoop()

	o.wg.Add(1)
	go o.discoveryLoop()

	return nil
}

// Addr returns the listener's bound address. Only valid after Start
// returns successfully.
func (o *Overlay) Addr() string {
	return o.listener.Addr().String()
}

// Stop closes the listener and every peer connection. Safe to call more
// than once.
func (o *Overlay) Stop() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		if o.listener != nil {
			err = o.listener.Close()
		}
		for _, p := range o.peers.snapshot() {
			p.Close()
		}
		o.subsMu.Lock()
		for _, chans := range o.subs {
			for _, ch := range chans {
				close(ch)
			}
		}
		o.subs = make(map[Topic][]chan Envelope)
		o.subsMu.Unlock()
	})
	o.wg.Wait()
	return err
}

func (o *Overlay) acceptLoop() {
	defer o.wg.Done()
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			select {
			case <-o.done:
				return
			default:
				o.log.Warn().Err(err).Msg("overlay: accept failed")
				return
			}
		}
		p := newPeerConn(conn, conn.RemoteAddr().String(), o.cfg.Timeouts, o.log)
		o.peers.add(p)
		o.recordConnected()
		o.announcePresence()
		o.wg.Add(1)
		go o.readLoop(p)
	}
}

// Dial connects to a peer at addr and begins relaying gossip to and from
// it. Per spec.md §4.4 ("dial-on-subscribe"), callers dial every address
// they learn of on the Networking topic.
func (o *Overlay) Dial(addr string) error {
	if o.peers.has(addr) {
		return nil
	}
	conn, err := net.DialTimeout("tcp", addr, o.cfg.Timeouts.Dial)
	if err != nil {
		return fmt.Errorf("overlay: dial %s: %w", addr, err)
	}
	p := newPeerConn(conn, addr, o.cfg.Timeouts, o.log)
	o.peers.add(p)
	o.recordConnected()
	o.announcePresence()
	o.wg.Add(1)
	go o.readLoop(p)
	return nil
}

// discoveryLoop implements dial-on-subscribe peer discovery (spec.md
// §4.4): every Multiaddr announcement heard on Networking is dialed
// unless it is this node's own address or already a key in the peer
// table. Inbound peers are keyed by their remote (ephemeral) address, so
// a peer that connected in is dialed back once on its announced address.
func (o *Overlay) discoveryLoop() {
	defer o.wg.Done()
	sub := o.Subscribe(Networking)
	for {
		select {
		case <-o.done:
			return
		case env, ok := <-sub:
			if !ok {
				return
			}
			msg, err := UnmarshalNetworkingMessage(env.Payload)
			if err != nil {
				o.log.Debug().Err(err).Msg("overlay: dropping malformed networking message")
				continue
			}
			if msg.Multiaddr == "" || msg.Multiaddr == o.Addr() || o.peers.has(msg.Multiaddr) {
				continue
			}
			if err := o.Dial(msg.Multiaddr); err != nil {
				o.log.Debug().Err(err).Str("addr", msg.Multiaddr).Msg("overlay: discovery dial failed")
			}
		}
	}
}

// announcePresence publishes this node's dialable address on Networking
// so any peer it connects to (and, transitively, its peers) can dial it
// back and learn of it without a shared bootstrap list.
func (o *Overlay) announcePresence() {
	if o.listener == nil {
		return
	}
	payload, err := NetworkingMessage{Multiaddr: o.Addr()}.Marshal()
	if err != nil {
		o.log.Warn().Err(err).Msg("overlay: failed to marshal presence announcement")
		return
	}
	if err := o.Publish(Networking, payload); err != nil {
		o.log.Debug().Err(err).Msg("overlay: failed to announce presence")
	}
}

func (o *Overlay) readLoop(p *peerConn) {
	defer o.wg.Done()
	defer func() {
		o.peers.remove(p.addr)
		o.recordDisconnected()
		p.Close()
	}()
	for {
		f, err := p.readFrame()
		if err != nil {
			select {
			case <-o.done:
			default:
				p.log.Debug().Err(err).Msg("overlay: peer connection closed")
			}
			return
		}
		o.handleFrame(p, f)
	}
}

func (o *Overlay) handleFrame(from *peerConn, f frame) {
	switch f.kind {
	case wireGossip:
		o.handleGossip(f.body)
	case wireDHTPut:
		o.handleDHTPut(f.body)
	case wireDHTGet:
		o.handleDHTGet(from, f.body)
	case wireDHTGetReply:
		o.handleDHTGetReply(f.body)
	default:
		o.log.Warn().Int("kind", int(f.kind)).Msg("overlay: unknown frame kind")
	}
}

// Subscribe returns a channel of verified Envelopes published on topic.
// Malformed or unsigned envelopes are dropped before reaching any
// subscriber (spec.md §4.4).
func (o *Overlay) Subscribe(topic Topic) <-chan Envelope {
	ch := make(chan Envelope, 64)
	o.subsMu.Lock()
	o.subs[topic] = append(o.subs[topic], ch)
	o.subsMu.Unlock()
	return ch
}

// Publish signs payload for topic with the node's private key and
// floods it to every connected peer. It also delivers the envelope to
// the node's own local subscribers, so a node hears its own publications
// the same way it would from a peer.
func (o *Overlay) Publish(topic Topic, payload []byte) error {
	env, err := Seal(o.cfg.PrivateKey, topic, payload)
	if err != nil {
		return err
	}
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("overlay: marshal envelope: %w", err)
	}
	o.markSeen(body)
	o.recordMessage(topic, "sent", len(body))
	o.deliver(env)
	o.peers.broadcast(frame{kind: wireGossip, body: body})
	return nil
}

func (o *Overlay) handleGossip(body []byte) {
	if o.alreadySeen(body) {
		return
	}
	o.markSeen(body)

	env, err := UnmarshalEnvelope(body)
	if err != nil {
		o.log.Debug().Err(err).Msg("overlay: dropping malformed envelope")
		return
	}
	if !Verify(env) {
		o.log.Debug().Str("topic", string(env.Topic)).Msg("overlay: dropping unverified envelope")
		return
	}
	o.recordMessage(env.Topic, "received", len(body))
	o.deliver(env)
	o.peers.broadcast(frame{kind: wireGossip, body: body})
}

func (o *Overlay) deliver(env Envelope) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for _, ch := range o.subs[env.Topic] {
		select {
		case ch <- env:
		default:
			o.log.Warn().Str("topic", string(env.Topic)).Msg("overlay: subscriber channel full, dropping")
		}
	}
}

func seenDigest(body []byte) [32]byte {
	var digest [32]byte
	copy(digest[:], crypto.Keccak256(body))
	return digest
}

func (o *Overlay) alreadySeen(body []byte) bool {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()
	_, ok := o.seen[seenDigest(body)]
	return ok
}

func (o *Overlay) markSeen(body []byte) {
	o.seenMu.Lock()
	defer o.seenMu.Unlock()
	o.seen[seenDigest(body)] = struct{}{}
}

func (o *Overlay) recordConnected() {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.OverlayConnectionsActive.Inc()
	}
}

func (o *Overlay) recordDisconnected() {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.OverlayConnectionsActive.Dec()
	}
}

func (o *Overlay) recordMessage(topic Topic, direction string, size int) {
	if o.cfg.Metrics == nil {
		return
	}
	o.cfg.Metrics.OverlayMessagesTotal.WithLabelValues(string(topic), direction).Inc()
	if direction == "sent" {
		o.cfg.Metrics.OverlayMessageSizeBytes.WithLabelValues(string(topic)).Observe(float64(size))
	}
}

func (o *Overlay) recordDHTRequest(op, outcome string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.OverlayDHTRequestsTotal.WithLabelValues(op, outcome).Inc()
	}
}

// --- DHT ---

type dhtPutBody struct {
	Key   job.Key `json:"key"`
	Value []byte  `json:"value"`
}

type dhtGetBody struct {
	Key job.Key `json:"key"`
}

type dhtGetReplyBody struct {
	Key   job.Key `json:"key"`
	Value []byte  `json:"value"`
	Found bool    `json:"found"`
}

// Put writes value under key to the local store and replicates it to
// every connected peer. A local write is immediately authoritative
// (quorum-of-one, per spec.md §4.4): the caller does not wait for peer
// acknowledgement before treating the record as durable.
func (o *Overlay) Put(key job.Key, value []byte) error {
	if err := o.store.PutLocal(key, value); err != nil {
		return err
	}
	body, err := json.Marshal(dhtPutBody{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("overlay: marshal dht put: %w", err)
	}
	o.peers.broadcast(frame{kind: wireDHTPut, body: body})
	o.recordDHTRequest("put", "ok")
	return nil
}

func (o *Overlay) handleDHTPut(body []byte) {
	var b dhtPutBody
	if err := json.Unmarshal(body, &b); err != nil {
		o.log.Debug().Err(err).Msg("overlay: dropping malformed dht put")
		return
	}
	if err := o.store.PutLocal(b.Key, b.Value); err != nil {
		o.log.Warn().Err(err).Str("key", b.Key.String()).Msg("overlay: dht put rejected")
	}
}

// Get resolves key from the local store, or failing that, queries
// connected peers and waits up to GetTimeout. The returned
// RequestState records how the lookup concluded: Succeeded, Failed (no
// peer had it), or Expired (no peer replied before the deadline).
func (o *Overlay) Get(ctx context.Context, key job.Key) ([]byte, RequestState) {
	started := time.Now()
	if v, ok := o.store.GetLocal(key); ok {
		o.recordDHTRequest("get", "local")
		return v, Succeeded
	}

	peers := o.peers.snapshot()
	if len(peers) == 0 {
		o.recordDHTRequest("get", "failed")
		return nil, Failed
	}

	pg := o.requests.issue(key)
	body, err := json.Marshal(dhtGetBody{Key: key})
	if err != nil {
		o.recordDHTRequest("get", "failed")
		return nil, Failed
	}
	o.peers.broadcast(frame{kind: wireDHTGet, body: body})

	timer := time.NewTimer(GetTimeout)
	defer timer.Stop()
	select {
	case v, ok := <-pg.result:
		if !ok {
			o.recordDHTRequest("get", "failed")
			return nil, Failed
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.OverlayDHTLatency.Observe(time.Since(started).Seconds())
		}
		o.recordDHTRequest("get", "succeeded")
		return v, Succeeded
	case <-timer.C:
		o.requests.expire(key)
		o.recordDHTRequest("get", "expired")
		return nil, Expired
	case <-ctx.Done():
		o.requests.expire(key)
		o.recordDHTRequest("get", "expired")
		return nil, Expired
	}
}

func (o *Overlay) handleDHTGet(from *peerConn, body []byte) {
	var b dhtGetBody
	if err := json.Unmarshal(body, &b); err != nil {
		o.log.Debug().Err(err).Msg("overlay: dropping malformed dht get")
		return
	}
	value, found := o.store.GetLocal(b.Key)
	reply, err := json.Marshal(dhtGetReplyBody{Key: b.Key, Value: value, Found: found})
	if err != nil {
		return
	}
	if err := from.writeFrame(frame{kind: wireDHTGetReply, body: reply}); err != nil {
		o.log.Debug().Err(err).Msg("overlay: failed to reply to dht get")
	}
}

func (o *Overlay) handleDHTGetReply(body []byte) {
	var b dhtGetReplyBody
	if err := json.Unmarshal(body, &b); err != nil {
		o.log.Debug().Err(err).Msg("overlay: dropping malformed dht get reply")
		return
	}
	if !b.Found {
		o.requests.fail(b.Key)
		return
	}
	_ = o.store.PutLocal(b.Key, b.Value)
	o.requests.resolve(b.Key, b.Value)
}
