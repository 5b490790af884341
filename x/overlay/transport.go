package overlay

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Timeouts mirrors the timeout shape of the teacher's TCP transport
// (read/write/dial), scaled down since overlay traffic is small gossip
// and DHT frames rather than bulk block data.
type Timeouts struct {
	Dial  time.Duration
	Read  time.Duration
	Write time.Duration
}

// peerTimeouts is the internal alias used throughout this package.
type peerTimeouts = Timeouts

func defaultPeerTimeouts() peerTimeouts {
	return peerTimeouts{
		Dial:  5 * time.Second,
		Read:  30 * time.Second,
		Write: 10 * time.Second,
	}
}

// peerConn wraps one TCP connection to a remote overlay node: buffered
// I/O, a write mutex (one writer at a time), and byte counters.
type peerConn struct {
	net.Conn
	addr     string
	reader   *bufio.Reader
	writer   *bufio.Writer
	writeMu  sync.Mutex
	timeouts peerTimeouts
	log      zerolog.Logger

	bytesRead    uint64
	bytesWritten uint64
}

func newPeerConn(c net.Conn, addr string, timeouts peerTimeouts, log zerolog.Logger) *peerConn {
	return &peerConn{
		Conn:     c,
		addr:     addr,
		reader:   bufio.NewReaderSize(c, 16384),
		writer:   bufio.NewWriterSize(c, 16384),
		timeouts: timeouts,
		log:      log.With().Str("peer", addr).Logger(),
	}
}

func (p *peerConn) writeFrame(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.timeouts.Write > 0 {
		if err := p.SetWriteDeadline(time.Now().Add(p.timeouts.Write)); err != nil {
			return fmt.Errorf("overlay: set write deadline: %w", err)
		}
	}
	if err := writeFrame(p.writer, f); err != nil {
		return err
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("overlay: flush frame: %w", err)
	}
	atomic.AddUint64(&p.bytesWritten, uint64(len(f.body)+1))
	return nil
}

func (p *peerConn) readFrame() (frame, error) {
	if p.timeouts.Read > 0 {
		if err := p.SetReadDeadline(time.Now().Add(p.timeouts.Read)); err != nil {
			return frame{}, fmt.Errorf("overlay: set read deadline: %w", err)
		}
	}
	f, err := readFrame(p.reader)
	if err != nil {
		return frame{}, err
	}
	atomic.AddUint64(&p.bytesRead, uint64(len(f.body)+1))
	return f, nil
}

// peerTable tracks live connections keyed by remote address, guarding
// concurrent dial/accept/broadcast.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*peerConn
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*peerConn)}
}

func (t *peerTable) add(p *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[p.addr] = p
}

func (t *peerTable) remove(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

func (t *peerTable) has(addr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[addr]
	return ok
}

func (t *peerTable) snapshot() []*peerConn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *peerTable) addrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for a := range t.peers {
		out = append(out, a)
	}
	return out
}

// broadcast writes f to every connected peer, logging (not failing) on
// individual write errors — one unreachable peer must not stall gossip
// to the rest of the mesh.
func (t *peerTable) broadcast(f frame) {
	for _, p := range t.snapshot() {
		if err := p.writeFrame(f); err != nil {
			p.log.Warn().Err(err).Msg("overlay: broadcast write failed")
		}
	}
}
