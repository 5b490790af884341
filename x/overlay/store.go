package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/zetina-go/zetina/x/job"
)

// maxRecordValueSize bounds a single DHT record's value, per spec.md §4.4
// (large compressed PIE payloads are expected to travel over DHT puts).
const maxRecordValueSize = 100 << 20

// RequestState is the lifecycle of a single outstanding DHT Get request.
type RequestState int

const (
	Issued RequestState = iota
	Succeeded
	Failed
	Expired
)

func (s RequestState) String() string {
	switch s {
	case Issued:
		return "issued"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// RecordStore is the local half of the content-addressed DHT: a bounded
// map keyed by the 8-byte content address, replicated to peers on Put
// with quorum-of-one semantics (a local write is immediately
// authoritative; replication to peers is best-effort).
type RecordStore struct {
	mu      sync.RWMutex
	records map[job.Key][]byte
	maxKeys int
}

func NewRecordStore(maxKeys int) *RecordStore {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	return &RecordStore{records: make(map[job.Key][]byte), maxKeys: maxKeys}
}

// PutLocal writes value into the local store only. Callers that need
// replication use Overlay.Put, which calls this then broadcasts.
func (s *RecordStore) PutLocal(key job.Key, value []byte) error {
	if len(value) > maxRecordValueSize {
		return fmt.Errorf("overlay: record value of %d bytes exceeds max %d", len(value), maxRecordValueSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; !exists && len(s.records) >= s.maxKeys {
		return fmt.Errorf("overlay: record store at capacity (%d keys)", s.maxKeys)
	}
	s.records[key] = value
	return nil
}

func (s *RecordStore) GetLocal(key job.Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[key]
	return v, ok
}

// pendingGet tracks one in-flight remote lookup issued to the peer mesh.
type pendingGet struct {
	key     job.Key
	state   RequestState
	result  chan []byte
	created time.Time
}

// requestTable manages pendingGet lifecycles: Issued until a reply
// arrives (Succeeded), every dialed peer replies empty (Failed), or the
// caller's deadline elapses (Expired).
type requestTable struct {
	mu      sync.Mutex
	pending map[job.Key]*pendingGet
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[job.Key]*pendingGet)}
}

func (t *requestTable) issue(key job.Key) *pendingGet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.pending[key]; ok {
		return existing
	}
	pg := &pendingGet{key: key, state: Issued, result: make(chan []byte, 1), created: time.Now()}
	t.pending[key] = pg
	return pg
}

func (t *requestTable) resolve(key job.Key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pg, ok := t.pending[key]
	if !ok || pg.state != Issued {
		return
	}
	pg.state = Succeeded
	pg.result <- value
	delete(t.pending, key)
}

func (t *requestTable) fail(key job.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pg, ok := t.pending[key]
	if !ok || pg.state != Issued {
		return
	}
	pg.state = Failed
	close(pg.result)
	delete(t.pending, key)
}

func (t *requestTable) expire(key job.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pg, ok := t.pending[key]
	if !ok || pg.state != Issued {
		return
	}
	pg.state = Expired
	close(pg.result)
	delete(t.pending, key)
}
