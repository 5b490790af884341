package overlay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zetina-go/zetina/x/job"
)

func TestRecordStore_PutGetLocal(t *testing.T) {
	s := NewRecordStore(0)
	key := job.KeyFromUint64(1)

	_, ok := s.GetLocal(key)
	require.False(t, ok)

	require.NoError(t, s.PutLocal(key, []byte("value")))
	v, ok := s.GetLocal(key)
	require.True(t, ok)
	require.Equal(t, []byte("value"), v)
}

func TestRecordStore_RejectsOversizedValue(t *testing.T) {
	s := NewRecordStore(0)
	err := s.PutLocal(job.KeyFromUint64(1), make([]byte, maxRecordValueSize+1))
	require.Error(t, err)
}

func TestRecordStore_RejectsOverCapacity(t *testing.T) {
	s := NewRecordStore(1)
	require.NoError(t, s.PutLocal(job.KeyFromUint64(1), []byte("a")))
	err := s.PutLocal(job.KeyFromUint64(2), []byte("b"))
	require.Error(t, err)

	// Overwriting an existing key never counts against capacity.
	require.NoError(t, s.PutLocal(job.KeyFromUint64(1), []byte("a2")))
}

func TestRequestTable_ResolveSucceeds(t *testing.T) {
	rt := newRequestTable()
	key := job.KeyFromUint64(1)
	pg := rt.issue(key)

	rt.resolve(key, []byte("found"))
	v, ok := <-pg.result
	require.True(t, ok)
	require.Equal(t, []byte("found"), v)
}

func TestRequestTable_FailClosesWithNoValue(t *testing.T) {
	rt := newRequestTable()
	key := job.KeyFromUint64(2)
	pg := rt.issue(key)

	rt.fail(key)
	v, ok := <-pg.result
	require.False(t, ok)
	require.Nil(t, v)
}

func TestRequestTable_ExpireClosesWithNoValue(t *testing.T) {
	rt := newRequestTable()
	key := job.KeyFromUint64(3)
	pg := rt.issue(key)

	rt.expire(key)
	_, ok := <-pg.result
	require.False(t, ok)
}

func TestRequestTable_IssueIsIdempotentPerKey(t *testing.T) {
	rt := newRequestTable()
	key := job.KeyFromUint64(4)
	a := rt.issue(key)
	b := rt.issue(key)
	require.Same(t, a, b)
}

func TestRequestTable_ResolveAfterResolveIsNoop(t *testing.T) {
	rt := newRequestTable()
	key := job.KeyFromUint64(5)
	pg := rt.issue(key)
	rt.resolve(key, []byte("first"))
	rt.resolve(key, []byte("second")) // must not panic on closed/removed entry

	v := <-pg.result
	require.Equal(t, []byte("first"), v)
}
