package bidqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zetina-go/zetina/x/job"
)

// manualTimerFactory lets tests fire the auction window deterministically
// instead of racing a real timer.
type manualTimerFactory struct {
	fire chan func()
}

func newManualTimerFactory() *manualTimerFactory {
	return &manualTimerFactory{fire: make(chan func(), 1)}
}

func (f *manualTimerFactory) AfterFunc(_ time.Duration, fn func()) Timer {
	f.fire <- fn
	return manualTimer{}
}

func (f *manualTimerFactory) trigger() {
	fn := <-f.fire
	fn()
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

func TestBidQueue_AuctionDeterminism(t *testing.T) {
	factory := newManualTimerFactory()
	jobKey := job.KeyFromUint64(1)
	q, bids := New(jobKey, Config{TimerFactory: factory})

	done := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := q.Run(context.Background())
		done <- r
		errCh <- err
	}()

	bids <- job.BidEntry{Price: 10, Bidder: "b"}
	bids <- job.BidEntry{Price: 5, Bidder: "a"}
	bids <- job.BidEntry{Price: 5, Bidder: "c"} // arrives after "a" at the same price

	// give the goroutine a moment to drain the buffered channel before closing the window
	time.Sleep(10 * time.Millisecond)
	factory.trigger()

	result := <-done
	require.NoError(t, <-errCh)

	winner, price, ok := result.Winner()
	require.True(t, ok)
	require.Equal(t, "a", winner)
	require.Equal(t, uint64(5), price)

	require.Len(t, result.Buckets, 2)
	require.Equal(t, uint64(5), result.Buckets[0].Price)
	require.Equal(t, []string{"a", "c"}, result.Buckets[0].Bidders)
	require.Equal(t, uint64(10), result.Buckets[1].Price)
}

func TestBidQueue_EmptyAuctionResolvesWithNoWinner(t *testing.T) {
	factory := newManualTimerFactory()
	q, _ := New(job.KeyFromUint64(2), Config{TimerFactory: factory})

	done := make(chan Result, 1)
	go func() {
		r, _ := q.Run(context.Background())
		done <- r
	}()

	factory.trigger()
	result := <-done

	_, _, ok := result.Winner()
	require.False(t, ok)
	require.Empty(t, result.Buckets)
}

func TestBidQueue_AbortReturnsTerminated(t *testing.T) {
	factory := newManualTimerFactory()
	q, _ := New(job.KeyFromUint64(3), Config{TimerFactory: factory})

	done := make(chan error, 1)
	go func() {
		_, err := q.Run(context.Background())
		done <- err
	}()

	q.Abort()
	require.ErrorIs(t, <-done, ErrTerminated)
}

func TestBidQueue_ClosedBidChannelTerminatesAuction(t *testing.T) {
	factory := newManualTimerFactory()
	q, bids := New(job.KeyFromUint64(4), Config{TimerFactory: factory})

	done := make(chan error, 1)
	go func() {
		_, err := q.Run(context.Background())
		done <- err
	}()

	close(bids)
	require.ErrorIs(t, <-done, ErrBidsTerminated)
}
