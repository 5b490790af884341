package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcess_CompletesNaturally(t *testing.T) {
	p := Run(func(abort <-chan struct{}) (int, error) {
		return 42, nil
	})

	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestProcess_PropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	p := Run(func(abort <-chan struct{}) (int, error) {
		return 0, wantErr
	})

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestProcess_AbortCompletesInBoundedTime(t *testing.T) {
	p := Run(func(abort <-chan struct{}) (int, error) {
		<-abort
		return 0, ErrTerminated
	})

	p.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, ErrTerminated)
}

func TestProcess_AbortIsIdempotent(t *testing.T) {
	p := Run(func(abort <-chan struct{}) (int, error) {
		<-abort
		return 0, ErrTerminated
	})

	require.NotPanics(t, func() {
		p.Abort()
		p.Abort()
		p.Abort()
	})

	_, err := p.Wait(context.Background())
	require.ErrorIs(t, err, ErrTerminated)
}

func TestProcess_WaitRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := Run(func(abort <-chan struct{}) (int, error) {
		<-block
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
