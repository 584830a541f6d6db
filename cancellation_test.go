package cachelock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithAbortSignal_NilSignalRunsToCompletion(t *testing.T) {
	result, err := withAbortSignal(context.Background(), nil, func(context.Context) (Result, error) {
		return Result{Value: []byte("v")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(result.Value))
}

func TestWithAbortSignal_AlreadyClosedFailsFast(t *testing.T) {
	sig := make(chan struct{})
	close(sig)

	called := false
	_, err := withAbortSignal(context.Background(), sig, func(context.Context) (Result, error) {
		called = true
		return Result{}, nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.False(t, called, "fn must not run once the signal is already closed")
}

func TestWithAbortSignal_SignalDuringFlightPreemptsResult(t *testing.T) {
	sig := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := withAbortSignal(context.Background(), sig, func(ctx context.Context) (Result, error) {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Second):
				return Result{Value: []byte("too-late")}, nil
			}
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAborted))
	}()

	time.Sleep(10 * time.Millisecond)
	close(sig)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("withAbortSignal did not return after the signal fired")
	}
}

func TestWithAbortSignal_FnWinsWhenItFinishesFirst(t *testing.T) {
	sig := make(chan struct{})
	defer close(sig)

	result, err := withAbortSignal(context.Background(), sig, func(context.Context) (Result, error) {
		return Result{Value: []byte("v")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", string(result.Value))
}
