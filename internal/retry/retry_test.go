package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Millisecond}
	permanent := errors.New("permanent")

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return permanent
	}, func(err error) bool { return false })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond}
	boom := errors.New("boom")

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{MaxRetries: 3, InitialBackoff: time.Hour}
	err := Do(ctx, cfg, func() error {
		return errors.New("always")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}
