package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sem.Acquire(ctx), ErrSemaphoreTimeout)

	require.NoError(t, sem.Release())
	require.ErrorIs(t, sem.Release(), ErrSemaphoreNotHeld)
}
