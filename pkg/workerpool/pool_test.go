package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"valid size", 4, nil},
		{"zero size", 0, ErrInvalidSize},
		{"negative size", -1, ErrInvalidSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, p.Wait())
		})
	}
}

func TestRunExecutesAllTasks(t *testing.T) {
	var count atomic.Int64
	tasks := make([]Task, 50)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			count.Add(1)
			return nil
		}
	}
	require.NoError(t, Run(4, tasks))
	assert.Equal(t, int64(50), count.Load())
}

func TestRunReturnsTaskError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(2, []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return boom },
	})
	assert.ErrorIs(t, err, boom)
}

func TestPanicIsRecovered(t *testing.T) {
	err := Run(2, []Task{
		func(ctx context.Context) error { panic("kaboom") },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestSubmitAfterWait(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
}
