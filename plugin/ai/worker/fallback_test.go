package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithFallback(t *testing.T) {
	tests := []struct {
		name         string
		call         func(context.Context) (int, error)
		want         int
		wantFallback bool
	}{
		{
			name: "success",
			call: func(context.Context) (int, error) { return 1, nil },
			want: 1,
		},
		{
			name:         "error uses fallback",
			call:         func(context.Context) (int, error) { return 0, errors.New("boom") },
			want:         -1,
			wantFallback: true,
		},
		{
			name: "timeout uses fallback",
			call: func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			},
			want:         -1,
			wantFallback: true,
		},
		{
			name: "call ignoring its context still times out",
			call: func(context.Context) (int, error) {
				time.Sleep(200 * time.Millisecond)
				return 1, nil
			},
			want:         -1,
			wantFallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, used, err := WithFallback(context.Background(), 10*time.Millisecond, tt.call, func() int { return -1 })
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFallback, used)
		})
	}
}

func TestWithFallback_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, used, err := WithFallback(ctx, time.Second,
		func(context.Context) (int, error) { return 1, nil },
		func() int { return -1 },
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, used)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err = WithFallback(ctx, time.Second,
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
		func() int { return -1 },
	)
	assert.ErrorIs(t, err, context.Canceled)
}
