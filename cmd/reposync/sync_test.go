package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/reposync/reposync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	pingErr   error
	rateErr   error
	remaining int
	limit     int
	rateCalls int
}

func (f *fakeChecker) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeChecker) RateLimit(ctx context.Context) (int, int, error) {
	f.rateCalls++
	return f.remaining, f.limit, f.rateErr
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()

	t.Run("reachable repo passes and reports quota", func(t *testing.T) {
		f := &fakeChecker{remaining: 4998, limit: 5000}
		require.NoError(t, preflight(ctx, f))
		assert.Equal(t, 1, f.rateCalls)
	})

	t.Run("bad token aborts before any pass", func(t *testing.T) {
		f := &fakeChecker{
			pingErr: transport.NewAPIError(transport.CodeUnauthorized, 401, "authentication failed"),
		}
		err := preflight(ctx, f)
		require.Error(t, err)
		assert.Zero(t, f.rateCalls, "no quota query after a failed check")
	})

	t.Run("missing repo aborts before any pass", func(t *testing.T) {
		f := &fakeChecker{
			pingErr: fmt.Errorf("ping acme/widgets: %w", transport.ErrFileNotFound),
		}
		err := preflight(ctx, f)
		assert.ErrorIs(t, err, transport.ErrFileNotFound)
	})

	t.Run("unreachable host defers to the archive fallback", func(t *testing.T) {
		f := &fakeChecker{
			pingErr: fmt.Errorf("ping acme/widgets: %w", transport.ErrUnavailable),
		}
		assert.NoError(t, preflight(ctx, f), "fallback transport gets its chance")
	})

	t.Run("quota query failure is not fatal", func(t *testing.T) {
		f := &fakeChecker{rateErr: fmt.Errorf("rate limit: boom")}
		assert.NoError(t, preflight(ctx, f))
	})
}
