package matchmaker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"crab.casa/debate-arena/internal/logging"
	"crab.casa/debate-arena/internal/rating"
)

func TestSweepPairsCompatibleEntries(t *testing.T) {
	var created []pair
	m := New(rating.DefaultConfig(), logging.NewNop(), nil, func(ctx context.Context, a, b Entry) error {
		created = append(created, pair{a: a, b: b})
		return nil
	})

	m.Join("e1", "bot1", "u1", "classic", 1000, 10)
	m.Join("e2", "bot2", "u2", "classic", 1020, 10)

	m.Sweep(context.Background())

	require.Len(t, created, 1)
	require.Equal(t, 0, m.Size())
}

func TestSweepRejectsDifferentPreset(t *testing.T) {
	called := false
	m := New(rating.DefaultConfig(), logging.NewNop(), nil, func(ctx context.Context, a, b Entry) error {
		called = true
		return nil
	})

	m.Join("e1", "bot1", "u1", "classic", 1000, 10)
	m.Join("e2", "bot2", "u2", "speed", 1000, 10)

	m.Sweep(context.Background())

	require.False(t, called)
	require.Equal(t, 2, m.Size())
}

func TestSweepRejectsUnbalancedStake(t *testing.T) {
	called := false
	m := New(rating.DefaultConfig(), logging.NewNop(), nil, func(ctx context.Context, a, b Entry) error {
		called = true
		return nil
	})

	m.Join("e1", "bot1", "u1", "classic", 1000, 100)
	m.Join("e2", "bot2", "u2", "classic", 1000, 10)

	m.Sweep(context.Background())

	require.False(t, called)
}

func TestCreatorFailureLeavesBothEntriesQueued(t *testing.T) {
	m := New(rating.DefaultConfig(), logging.NewNop(), nil, func(ctx context.Context, a, b Entry) error {
		return assertErr
	})

	m.Join("e1", "bot1", "u1", "classic", 1000, 10)
	m.Join("e2", "bot2", "u2", "classic", 1000, 10)

	m.Sweep(context.Background())

	require.Equal(t, 2, m.Size())
}

func TestLivenessRejectionRemovesStaleEntry(t *testing.T) {
	called := false
	live := map[string]bool{"bot1": false, "bot2": true}
	m := New(rating.DefaultConfig(), logging.NewNop(), func(botID string) bool {
		return live[botID]
	}, func(ctx context.Context, a, b Entry) error {
		called = true
		return nil
	})

	m.Join("e1", "bot1", "u1", "classic", 1000, 10)
	m.Join("e2", "bot2", "u2", "classic", 1000, 10)

	m.Sweep(context.Background())

	require.False(t, called)
	require.Equal(t, 1, m.Size())
}

func TestJoinReplacesPreviousEntryForSameBot(t *testing.T) {
	m := New(rating.DefaultConfig(), logging.NewNop(), nil, func(ctx context.Context, a, b Entry) error {
		return nil
	})

	m.Join("e1", "bot1", "u1", "classic", 1000, 10)
	m.Join("e2", "bot1", "u1", "classic", 1500, 10)

	require.Equal(t, 1, m.Size())
}

func TestLeaveIsIdempotent(t *testing.T) {
	m := New(rating.DefaultConfig(), logging.NewNop(), nil, nil)
	m.Leave("nonexistent")
	m.Join("e1", "bot1", "u1", "classic", 1000, 10)
	m.Leave("bot1")
	m.Leave("bot1")
	require.Equal(t, 0, m.Size())
}

var assertErr = errTest("creator failed")

type errTest string

func (e errTest) Error() string { return string(e) }
