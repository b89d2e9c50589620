package contest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crab.casa/debate-arena/internal/apperrors"
	"crab.casa/debate-arena/internal/domain"
	"crab.casa/debate-arena/internal/envelope"
	"crab.casa/debate-arena/internal/kv"
	"crab.casa/debate-arena/internal/logging"
	"crab.casa/debate-arena/internal/rating"
	"crab.casa/debate-arena/internal/transport"
)

// fakeHub answers Request with a configurable per-bot response,
// entirely synchronously, so orchestrator tests never block on real
// network or timer behavior.
type fakeHub struct {
	replies map[string]string
	fail    map[string]error
}

func (h *fakeHub) Request(ctx context.Context, botID string, payload envelope.DebateRequestPayload, timeout time.Duration) transport.Result {
	if err, ok := h.fail[botID]; ok {
		return transport.Result{Err: err}
	}
	return transport.Result{Message: h.replies[botID]}
}

func noopClaim(ctx context.Context, id string) (bool, error)  { return true, nil }
func noopRelease(ctx context.Context, id string) error         { return nil }

func seedFixture(s *memStore) {
	s.bots["pro1"] = domain.Bot{ID: "pro1", Name: "Prometheus", Rating: 1000}
	s.bots["con1"] = domain.Bot{ID: "con1", Name: "Contrarian", Rating: 1000}
	s.topics["t1"] = domain.Topic{ID: "t1", Text: "Is a hot dog a sandwich?"}
	s.presets["classic"] = domain.Preset{
		ID: "classic",
		Rounds: []domain.RoundConfig{
			{Name: "opening", Speaker: domain.SideBoth, TimeLimit: 3, WordLimit: domain.WordLimit{Min: 10, Max: 100}},
			{Name: "rebuttal", Speaker: domain.SideBoth, TimeLimit: 3, WordLimit: domain.WordLimit{Min: 10, Max: 100}},
		},
		PrepTime:   0,
		VoteWindow: 1,
	}
}

func waitForStatus(t *testing.T, repos interface {
	Get(ctx context.Context, id string) (domain.Contest, error)
}, id string, status domain.ContestStatus) domain.Contest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := repos.Get(context.Background(), id)
		require.NoError(t, err)
		if c.Status == status {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("contest %s never reached status %s", id, status)
	return domain.Contest{}
}

func TestHappyPathSingleInstance(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	hub := &fakeHub{replies: map[string]string{"pro1": "Absolutely.", "con1": "No way."}}
	o := New("inst-a", repos, hub, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)

	ctx := context.Background()
	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)

	// one voter favors con in round 0, two favor con in round 1: con wins both.
	_, err = repos.Votes.Insert(ctx, domain.Vote{ContestID: c.ID, RoundIndex: 0, VoterID: "v1", Choice: domain.SideCon})
	require.NoError(t, err)

	require.NoError(t, o.Start(ctx, c.ID, nil))

	// Votes for round 1 must land before that round's window closes;
	// poll until the contest reaches round 1 before submitting them.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := repos.Contests.Get(ctx, c.ID)
		if cur.CurrentRoundIdx >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, _ = repos.Votes.Insert(ctx, domain.Vote{ContestID: c.ID, RoundIndex: 1, VoterID: "v2", Choice: domain.SideCon})
	_, _ = repos.Votes.Insert(ctx, domain.Vote{ContestID: c.ID, RoundIndex: 1, VoterID: "v3", Choice: domain.SideCon})

	final := waitForStatus(t, repos.Contests, c.ID, domain.StatusCompleted)
	require.NotNil(t, final.Winner)
	require.Equal(t, domain.SideCon, *final.Winner)

	results, err := repos.RoundResults.ListByContest(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	messages, err := repos.Messages.ListByContest(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4) // 2 rounds x (pro, con)
}

func TestBotTimeoutProducesFallbackContent(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	store.presets["classic"] = domain.Preset{
		ID:         "classic",
		Rounds:     []domain.RoundConfig{{Name: "opening", Speaker: domain.SidePro, TimeLimit: 3, WordLimit: domain.WordLimit{Min: 1, Max: 10}}},
		PrepTime:   0,
		VoteWindow: 0,
	}
	hub := &fakeHub{fail: map[string]error{"pro1": apperrors.ErrBotTimeout}}

	o := New("inst-a", repos, hub, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)
	ctx := context.Background()
	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, c.ID, nil))

	waitForStatus(t, repos.Contests, c.ID, domain.StatusCompleted)

	messages, err := repos.Messages.ListByContest(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "[Bot failed to respond: Bot timed out after 3000ms]", messages[0].Content)
}

func TestSubmitVoteDuplicateRejected(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	o := New("inst-a", repos, &fakeHub{}, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)
	ctx := context.Background()

	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)
	o.mu.Lock()
	o.running[c.ID] = &active{snapshot: c, votes: make(map[int]map[string]domain.Side)}
	o.mu.Unlock()
	require.NoError(t, repos.Contests.UpdateRoundState(ctx, c.ID, 0, domain.RoundVoting))

	ok, err := o.SubmitVote(ctx, c.ID, 0, "voter-42", domain.SidePro)
	require.NoError(t, err)
	require.True(t, ok)

	ok2, err := o.SubmitVote(ctx, c.ID, 0, "voter-42", domain.SideCon)
	require.NoError(t, err)
	require.False(t, ok2)

	pro, con, err := repos.Votes.Tally(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, pro)
	require.Equal(t, 0, con)
}

func TestSubmitVoteRejectsWrongRound(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	o := New("inst-a", repos, &fakeHub{}, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)
	ctx := context.Background()
	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)

	o.mu.Lock()
	a := &active{snapshot: c, votes: make(map[int]map[string]domain.Side)}
	a.snapshot.CurrentRoundIdx = 1
	o.running[c.ID] = a
	o.mu.Unlock()

	_, err = o.SubmitVote(ctx, c.ID, 0, "voter-1", domain.SidePro)
	require.Error(t, err)
}

func TestVotingWindowTieFavorsPro(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	o := New("inst-a", repos, &fakeHub{}, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)
	ctx := context.Background()

	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)
	_, err = repos.Votes.Insert(ctx, domain.Vote{ContestID: c.ID, RoundIndex: 0, VoterID: "v1", Choice: domain.SidePro})
	require.NoError(t, err)
	_, err = repos.Votes.Insert(ctx, domain.Vote{ContestID: c.ID, RoundIndex: 0, VoterID: "v2", Choice: domain.SideCon})
	require.NoError(t, err)

	preset, _ := repos.Presets.Get("classic")
	a := &active{snapshot: c, preset: preset, votes: make(map[int]map[string]domain.Side)}
	o.runVotingWindow(ctx, a, 0)

	res, ok, err := repos.RoundResults.Get(ctx, c.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.SidePro, res.Winner)
}

func TestRecoverOnCompletedContestIsNoop(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	o := New("inst-a", repos, &fakeHub{}, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)
	ctx := context.Background()

	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)
	require.NoError(t, repos.Contests.UpdateStatus(ctx, c.ID, domain.StatusCompleted, nil, nil, nil))

	recovered, err := o.Recover(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, recovered)

	results, err := repos.RoundResults.ListByContest(ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRecoverResumesAtFirstMissingRound(t *testing.T) {
	repos, store := newMemRepositories()
	seedFixture(store)
	hub := &fakeHub{replies: map[string]string{"pro1": "go pro", "con1": "go con"}}
	o := New("inst-a", repos, hub, nil, rating.DefaultConfig(), logging.NewNop(), kv.NewMemoryStore(), noopClaim, noopRelease)
	ctx := context.Background()

	c, err := o.Create(ctx, "pro1", "con1", "t1", 10, "classic")
	require.NoError(t, err)
	require.NoError(t, repos.Contests.UpdateStatus(ctx, c.ID, domain.StatusInProgress, timePtr(), nil, nil))
	_, err = repos.RoundResults.Insert(ctx, domain.RoundResult{ContestID: c.ID, RoundIndex: 0, ProVotes: 1, ConVotes: 0, Winner: domain.SidePro})
	require.NoError(t, err)

	recovered, err := o.Recover(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, recovered)

	final := waitForStatus(t, repos.Contests, c.ID, domain.StatusCompleted)
	require.NotNil(t, final.Winner)

	results, err := repos.RoundResults.ListByContest(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, results, 2) // round 0 preserved, round 1 freshly resolved
}

func timePtr() *time.Time {
	now := time.Now()
	return &now
}
