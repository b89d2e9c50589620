package contest

import (
	"context"
	"errors"
	"sync"
	"time"

	"crab.casa/debate-arena/internal/domain"
	"crab.casa/debate-arena/internal/repo"
)

var errNotFound = errors.New("contest test: not found")

// memStore holds the shared in-memory tables behind every memRepos_*
// wrapper below, mirroring the tables the Postgres implementation
// covers (contests, debate_messages, round_results, votes) plus the
// bot/topic/preset lookups the orchestrator treats as read-only.
type memStore struct {
	mu sync.Mutex

	contests map[string]domain.Contest
	messages map[string][]domain.Message
	votes    map[string]map[string]domain.Vote // "contestID|round" -> voterID -> vote
	results  map[string]domain.RoundResult      // "contestID|round" -> result
	bots     map[string]domain.Bot
	topics   map[string]domain.Topic
	presets  map[string]domain.Preset
}

func newMemStore() *memStore {
	return &memStore{
		contests: make(map[string]domain.Contest),
		messages: make(map[string][]domain.Message),
		votes:    make(map[string]map[string]domain.Vote),
		results:  make(map[string]domain.RoundResult),
		bots:     make(map[string]domain.Bot),
		topics:   make(map[string]domain.Topic),
		presets:  make(map[string]domain.Preset),
	}
}

func voteKey(contestID string, round int) string { return contestID + "|" + itoa(round) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

// newMemRepositories builds a repo.Repositories backed entirely by an
// in-memory memStore, for deterministic orchestrator tests.
func newMemRepositories() (repo.Repositories, *memStore) {
	s := newMemStore()
	return repo.Repositories{
		Contests:     memContestRepo{s},
		Messages:     memMessageRepo{s},
		Votes:        memVoteRepo{s},
		RoundResults: memRoundResultRepo{s},
		Bots:         memBotRepo{s},
		Topics:       memTopicRepo{s},
		Presets:      memPresetRegistry{s},
	}, s
}

type memContestRepo struct{ s *memStore }

func (r memContestRepo) Create(ctx context.Context, c domain.Contest) (domain.Contest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.contests[c.ID] = c
	return c, nil
}

func (r memContestRepo) Get(ctx context.Context, id string) (domain.Contest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contests[id]
	if !ok {
		return domain.Contest{}, errNotFound
	}
	return c, nil
}

func (r memContestRepo) UpdateStatus(ctx context.Context, id string, status domain.ContestStatus, startedAt, completedAt *time.Time, winner *domain.Side) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.contests[id]
	c.Status = status
	if startedAt != nil {
		c.StartedAt = startedAt
	}
	if completedAt != nil {
		c.CompletedAt = completedAt
	}
	if winner != nil {
		c.Winner = winner
	}
	r.s.contests[id] = c
	return nil
}

func (r memContestRepo) UpdateRoundState(ctx context.Context, id string, roundIdx int, roundStatus domain.RoundStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.contests[id]
	c.CurrentRoundIdx = roundIdx
	c.RoundStatus = roundStatus
	r.s.contests[id] = c
	return nil
}

func (r memContestRepo) ListStuckInProgress(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return nil, nil
}

func (r memContestRepo) ListActive(ctx context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for id, c := range r.s.contests {
		if c.Status != domain.StatusCompleted && c.Status != domain.StatusCancelled {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r memContestRepo) TouchHeartbeat(ctx context.Context, id string) error { return nil }

type memMessageRepo struct{ s *memStore }

func (r memMessageRepo) Append(ctx context.Context, m domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.messages[m.ContestID] = append(r.s.messages[m.ContestID], m)
	return nil
}

func (r memMessageRepo) ListByContest(ctx context.Context, contestID string) ([]domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]domain.Message(nil), r.s.messages[contestID]...), nil
}

type memVoteRepo struct{ s *memStore }

func (r memVoteRepo) Insert(ctx context.Context, v domain.Vote) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := voteKey(v.ContestID, v.RoundIndex)
	if r.s.votes[key] == nil {
		r.s.votes[key] = make(map[string]domain.Vote)
	}
	if _, exists := r.s.votes[key][v.VoterID]; exists {
		return false, nil
	}
	r.s.votes[key][v.VoterID] = v
	return true, nil
}

func (r memVoteRepo) Tally(ctx context.Context, contestID string, roundIndex int) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var pro, con int
	for _, v := range r.s.votes[voteKey(contestID, roundIndex)] {
		if v.Choice == domain.SidePro {
			pro++
		} else {
			con++
		}
	}
	return pro, con, nil
}

type memRoundResultRepo struct{ s *memStore }

func (r memRoundResultRepo) Insert(ctx context.Context, res domain.RoundResult) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := voteKey(res.ContestID, res.RoundIndex)
	if _, exists := r.s.results[key]; exists {
		return false, nil
	}
	r.s.results[key] = res
	return true, nil
}

func (r memRoundResultRepo) Get(ctx context.Context, contestID string, roundIndex int) (domain.RoundResult, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.results[voteKey(contestID, roundIndex)]
	return res, ok, nil
}

func (r memRoundResultRepo) ListByContest(ctx context.Context, contestID string) ([]domain.RoundResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.RoundResult
	prefix := contestID + "|"
	for key, res := range r.s.results {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, res)
		}
	}
	return out, nil
}

type memBotRepo struct{ s *memStore }

func (r memBotRepo) Get(ctx context.Context, id string) (domain.Bot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bots[id]
	if !ok {
		return domain.Bot{}, errNotFound
	}
	return b, nil
}

func (r memBotRepo) ResolveToken(ctx context.Context, token string) (domain.Bot, error) {
	return domain.Bot{}, errNotFound
}

func (r memBotRepo) UpdateAfterMatch(ctx context.Context, id string, newRating int, won bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b := r.s.bots[id]
	b.Rating = newRating
	if won {
		b.Wins++
	} else {
		b.Losses++
	}
	r.s.bots[id] = b
	return nil
}

type memTopicRepo struct{ s *memStore }

func (r memTopicRepo) Get(ctx context.Context, id string) (domain.Topic, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.topics[id]
	if !ok {
		return domain.Topic{}, errNotFound
	}
	return t, nil
}

type memPresetRegistry struct{ s *memStore }

func (r memPresetRegistry) Get(id string) (domain.Preset, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.presets[id]
	return p, ok
}

func (r memPresetRegistry) Default() string { return "classic" }
