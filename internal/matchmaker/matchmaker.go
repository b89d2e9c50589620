// Package matchmaker implements the expanding-rating-window queue of
// spec.md §4.B: an in-memory set of waiting entries and a periodic
// sweep that pairs compatible entries and hands each pair to a
// creator callback.
package matchmaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"crab.casa/debate-arena/internal/logging"
	"crab.casa/debate-arena/internal/rating"
)

// Entry is a single queued bot waiting for a match.
type Entry struct {
	EntryID       string
	BotID         string
	UserID        string
	PresetID      string
	Rating        int
	Stake         int
	JoinedAt      time.Time
	ExpandedRange int
}

// LivenessCheck reports whether a bot is currently attached anywhere.
// Entries that fail this check at pairing time are dropped from the
// queue as a side effect, per spec.md §4.B.
type LivenessCheck func(botID string) bool

// Creator is invoked for each accepted pair; a non-nil error is
// treated as a non-fatal creation failure (both entries stay queued).
type Creator func(ctx context.Context, a, b Entry) error

// Matchmaker holds the waiting queue and drives the periodic sweep.
type Matchmaker struct {
	cfg     rating.Config
	logger  logging.Logger
	liveness LivenessCheck
	create  Creator

	mu        sync.Mutex
	byEntry   map[string]*Entry
	byBot     map[string]string // botID -> entryID

	sweepInterval time.Duration
	stop          chan struct{}
	stopped       chan struct{}
}

// New builds a Matchmaker. liveness may be nil to disable the liveness
// predicate (all entries are considered live).
func New(cfg rating.Config, logger logging.Logger, liveness LivenessCheck, create Creator) *Matchmaker {
	return &Matchmaker{
		cfg:           cfg,
		logger:        logger,
		liveness:      liveness,
		create:        create,
		byEntry:       make(map[string]*Entry),
		byBot:         make(map[string]string),
		sweepInterval: 2 * time.Second,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Join adds or replaces the queue entry for a bot: a second join for
// the same bot replaces the first, per spec.md §3's QueueEntry
// invariant.
func (m *Matchmaker) Join(entryID, botID, userID, presetID string, r, stake int) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prevID, ok := m.byBot[botID]; ok {
		delete(m.byEntry, prevID)
	}

	e := &Entry{
		EntryID:       entryID,
		BotID:         botID,
		UserID:        userID,
		PresetID:      presetID,
		Rating:        r,
		Stake:         stake,
		JoinedAt:      time.Now(),
		ExpandedRange: m.cfg.ExpandBase,
	}
	m.byEntry[entryID] = e
	m.byBot[botID] = entryID
	return *e
}

// Leave removes the queue entry for a bot, if any. Idempotent.
func (m *Matchmaker) Leave(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entryID, ok := m.byBot[botID]; ok {
		delete(m.byEntry, entryID)
		delete(m.byBot, botID)
	}
}

// Size returns the number of waiting entries.
func (m *Matchmaker) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byEntry)
}

// Start launches the periodic sweep in a background goroutine; Stop
// cancels it.
func (m *Matchmaker) Start(ctx context.Context) {
	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (m *Matchmaker) Stop() {
	close(m.stop)
	<-m.stopped
}

// Sweep runs one pairing pass. Exported so tests and callers that want
// deterministic timing can drive it directly instead of waiting on the
// ticker.
func (m *Matchmaker) Sweep(ctx context.Context) {
	m.mu.Lock()
	entries, liveEntryIDs := m.snapshotAndExpand()
	m.mu.Unlock()

	pairs, matched := pairUp(entries, liveEntryIDs)

	m.mu.Lock()
	// Drop entries the liveness check rejected this sweep, unconditionally.
	for id := range liveEntryIDs {
		if !liveEntryIDs[id] {
			if e, ok := m.byEntry[id]; ok {
				delete(m.byBot, e.BotID)
			}
			delete(m.byEntry, id)
		}
	}
	m.mu.Unlock()

	for _, pair := range pairs {
		if err := m.create(ctx, pair.a, pair.b); err != nil {
			m.logger.WithField("error", err.Error()).Warn("matchmaker: creator failed, both entries remain queued")
			continue
		}
		m.mu.Lock()
		delete(m.byEntry, pair.a.EntryID)
		delete(m.byEntry, pair.b.EntryID)
		delete(m.byBot, pair.a.BotID)
		delete(m.byBot, pair.b.BotID)
		m.mu.Unlock()
	}
	_ = matched
}

// snapshotAndExpand recomputes ExpandedRange for every entry from wait
// time and returns a point-in-time copy plus each entry's liveness
// verdict (true = live or no liveness predicate configured).
func (m *Matchmaker) snapshotAndExpand() ([]Entry, map[string]bool) {
	now := time.Now()
	entries := make([]Entry, 0, len(m.byEntry))
	live := make(map[string]bool, len(m.byEntry))
	for id, e := range m.byEntry {
		e.ExpandedRange = rating.ExpandedRange(now.Sub(e.JoinedAt).Seconds(), m.cfg)
		entries = append(entries, *e)
		if m.liveness == nil {
			live[id] = true
		} else {
			live[id] = m.liveness(e.BotID)
		}
	}
	return entries, live
}

type pair struct{ a, b Entry }

// pairUp implements the sort-then-greedy-best-candidate pairing pass
// of spec.md §4.B: longest-waiting first, best candidate by tie-break
// among the remaining unmatched entries, liveness-rejected entries
// removed as a side effect (reflected back via liveEntryIDs).
func pairUp(entries []Entry, liveEntryIDs map[string]bool) ([]pair, map[string]bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})

	matched := make(map[string]bool, len(entries))
	var pairs []pair

	for i := range entries {
		a := entries[i]
		if matched[a.EntryID] || !liveEntryIDs[a.EntryID] {
			continue
		}

		bestIdx := -1
		bestDiff := -1
		for j := range entries {
			if i == j {
				continue
			}
			b := entries[j]
			if matched[b.EntryID] || !liveEntryIDs[b.EntryID] {
				continue
			}
			if !candidateMatches(a, b) {
				continue
			}
			diff := abs(a.Rating - b.Rating)
			if bestIdx == -1 || diff < bestDiff {
				bestIdx = j
				bestDiff = diff
			}
		}

		if bestIdx != -1 {
			b := entries[bestIdx]
			matched[a.EntryID] = true
			matched[b.EntryID] = true
			pairs = append(pairs, pair{a: a, b: b})
		}
	}

	return pairs, matched
}

// candidateMatches implements spec.md §4.B's candidate filter.
func candidateMatches(a, b Entry) bool {
	if a.EntryID == b.EntryID {
		return false
	}
	if a.PresetID != b.PresetID {
		return false
	}
	window := a.ExpandedRange
	if b.ExpandedRange > window {
		window = b.ExpandedRange
	}
	if !rating.Balanced(a.Rating, b.Rating, window) {
		return false
	}
	maxStake := a.Stake
	if b.Stake > maxStake {
		maxStake = b.Stake
	}
	if abs(a.Stake-b.Stake) > int(0.2*float64(maxStake)) {
		return false
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
