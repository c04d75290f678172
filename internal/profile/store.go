package profile

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultShards   = 32
	defaultMaxPaths = 50

	// UnknownKey replaces empty source keys.
	UnknownKey = "unknown"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// MaxPaths caps ObservedPaths per profile; the oldest paths are dropped.
	MaxPaths int
	// AutoBlock blocks a source once its score reaches the block threshold.
	AutoBlock bool
	// Shards is the number of lock stripes.
	Shards int
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	profiles map[string]*BehaviorProfile
}

// Store is a concurrency-safe keyed store of behavior profiles, striped
// across shards by source key.
type Store struct {
	shards    []*shard
	scorer    *Scorer
	maxPaths  int
	autoBlock bool
	now       func() time.Time
}

// NewStore creates an empty store that scores profiles with scorer.
func NewStore(scorer *Scorer, cfg StoreConfig) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.MaxPaths <= 0 {
		cfg.MaxPaths = defaultMaxPaths
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Store{
		shards:    make([]*shard, cfg.Shards),
		scorer:    scorer,
		maxPaths:  cfg.MaxPaths,
		autoBlock: cfg.AutoBlock,
		now:       cfg.Clock,
	}
	for i := range s.shards {
		s.shards[i] = &shard{profiles: make(map[string]*BehaviorProfile)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return UnknownKey
	}
	return key
}

// RecordRequest applies one telemetry event to the profile for key, creating
// it on first sight, and returns a snapshot plus the resulting state change.
func (s *Store) RecordRequest(key, userAgent, path, userID string) (BehaviorProfile, Transition) {
	key = normalizeKey(key)
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[key]
	if !ok {
		p = &BehaviorProfile{
			Key:       key,
			UserAgent: userAgent,
			State:     StateObserved,
			FirstSeen: now,
		}
		sh.profiles[key] = p
	}
	if p.UserAgent == "" {
		p.UserAgent = userAgent
	}
	if userID != "" {
		p.UserID = userID
	}

	p.RequestCount++
	p.ObservedPaths = append(p.ObservedPaths, path)
	if over := len(p.ObservedPaths) - s.maxPaths; over > 0 {
		p.ObservedPaths = append([]string(nil), p.ObservedPaths[over:]...)
	}
	p.LastSeen = now
	p.AnomalyScore = s.scorer.Score(*p)

	prev := p.State
	next := s.scorer.StateFor(p.AnomalyScore)
	switch {
	case p.IsBlocked:
		next = StateBlocked
	case next == StateBlocked && !s.autoBlock:
		next = StateSuspicious
	}
	if next == StateBlocked {
		p.IsBlocked = true
	}
	p.State = next

	return p.clone(), Transition{From: prev, To: next}
}

// Get returns a snapshot of the profile for key.
func (s *Store) Get(key string) (BehaviorProfile, bool) {
	key = normalizeKey(key)
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p, ok := sh.profiles[key]
	if !ok {
		return BehaviorProfile{}, false
	}
	return p.clone(), true
}

// Block marks key as blocked. Unknown keys get a placeholder profile so the
// block holds for their first request. Returns the profile and whether this
// call changed it.
func (s *Store) Block(key string) (BehaviorProfile, bool) {
	key = normalizeKey(key)
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	p, ok := sh.profiles[key]
	if !ok {
		p = &BehaviorProfile{Key: key, FirstSeen: now, LastSeen: now}
		sh.profiles[key] = p
	}
	if p.IsBlocked {
		return p.clone(), false
	}
	p.IsBlocked = true
	p.State = StateBlocked
	return p.clone(), true
}

// IsBlocked reports whether key is blocked.
func (s *Store) IsBlocked(key string) bool {
	key = normalizeKey(key)
	sh := s.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	p, ok := sh.profiles[key]
	return ok && p.IsBlocked
}

// All returns snapshots of every profile ordered by key.
func (s *Store) All() []BehaviorProfile {
	var out []BehaviorProfile
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.profiles {
			out = append(out, p.clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of profiles.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.profiles)
		sh.mu.RUnlock()
	}
	return n
}

// BlockedCount returns the number of blocked profiles.
func (s *Store) BlockedCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, p := range sh.profiles {
			if p.IsBlocked {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}
