package profile

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func newTestStore(cfg ScoringConfig, step time.Duration) *Store {
	return NewStore(NewScorer(cfg), StoreConfig{
		AutoBlock: true,
		Clock:     stepClock(epoch, step),
	})
}

func TestRecordRequest_CreatesAndUpdates(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Second)

	p, _ := s.RecordRequest("10.0.0.1", browserUA, "/", "alice")
	if p.RequestCount != 1 {
		t.Errorf("expected count 1, got %d", p.RequestCount)
	}
	if !p.FirstSeen.Equal(epoch) {
		t.Errorf("expected FirstSeen %v, got %v", epoch, p.FirstSeen)
	}

	p, _ = s.RecordRequest("10.0.0.1", "", "/home", "")
	if p.RequestCount != 2 {
		t.Errorf("expected count 2, got %d", p.RequestCount)
	}
	if p.UserAgent != browserUA {
		t.Errorf("user agent should be kept, got %q", p.UserAgent)
	}
	if p.UserID != "alice" {
		t.Errorf("user id should be kept, got %q", p.UserID)
	}
	if len(p.ObservedPaths) != 2 || p.ObservedPaths[1] != "/home" {
		t.Errorf("unexpected paths %v", p.ObservedPaths)
	}
	if !p.LastSeen.Equal(epoch.Add(time.Second)) {
		t.Errorf("expected LastSeen to advance, got %v", p.LastSeen)
	}
	if s.Len() != 1 {
		t.Errorf("expected one profile, got %d", s.Len())
	}
}

func TestRecordRequest_EmptyKeyDefaults(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Second)

	p, _ := s.RecordRequest("   ", browserUA, "/", "")
	if p.Key != UnknownKey {
		t.Errorf("expected key %q, got %q", UnknownKey, p.Key)
	}
	if _, ok := s.Get(""); !ok {
		t.Error("empty key lookups should resolve to the unknown profile")
	}
}

func TestRecordRequest_CapsPathHistory(t *testing.T) {
	s := NewStore(NewScorer(DefaultScoringConfig()), StoreConfig{
		MaxPaths: 5,
		Clock:    stepClock(epoch, time.Second),
	})

	for i := 0; i < 12; i++ {
		s.RecordRequest("k", browserUA, fmt.Sprintf("/p/%d", i), "")
	}

	p, _ := s.Get("k")
	if len(p.ObservedPaths) != 5 {
		t.Fatalf("expected 5 paths, got %d", len(p.ObservedPaths))
	}
	if p.ObservedPaths[0] != "/p/7" || p.ObservedPaths[4] != "/p/11" {
		t.Errorf("expected most recent paths, got %v", p.ObservedPaths)
	}
	if p.RequestCount != 12 {
		t.Errorf("request count must not be capped, got %d", p.RequestCount)
	}
}

func TestRecordRequest_ScoreAlwaysInRange(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Millisecond)
	agents := []string{"", "bot", browserUA, "Googlebot/2.1 (+http://www.google.com/bot.html)"}
	paths := []string{"/", "/admin", "/../../etc", "/script", "/config.php"}

	for i := 0; i < 500; i++ {
		p, _ := s.RecordRequest(fmt.Sprintf("src-%d", i%7), agents[i%len(agents)], paths[i%len(paths)], "")
		if p.AnomalyScore < 0 || p.AnomalyScore > 1 {
			t.Fatalf("score out of range: %v", p.AnomalyScore)
		}
	}
}

// TestRecordRequest_HighVolumeScenario replays 1,200 requests in one minute
// with half of the paths hitting admin pages.
func TestRecordRequest_HighVolumeScenario(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), 50*time.Millisecond)

	var p BehaviorProfile
	for i := 0; i < 1200; i++ {
		path := "/products"
		if i%2 == 0 {
			path = "/admin/users"
		}
		p, _ = s.RecordRequest("203.0.113.7", browserUA, path, "")
	}

	if p.RequestCount != 1200 {
		t.Fatalf("expected 1200 requests, got %d", p.RequestCount)
	}
	if p.AnomalyScore < 0.5-1e-9 {
		t.Errorf("expected score >= 0.5, got %v", p.AnomalyScore)
	}
}

// TestRecordRequest_SuspiciousCrossingOnce verifies that the transition into
// the suspicious state is reported once, not on every update that keeps the
// profile above the threshold.
func TestRecordRequest_SuspiciousCrossingOnce(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.RateWeight = 0
	cfg.UserAgentWeight = 0
	cfg.PathWeight = 1
	cfg.SuspiciousThreshold = 0.78
	cfg.BlockThreshold = 0.95
	s := newTestStore(cfg, time.Second)

	steps := []struct {
		path      string
		wantScore float64
		crossing  bool
	}{
		{"/", 0, false},
		{"/admin", 0.5, false},
		{"/admin", 2.0 / 3.0, false},
		{"/admin", 0.75, false},
		{"/admin", 0.8, true},
		{"/admin", 5.0 / 6.0, false},
		{"/admin", 6.0 / 7.0, false},
	}

	crossings := 0
	for i, step := range steps {
		p, tr := s.RecordRequest("198.51.100.4", browserUA, step.path, "")
		if !approxEqual(p.AnomalyScore, step.wantScore) {
			t.Fatalf("step %d: score %v, want %v", i, p.AnomalyScore, step.wantScore)
		}
		if tr.EnteredSuspicious() != step.crossing {
			t.Errorf("step %d: EnteredSuspicious() = %v, want %v", i, tr.EnteredSuspicious(), step.crossing)
		}
		if tr.EnteredSuspicious() {
			crossings++
		}
		if tr.EnteredBlocked() {
			t.Errorf("step %d: unexpected block", i)
		}
	}
	if crossings != 1 {
		t.Errorf("expected exactly one crossing, got %d", crossings)
	}
}

func TestRecordRequest_DownAndUpAgain(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.RateWeight = 0
	cfg.UserAgentWeight = 0
	cfg.PathWeight = 1
	cfg.BlockThreshold = 1
	s := NewStore(NewScorer(cfg), StoreConfig{MaxPaths: 1, Clock: stepClock(epoch, time.Second)})

	// Auto-block is off, so a perfect score only reaches suspicious.
	seq := []struct {
		path     string
		want     State
		crossing bool
	}{
		{"/admin", StateSuspicious, true},
		{"/admin", StateSuspicious, false},
		{"/", StateObserved, false},
		{"/admin", StateSuspicious, true},
	}
	for i, step := range seq {
		p, tr := s.RecordRequest("k", browserUA, step.path, "")
		if p.State != step.want {
			t.Errorf("step %d: state %s, want %s", i, p.State, step.want)
		}
		if tr.EnteredSuspicious() != step.crossing {
			t.Errorf("step %d: EnteredSuspicious() = %v, want %v", i, tr.EnteredSuspicious(), step.crossing)
		}
		if p.IsBlocked {
			t.Errorf("step %d: profile must not be blocked without auto-block", i)
		}
	}
}

func TestRecordRequest_DirectJumpToBlocked(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Millisecond)

	var tr Transition
	var p BehaviorProfile
	for i := 0; i < 20 && !p.IsBlocked; i++ {
		p, tr = s.RecordRequest("bad", "bot", "/admin", "")
	}
	if !p.IsBlocked {
		t.Fatal("expected profile to be blocked")
	}
	if !tr.EnteredSuspicious() || !tr.EnteredBlocked() {
		t.Errorf("observed->blocked should report both crossings, got %+v", tr)
	}
}

// TestBlock_Sticky verifies that a blocked source stays blocked no matter
// what telemetry follows.
func TestBlock_Sticky(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Millisecond)

	for i := 0; i < 20; i++ {
		s.RecordRequest("bad", "bot", "/admin", "")
	}
	if !s.IsBlocked("bad") {
		t.Fatal("expected auto-block")
	}

	// Slow, benign traffic afterwards lowers the score but not the block.
	slow := NewStore(NewScorer(DefaultScoringConfig()), StoreConfig{Clock: stepClock(epoch, time.Hour)})
	slow.Block("bad")
	for i := 0; i < 10; i++ {
		p, tr := slow.RecordRequest("bad", browserUA, "/", "")
		if !p.IsBlocked || p.State != StateBlocked {
			t.Fatalf("request %d: block was lost: %+v", i, p)
		}
		if tr.EnteredBlocked() || tr.EnteredSuspicious() {
			t.Errorf("request %d: no crossings expected while blocked, got %+v", i, tr)
		}
	}
	if !slow.IsBlocked("bad") {
		t.Error("IsBlocked should remain true")
	}
}

func TestBlock_Idempotent(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Second)

	p, changed := s.Block("10.1.1.1")
	if !changed {
		t.Error("first Block should report a change")
	}
	if !p.IsBlocked || p.State != StateBlocked {
		t.Errorf("placeholder should be blocked: %+v", p)
	}
	if _, changed := s.Block("10.1.1.1"); changed {
		t.Error("second Block should be a no-op")
	}
	if s.BlockedCount() != 1 {
		t.Errorf("expected 1 blocked, got %d", s.BlockedCount())
	}
	if s.IsBlocked("10.9.9.9") {
		t.Error("unknown keys are not blocked")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Second)
	s.RecordRequest("k", browserUA, "/a", "")

	p, ok := s.Get("k")
	if !ok {
		t.Fatal("expected profile")
	}
	p.ObservedPaths[0] = "/mutated"

	again, _ := s.Get("k")
	if again.ObservedPaths[0] != "/a" {
		t.Error("snapshots must not alias store state")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get should miss for unknown keys")
	}
}

func TestAll_SortedSnapshots(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Second)
	for _, k := range []string{"c", "a", "b"} {
		s.RecordRequest(k, browserUA, "/", "")
	}

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 profiles, got %d", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].Key != want {
			t.Errorf("position %d: got %s, want %s", i, all[i].Key, want)
		}
	}
}

func TestStore_ConcurrentRecord(t *testing.T) {
	s := newTestStore(DefaultScoringConfig(), time.Millisecond)

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.RecordRequest(fmt.Sprintf("src-%d", i%10), browserUA, "/", "")
				s.Get("src-0")
				s.BlockedCount()
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, p := range s.All() {
		total += p.RequestCount
	}
	if total != workers*perWorker {
		t.Errorf("expected %d requests, got %d", workers*perWorker, total)
	}
}
