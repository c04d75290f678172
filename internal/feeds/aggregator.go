package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/signature"
)

// FeedSourceRecord tracks one source's contribution. PatternsRepeated
// counts stored signatures whose pattern had already been reported by any
// source.
type FeedSourceRecord struct {
	Source           string    `json:"source"`
	ThreatsReported  int       `json:"threats_reported"`
	PatternsRepeated int       `json:"patterns_repeated"`
	LastUpdate       time.Time `json:"last_update"`
	Reliability      float64   `json:"reliability"`
	LastError        string    `json:"last_error,omitempty"`
	Failures         int       `json:"failures"`
}

// Store receives fetched signatures.
type Store interface {
	Upsert(sig signature.ThreatSignature) error
	SeenPattern(pattern string) bool
}

// Aggregator fans fetches out to every source and merges the results.
type Aggregator struct {
	store   Store
	sources []Source
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]*FeedSourceRecord
}

// NewAggregator creates an aggregator over sources.
func NewAggregator(store Store, logger *zap.Logger, sources ...Source) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:   store,
		sources: sources,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*FeedSourceRecord),
	}
}

// Connect creates a record for every source. Calling it again keeps existing
// counters.
func (a *Aggregator) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for _, s := range a.sources {
		if _, ok := a.records[s.Name()]; ok {
			continue
		}
		a.records[s.Name()] = &FeedSourceRecord{
			Source:      s.Name(),
			LastUpdate:  now,
			Reliability: s.Reliability(),
		}
		a.logger.Info("Connected to threat feed",
			zap.String("source", s.Name()),
			zap.Float64("reliability", s.Reliability()),
		)
	}
	return nil
}

// Refresh fetches every source concurrently and upserts the results. A
// failing source is recorded and logged without affecting the others. The
// returned count is the number of signatures stored; the error joins every
// source failure.
func (a *Aggregator) Refresh(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	type result struct {
		source string
		added  int
		err    error
	}

	results := make(chan result, len(a.sources))
	var wg sync.WaitGroup
	for _, s := range a.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			added, err := a.refreshOne(ctx, src)
			results <- result{source: src.Name(), added: added, err: err}
		}(s)
	}
	wg.Wait()
	close(results)

	total := 0
	var errs []error
	for r := range results {
		total += r.added
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.source, r.err))
		}
	}

	a.logger.Debug("Threat feeds refreshed",
		zap.Int("sources", len(a.sources)),
		zap.Int("signatures", total),
		zap.Int("failed", len(errs)),
	)
	return total, errors.Join(errs...)
}

func (a *Aggregator) refreshOne(ctx context.Context, src Source) (added int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fetch: %v", r)
		}
		if err != nil {
			a.recordFailure(src, err)
		}
	}()

	sigs, err := src.Fetch(ctx)
	if err != nil {
		return 0, err
	}

	repeated := 0
	for _, sig := range sigs {
		if sig.Source == "" {
			sig.Source = src.Name()
		}
		seen := a.store.SeenPattern(sig.Pattern)
		if uerr := a.store.Upsert(sig); uerr != nil {
			a.logger.Warn("Dropping feed signature",
				zap.String("source", src.Name()),
				zap.Error(uerr),
			)
			continue
		}
		added++
		if seen {
			repeated++
		}
	}

	a.recordSuccess(src, added, repeated)
	return added, nil
}

func (a *Aggregator) recordFor(src Source) *FeedSourceRecord {
	rec, ok := a.records[src.Name()]
	if !ok {
		rec = &FeedSourceRecord{Source: src.Name(), Reliability: src.Reliability()}
		a.records[src.Name()] = rec
	}
	return rec
}

func (a *Aggregator) recordSuccess(src Source, added, repeated int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.recordFor(src)
	rec.ThreatsReported += added
	rec.PatternsRepeated += repeated
	rec.LastUpdate = a.now()
	rec.LastError = ""
}

func (a *Aggregator) recordFailure(src Source, err error) {
	a.mu.Lock()
	rec := a.recordFor(src)
	rec.Failures++
	rec.LastError = err.Error()
	failures := rec.Failures
	a.mu.Unlock()

	a.logger.Error("Threat feed fetch failed",
		zap.String("source", src.Name()),
		zap.Int("failures", failures),
		zap.Error(err),
	)
}

// Records returns a snapshot of every source record in configured order.
func (a *Aggregator) Records() []FeedSourceRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]FeedSourceRecord, 0, len(a.sources))
	for _, s := range a.sources {
		if rec, ok := a.records[s.Name()]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Sources returns the number of configured sources.
func (a *Aggregator) Sources() int {
	return len(a.sources)
}
