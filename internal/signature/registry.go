package signature

import (
	"errors"
	"sort"
	"sync"

	"github.com/willf/bloom"
)

// ErrMissingID is returned when a signature without an ID is upserted.
var ErrMissingID = errors.New("signature id is required")

// Registry is a concurrency-safe keyed store of signatures.
// Upserting an existing ID replaces the stored signature.
type Registry struct {
	mu         sync.RWMutex
	signatures map[string]ThreatSignature

	// patterns remembers every pattern ever stored, replaced ones included.
	patterns *bloom.BloomFilter
}

// NewRegistry creates an empty registry. expectedPatterns sizes the
// pattern history; it is a hint, not a cap.
func NewRegistry(expectedPatterns uint) *Registry {
	if expectedPatterns == 0 {
		expectedPatterns = 10000
	}
	return &Registry{
		signatures: make(map[string]ThreatSignature),
		patterns:   bloom.NewWithEstimates(expectedPatterns, 0.01),
	}
}

// Upsert inserts sig or replaces the signature with the same ID.
func (r *Registry) Upsert(sig ThreatSignature) error {
	if sig.ID == "" {
		return ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.signatures[sig.ID] = sig
	if sig.Pattern != "" {
		r.patterns.Add([]byte(sig.Pattern))
	}
	return nil
}

// Get returns the signature with the given ID.
func (r *Registry) Get(id string) (ThreatSignature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signatures[id]
	return sig, ok
}

// All returns every signature ordered by ID.
func (r *Registry) All() []ThreatSignature {
	r.mu.RLock()
	out := make([]ThreatSignature, 0, len(r.signatures))
	for _, sig := range r.signatures {
		out = append(out, sig)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored signatures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signatures)
}

// CountByType returns the number of signatures per type.
func (r *Registry) CountByType() map[Type]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Type]int)
	for _, sig := range r.signatures {
		counts[sig.Type]++
	}
	return counts
}

// SeenPattern reports whether pattern was ever stored, including by
// signatures that have since been replaced. There are no false negatives;
// false positives stay near 1% up to the expected pattern count.
func (r *Registry) SeenPattern(pattern string) bool {
	if pattern == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.patterns.Test([]byte(pattern))
}
