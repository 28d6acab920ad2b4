package cache

import (
	"context"
	"math"
	"sync"
	"time"
)

// Embedder converts prompt text into a vector for similarity lookup.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticIndex finds previously cached prompts whose embedding is close
// enough to the query. Entries expire alongside their exact-cache entry.
type SemanticIndex struct {
	embedder  Embedder
	threshold float64

	mu      sync.RWMutex
	entries []semanticEntry
	max     int
}

type semanticEntry struct {
	key     string
	vector  []float32
	expires time.Time
}

// NewSemanticIndex creates an index. A threshold of 0 disables matching
// by falling back to 0.95.
func NewSemanticIndex(embedder Embedder, threshold float64, maxEntries int) *SemanticIndex {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.95
	}
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &SemanticIndex{embedder: embedder, threshold: threshold, max: maxEntries}
}

// Add indexes a prompt under the exact-cache key.
func (s *SemanticIndex) Add(ctx context.Context, key, prompt string, ttl time.Duration) error {
	vec, err := s.embedder.Embed(ctx, prompt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.max {
		// Oldest entries sit at the front.
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, semanticEntry{
		key:     key,
		vector:  vec,
		expires: time.Now().Add(ttl),
	})
	return nil
}

// Lookup returns the exact-cache key of the most similar live entry at or
// above the threshold, with the similarity score. ok is false on no match.
func (s *SemanticIndex) Lookup(ctx context.Context, prompt string) (key string, score float64, ok bool, err error) {
	vec, err := s.embedder.Embed(ctx, prompt)
	if err != nil {
		return "", 0, false, err
	}

	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := -1.0
	for _, e := range s.entries {
		if now.After(e.expires) {
			continue
		}
		sim := cosine(vec, e.vector)
		if sim > best {
			best = sim
			key = e.key
		}
	}
	if best >= s.threshold {
		return key, best, true, nil
	}
	return "", best, false, nil
}

// Prune drops expired entries.
func (s *SemanticIndex) Prune() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.entries[:0]
	for _, e := range s.entries {
		if now.Before(e.expires) {
			live = append(live, e)
		}
	}
	s.entries = live
}

// Len returns the number of indexed entries.
func (s *SemanticIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
