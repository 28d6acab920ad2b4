package cache

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestSemanticLookupThreshold(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"original": {1, 0, 0},
		"close":    {0.99, 0.1, 0},
		"far":      {0, 1, 0},
	}}
	idx := NewSemanticIndex(emb, 0.95, 100)
	ctx := context.Background()

	if err := idx.Add(ctx, "t1:key", "original", time.Minute); err != nil {
		t.Fatal(err)
	}

	key, score, ok, err := idx.Lookup(ctx, "close")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || key != "t1:key" {
		t.Errorf("close prompt should match, ok=%v key=%q score=%f", ok, key, score)
	}

	_, score, ok, err = idx.Lookup(ctx, "far")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("orthogonal prompt should not match, score=%f", score)
	}
}

func TestSemanticLookupExpired(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"p": {1, 0, 0}}}
	idx := NewSemanticIndex(emb, 0.95, 100)
	ctx := context.Background()

	idx.Add(ctx, "t1:key", "p", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, _, ok, err := idx.Lookup(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expired entry should not match")
	}
}

func TestSemanticPrune(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"p": {1, 0, 0}}}
	idx := NewSemanticIndex(emb, 0.95, 100)
	ctx := context.Background()

	idx.Add(ctx, "a", "p", 10*time.Millisecond)
	idx.Add(ctx, "b", "p", time.Minute)
	time.Sleep(20 * time.Millisecond)

	idx.Prune()
	if idx.Len() != 1 {
		t.Errorf("Len after prune = %d, want 1", idx.Len())
	}
}

func TestSemanticCapacity(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"p": {1, 0, 0}}}
	idx := NewSemanticIndex(emb, 0.95, 2)
	ctx := context.Background()

	idx.Add(ctx, "a", "p", time.Minute)
	idx.Add(ctx, "b", "p", time.Minute)
	idx.Add(ctx, "c", "p", time.Minute)
	if idx.Len() != 2 {
		t.Errorf("Len = %d, want 2", idx.Len())
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors = %f", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors = %f", got)
	}
	if got := cosine([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("mismatched lengths = %f", got)
	}
	if got := cosine(nil, nil); got != 0 {
		t.Errorf("empty vectors = %f", got)
	}
}
