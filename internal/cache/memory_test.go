package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q", got)
	}
}

func TestMemoryStoreMiss(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	defer s.Close()

	got, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("miss should return nil, got %q", got)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expired entry should read as a miss")
	}
}

func TestMemoryStoreCapacityEviction(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{MaxEntries: 3})
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
	}
	if got := s.Len(); got > 3 {
		t.Errorf("Len = %d, want at most 3", got)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), time.Minute)
	s.Delete(ctx, "k")
	if got, _ := s.Get(ctx, "k"); got != nil {
		t.Error("deleted entry should read as a miss")
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("abc"), time.Minute)
	got, _ := s.Get(ctx, "k")
	got[0] = 'z'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("store value mutated through a returned slice: %q", again)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	s := NewMemoryStore(MemoryStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), time.Minute)
	s.Get(ctx, "k")
	s.Get(ctx, "absent")

	st := s.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Sets != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if st.HitRate != 0.5 {
		t.Errorf("HitRate = %f", st.HitRate)
	}
}
