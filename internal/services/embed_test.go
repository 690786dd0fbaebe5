/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/domain"
)

// stubEmbedder records every batch it receives and answers with vectors
// derived from the text, so order can be verified end to end.
type stubEmbedder struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	err     error
	vecFor  func(text string) []float64
	block   chan struct{} // when non-nil, every call waits on it
}

func (s *stubEmbedder) GenerateEmbeddings(_ context.Context, texts []string) ([][]float64, error) {
	if s.block != nil { <-s.block }
	s.mu.Lock()
	s.calls++
	cp := make([]string, len(texts))
	copy(cp, texts)
	s.batches = append(s.batches, cp)
	s.mu.Unlock()
	if s.err != nil { return nil, s.err }
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if s.vecFor != nil {
			out[i] = s.vecFor(t)
			continue
		}
		out[i] = []float64{float64(len(t)), 1}
	}
	return out, nil
}

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// indexedText produces a text whose vector encodes its own index, padded so
// token estimates can be controlled per test.
func indexedText(i, chars int) string {
	prefix := "t" + strconv.Itoa(i) + "|"
	return prefix + strings.Repeat("x", chars-len(prefix))
}

func indexFromText(text string) float64 {
	n, _ := strconv.Atoi(strings.TrimPrefix(text[:strings.Index(text, "|")], "t"))
	return float64(n)
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 8000), 2000},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.text); got != c.want {
			t.Fatalf("EstimateTokens(len %d) = %d, want %d", len(c.text), got, c.want)
		}
	}
}

func TestEmbedBatch_SingleCallUnderCeiling(t *testing.T) {
	stub := &stubEmbedder{vecFor: func(s string) []float64 { return []float64{indexFromText(s)} }}
	b := NewBatcher(stub, 8000)
	texts := []string{indexedText(0, 100), indexedText(1, 100), indexedText(2, 100)}
	vecs, err := b.EmbedBatch(context.Background(), texts)
	if err != nil { t.Fatalf("EmbedBatch: %v", err) }
	if stub.callCount() != 1 { t.Fatalf("calls = %d, want 1", stub.callCount()) }
	for i, v := range vecs {
		if v[0] != float64(i) { t.Fatalf("vecs[%d] = %v, want index %d", i, v, i) }
	}
}

func TestEmbedBatch_SplitsOversizedBatch(t *testing.T) {
	stub := &stubEmbedder{vecFor: func(s string) []float64 { return []float64{indexFromText(s)} }}
	b := NewBatcher(stub, 8000)
	// three texts of ~5000 tokens each: 15000 total forces a split, and each
	// resulting call must stay under the ceiling
	texts := make([]string, 3)
	for i := range texts { texts[i] = indexedText(i, 20000) }
	vecs, err := b.EmbedBatch(context.Background(), texts)
	if err != nil { t.Fatalf("EmbedBatch: %v", err) }
	if len(vecs) != 3 { t.Fatalf("got %d vectors, want 3", len(vecs)) }
	for i, v := range vecs {
		if v[0] != float64(i) { t.Fatalf("vecs[%d] = %v, want index %d", i, v, i) }
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.batches) < 2 { t.Fatalf("expected at least 2 provider calls, got %d", len(stub.batches)) }
	for _, batch := range stub.batches {
		total := 0
		for _, txt := range batch { total += EstimateTokens(txt) }
		if total > 8000 && len(batch) > 1 {
			t.Fatalf("batch of %d texts totals %d tokens, over the ceiling", len(batch), total)
		}
	}
}

func TestEmbedBatch_DeepSplitPreservesOrder(t *testing.T) {
	stub := &stubEmbedder{vecFor: func(s string) []float64 { return []float64{indexFromText(s)} }}
	b := NewBatcher(stub, 100)
	texts := make([]string, 17)
	for i := range texts { texts[i] = indexedText(i, 200) }
	vecs, err := b.EmbedBatch(context.Background(), texts)
	if err != nil { t.Fatalf("EmbedBatch: %v", err) }
	if len(vecs) != len(texts) { t.Fatalf("got %d vectors, want %d", len(vecs), len(texts)) }
	for i, v := range vecs {
		if v[0] != float64(i) { t.Fatalf("vecs[%d] = %v, want index %d", i, v, i) }
	}
}

func TestEmbedBatch_SingleOversizedTextGoesAlone(t *testing.T) {
	stub := &stubEmbedder{}
	b := NewBatcher(stub, 100)
	texts := []string{strings.Repeat("x", 5000)}
	if _, err := b.EmbedBatch(context.Background(), texts); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if stub.callCount() != 1 { t.Fatalf("calls = %d, want 1", stub.callCount()) }
}

func TestEmbedBatch_Empty(t *testing.T) {
	stub := &stubEmbedder{}
	b := NewBatcher(stub, 8000)
	vecs, err := b.EmbedBatch(context.Background(), nil)
	if err != nil { t.Fatalf("EmbedBatch: %v", err) }
	if vecs != nil { t.Fatalf("got %v, want nil", vecs) }
	if stub.callCount() != 0 { t.Fatalf("calls = %d, want 0", stub.callCount()) }
}

func TestEmbedBatch_ErrorFailsWholeBatch(t *testing.T) {
	stub := &stubEmbedder{err: errors.New("boom")}
	b := NewBatcher(stub, 100)
	texts := make([]string, 4)
	for i := range texts { texts[i] = indexedText(i, 200) }
	if _, err := b.EmbedBatch(context.Background(), texts); err == nil {
		t.Fatal("expected error from failing provider")
	}
}

func TestEmbeddingCache_ComputesOnce(t *testing.T) {
	stub := &stubEmbedder{}
	cache := NewEmbeddingCache(NewBatcher(stub, 8000), nil, zerolog.Nop())
	tkt := tk("1", "A-1")
	tkt.Summary = "first summary"
	if _, err := cache.GetOrCompute(context.Background(), tkt); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if _, err := cache.GetOrCompute(context.Background(), tkt); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if stub.callCount() != 1 { t.Fatalf("calls = %d, want 1 (second hit should come from cache)", stub.callCount()) }
	if cache.Get("1") == nil { t.Fatal("Get after compute returned nil") }
}

func TestEmbeddingCache_InvalidatesOnTextChange(t *testing.T) {
	stub := &stubEmbedder{}
	cache := NewEmbeddingCache(NewBatcher(stub, 8000), nil, zerolog.Nop())
	tkt := tk("1", "A-1")
	tkt.Summary = "original"
	if _, err := cache.GetOrCompute(context.Background(), tkt); err != nil { t.Fatalf("GetOrCompute: %v", err) }
	tkt.Description = "now with a description"
	if _, err := cache.GetOrCompute(context.Background(), tkt); err != nil { t.Fatalf("GetOrCompute: %v", err) }
	if stub.callCount() != 2 {
		t.Fatalf("calls = %d, want 2 (changed text must recompute)", stub.callCount())
	}
}

func TestEmbeddingCache_EnsureBatchesMissesOnly(t *testing.T) {
	stub := &stubEmbedder{}
	cache := NewEmbeddingCache(NewBatcher(stub, 8000), nil, zerolog.Nop())
	a := tk("1", "A-1")
	a.Summary = "already cached"
	if _, err := cache.GetOrCompute(context.Background(), a); err != nil { t.Fatalf("GetOrCompute: %v", err) }

	b := tk("2", "A-2")
	b.Summary = "miss one"
	c := tk("3", "A-3")
	c.Summary = "miss two"
	if err := cache.Ensure(context.Background(), []domain.Ticket{a, b, c}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	// one initial call plus one batched call for the two misses
	if stub.callCount() != 2 { t.Fatalf("calls = %d, want 2", stub.callCount()) }
	stub.mu.Lock()
	last := stub.batches[len(stub.batches)-1]
	stub.mu.Unlock()
	if len(last) != 2 { t.Fatalf("final batch had %d texts, want 2 (only misses)", len(last)) }
	if cache.Get("2") == nil || cache.Get("3") == nil { t.Fatal("Ensure did not populate misses") }
}

func TestEmbeddingCache_EnsureAllOrNothing(t *testing.T) {
	stub := &stubEmbedder{err: errors.New("quota")}
	cache := NewEmbeddingCache(NewBatcher(stub, 8000), nil, zerolog.Nop())
	a := tk("1", "A-1")
	a.Summary = "one"
	b := tk("2", "A-2")
	b.Summary = "two"
	if err := cache.Ensure(context.Background(), []domain.Ticket{a, b}); err == nil {
		t.Fatal("expected Ensure to surface the provider error")
	}
	if cache.Get("1") != nil || cache.Get("2") != nil {
		t.Fatal("failed batch must not leave partial entries in the cache")
	}
}

// stubStore fakes the persisted copy; storeErr simulates a quota failure.
type stubStore struct {
	mu       sync.Mutex
	storeErr error
	loads    int
	stores   int
	clears   int
}

func (s *stubStore) LoadEmbedding(_ context.Context, _, _ string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return nil, nil
}

func (s *stubStore) StoreEmbedding(_ context.Context, _, _ string, _ []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	return s.storeErr
}

func (s *stubStore) ClearEmbeddings(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func TestEmbeddingCache_StoreFailureFallsBackToMemory(t *testing.T) {
	stub := &stubEmbedder{}
	store := &stubStore{storeErr: errors.New("quota exceeded")}
	cache := NewEmbeddingCache(NewBatcher(stub, 8000), store, zerolog.Nop())

	a := tk("1", "A-1")
	a.Summary = "first"
	vec, err := cache.GetOrCompute(context.Background(), a)
	if err != nil { t.Fatalf("store failure must not propagate: %v", err) }
	if vec == nil { t.Fatal("vector missing despite failed persist") }
	if store.clears != 1 { t.Fatalf("clears = %d, want 1 (persisted copy evicted)", store.clears) }

	b := tk("2", "A-2")
	b.Summary = "second"
	if _, err := cache.GetOrCompute(context.Background(), b); err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	// memory-only for the rest of the session: no further store attempts
	if store.stores != 1 { t.Fatalf("stores = %d, want 1", store.stores) }
	if cache.Get("1") == nil || cache.Get("2") == nil { t.Fatal("memory copy must survive store failure") }
}

func TestEmbeddingCache_Clear(t *testing.T) {
	stub := &stubEmbedder{}
	cache := NewEmbeddingCache(NewBatcher(stub, 8000), nil, zerolog.Nop())
	tkt := tk("1", "A-1")
	tkt.Summary = "cached"
	if _, err := cache.GetOrCompute(context.Background(), tkt); err != nil { t.Fatalf("GetOrCompute: %v", err) }
	cache.Clear(context.Background())
	if cache.Get("1") != nil { t.Fatal("Clear left an entry behind") }
	if _, err := cache.GetOrCompute(context.Background(), tkt); err != nil { t.Fatalf("GetOrCompute: %v", err) }
	if stub.callCount() != 2 { t.Fatalf("calls = %d, want 2 (recompute after clear)", stub.callCount()) }
}

func TestEmbeddingText_Truncation(t *testing.T) {
	tkt := tk("1", "A-1")
	tkt.Summary = "huge"
	tkt.Description = strings.Repeat("d", 20000)
	text := EmbeddingText(tkt)
	if len(text) > embedTextHeadChars+embedTextTailChars+len("\n...\n") {
		t.Fatalf("truncated text is %d chars, want at most %d", len(text), embedTextHeadChars+embedTextTailChars+5)
	}
	if !strings.HasPrefix(text, "A-1: huge") { t.Fatalf("truncation lost the head: %q", text[:20]) }
	if !strings.HasSuffix(text, "d") { t.Fatal("truncation lost the tail") }
}
