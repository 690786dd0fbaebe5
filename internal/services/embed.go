/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/madpin/jiraviz/internal/domain"
)

// EmbedProvider is the raw embedding call; the batcher keeps each request
// under the provider token ceiling.
type EmbedProvider interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float64, error)
}

// EmbeddingStore is the optional persisted copy of the cache. A store that
// fails (quota) only costs performance, never correctness.
type EmbeddingStore interface {
	LoadEmbedding(ctx context.Context, ticketID, fingerprint string) ([]float64, error)
	StoreEmbedding(ctx context.Context, ticketID, fingerprint string, vec []float64) error
	ClearEmbeddings(ctx context.Context) error
}

// EstimateTokens approximates the token cost of a text: ~4 characters per
// token, rounded up. Intentionally a heuristic, not a real tokenizer.
func EstimateTokens(text string) int { return (len(text) + 3) / 4 }

// embedTextHeadChars/embedTextTailChars bound the rendered ticket text handed
// to the provider: first 4000 + last 2000 characters keeps both the opening
// context and any trailing detail while staying well under the token ceiling.
const (
	embedTextHeadChars = 4000
	embedTextTailChars = 2000
)

// EmbeddingText renders the ticket fields the vector is computed from.
// Changing summary or description changes this text and thereby the
// fingerprint, which is what invalidates the cached vector.
func EmbeddingText(t domain.Ticket) string {
	b := &strings.Builder{}
	b.WriteString(t.Key + ": " + t.Summary)
	if strings.TrimSpace(t.Description) != "" { b.WriteString("\n" + t.Description) }
	if len(t.Labels) > 0 { b.WriteString("\nLabels: " + strings.Join(t.Labels, ", ")) }
	return truncateForEmbedding(b.String())
}

func truncateForEmbedding(s string) string {
	if len(s) <= embedTextHeadChars+embedTextTailChars { return s }
	return s[:embedTextHeadChars] + "\n...\n" + s[len(s)-embedTextTailChars:]
}

func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Batcher splits embedding requests so each provider call stays under the
// token ceiling. No retries: provider errors propagate to the caller as-is.
type Batcher struct {
	provider EmbedProvider
	ceiling  int
}

func NewBatcher(provider EmbedProvider, ceiling int) *Batcher {
	if ceiling <= 0 { ceiling = 8000 }
	return &Batcher{provider: provider, ceiling: ceiling}
}

// EmbedBatch returns one vector per text, in input order. Oversized batches
// are bisected recursively and both halves requested concurrently;
// a failure in either half fails the whole batch, since partial results
// would break the order-preserving contract. A single text over the ceiling
// is sent alone and the provider's verdict propagates.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 { return nil, nil }
	total := 0
	for _, t := range texts { total += EstimateTokens(t) }
	if total <= b.ceiling || len(texts) == 1 {
		vecs, err := b.provider.GenerateEmbeddings(ctx, texts)
		if err != nil { return nil, err }
		if len(vecs) != len(texts) { return nil, errors.New("embed: provider returned wrong vector count") }
		return vecs, nil
	}
	mid := len(texts) / 2
	var left, right [][]float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := b.EmbedBatch(gctx, texts[:mid])
		left = v
		return err
	})
	g.Go(func() error {
		v, err := b.EmbedBatch(gctx, texts[mid:])
		right = v
		return err
	})
	if err := g.Wait(); err != nil { return nil, err }
	return append(left, right...), nil
}

type cachedVec struct {
	fp  string
	vec []float64
}

// EmbeddingCache maps ticket id to vector, with freshness tied to the
// ticket's current text via fingerprint. Constructed once per process and
// passed by reference; tests instantiate their own.
type EmbeddingCache struct {
	mu      sync.RWMutex
	mem     map[string]cachedVec
	flight  singleflight.Group
	batcher *Batcher
	store   EmbeddingStore // may be nil (memory-only)
	log     zerolog.Logger

	persistDown bool
}

func NewEmbeddingCache(batcher *Batcher, store EmbeddingStore, log zerolog.Logger) *EmbeddingCache {
	return &EmbeddingCache{mem: map[string]cachedVec{}, batcher: batcher, store: store, log: log}
}

// Get returns the in-memory vector for a ticket id, or nil. It does not
// consult the persisted copy and never calls the provider.
func (c *EmbeddingCache) Get(ticketID string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cv, ok := c.mem[ticketID]; ok { return cv.vec }
	return nil
}

// GetOrCompute returns the ticket's vector, computing it via the batcher on
// miss. Concurrent calls for the same ticket id share one in-flight provider
// request.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, t domain.Ticket) ([]float64, error) {
	text := EmbeddingText(t)
	fp := fingerprint(text)
	if vec := c.lookup(ctx, t.ID, fp); vec != nil { return vec, nil }
	v, err, _ := c.flight.Do(t.ID, func() (any, error) {
		if vec := c.lookup(ctx, t.ID, fp); vec != nil { return vec, nil }
		vecs, err := c.batcher.EmbedBatch(ctx, []string{text})
		if err != nil { return nil, err }
		c.put(ctx, t.ID, fp, vecs[0])
		return vecs[0], nil
	})
	if err != nil { return nil, err }
	return v.([]float64), nil
}

// Ensure computes and caches vectors for every ticket that misses, in one
// order-preserving batched provider round. All-or-nothing: any provider
// failure leaves the cache unchanged for the missing tickets.
func (c *EmbeddingCache) Ensure(ctx context.Context, tickets []domain.Ticket) error {
	var missIDs []string
	var missFPs []string
	var missTexts []string
	for _, t := range tickets {
		text := EmbeddingText(t)
		fp := fingerprint(text)
		if vec := c.lookup(ctx, t.ID, fp); vec != nil { continue }
		missIDs = append(missIDs, t.ID)
		missFPs = append(missFPs, fp)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 { return nil }
	vecs, err := c.batcher.EmbedBatch(ctx, missTexts)
	if err != nil { return err }
	for i, id := range missIDs {
		c.put(ctx, id, missFPs[i], vecs[i])
	}
	return nil
}

// Clear drops both the in-memory map and the persisted copy. Vectors
// regenerate on demand.
func (c *EmbeddingCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.mem = map[string]cachedVec{}
	c.persistDown = false
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.ClearEmbeddings(ctx); err != nil {
			c.log.Warn().Err(err).Msg("embedding cache: clearing persisted copy failed")
		}
	}
}

// lookup checks memory first, then the persisted copy, requiring the
// fingerprint to match in both; a stale persisted vector is ignored.
func (c *EmbeddingCache) lookup(ctx context.Context, ticketID, fp string) []float64 {
	c.mu.RLock()
	cv, ok := c.mem[ticketID]
	c.mu.RUnlock()
	if ok && cv.fp == fp { return cv.vec }
	if c.store == nil { return nil }
	vec, err := c.store.LoadEmbedding(ctx, ticketID, fp)
	if err != nil {
		c.log.Warn().Err(err).Str("ticket", ticketID).Msg("embedding cache: load failed; treating as miss")
		return nil
	}
	if vec == nil { return nil }
	c.mu.Lock()
	c.mem[ticketID] = cachedVec{fp: fp, vec: vec}
	c.mu.Unlock()
	return vec
}

func (c *EmbeddingCache) put(ctx context.Context, ticketID, fp string, vec []float64) {
	c.mu.Lock()
	c.mem[ticketID] = cachedVec{fp: fp, vec: vec}
	down := c.persistDown
	c.mu.Unlock()
	if c.store == nil || down { return }
	if err := c.store.StoreEmbedding(ctx, ticketID, fp, vec); err != nil {
		// quota or transient storage failure: evict the persisted copy and
		// keep serving from memory for the rest of the session
		c.log.Warn().Err(err).Str("ticket", ticketID).Msg("embedding cache: persist failed; falling back to memory-only")
		c.mu.Lock()
		c.persistDown = true
		c.mu.Unlock()
		if cerr := c.store.ClearEmbeddings(ctx); cerr != nil {
			c.log.Warn().Err(cerr).Msg("embedding cache: evicting persisted copy failed")
		}
	}
}
