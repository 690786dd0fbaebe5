/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/domain"
)

// Sorter produces a total order over a flat ticket set. The smart mode is
// the only fallible one; it downgrades to updated-desc on any embedding
// provider failure instead of surfacing an error.
type Sorter struct {
	log       zerolog.Logger
	cache     *EmbeddingCache
	threshold float64

	seq     atomic.Uint64
	applied atomic.Uint64
}

func NewSorter(cache *EmbeddingCache, threshold float64, log zerolog.Logger) *Sorter {
	if threshold <= 0 { threshold = 0.75 }
	return &Sorter{log: log, cache: cache, threshold: threshold}
}

// SortResult carries the ordered tickets plus what actually happened:
// Mode is the effective mode (updated when smart fell back, so the caller
// can reflect the downgrade in the UI), Superseded marks results from an
// invocation that lost to a newer one.
type SortResult struct {
	Tickets    []domain.Ticket `json:"tickets"`
	Mode       domain.SortMode `json:"mode"`
	FellBack   bool            `json:"fellBack,omitempty"`
	Superseded bool            `json:"superseded,omitempty"`
}

// Sort orders tickets by the requested mode. The input slice is not
// mutated. Stale results: each invocation takes a monotonically increasing
// token; a result is flagged Superseded when a newer invocation finished
// first, so the caller can discard it (last write wins).
func (s *Sorter) Sort(ctx context.Context, tickets []domain.Ticket, mode domain.SortMode, userEmail string) SortResult {
	token := s.seq.Add(1)
	res := SortResult{Mode: mode}
	switch mode {
	case domain.SortAlphabetical:
		res.Tickets = sortedCopy(tickets, func(a, b domain.Ticket) bool { return a.Key < b.Key })
	case domain.SortCreated:
		res.Tickets = sortedCopy(tickets, func(a, b domain.Ticket) bool { return timeAfter(a.Created, b.Created) })
	case domain.SortUpdated:
		res.Tickets = sortedCopy(tickets, func(a, b domain.Ticket) bool { return timeAfter(a.Updated, b.Updated) })
	case domain.SortStatus:
		res.Tickets = sortedCopy(tickets, func(a, b domain.Ticket) bool { return a.Status < b.Status })
	case domain.SortPriority:
		res.Tickets = sortedCopy(tickets, func(a, b domain.Ticket) bool {
			return domain.PriorityRank(a.Priority) < domain.PriorityRank(b.Priority)
		})
	case domain.SortAssignee:
		res.Tickets = sortedCopy(tickets, func(a, b domain.Ticket) bool {
			return assigneeName(a) < assigneeName(b)
		})
	default:
		ordered, fellBack := s.smartSort(ctx, tickets, userEmail)
		res.Tickets = ordered
		res.FellBack = fellBack
		if fellBack { res.Mode = domain.SortUpdated } else { res.Mode = domain.SortSmart }
	}
	s.settle(token, &res)
	return res
}

// settle applies last-write-wins across concurrent invocations.
func (s *Sorter) settle(token uint64, res *SortResult) {
	for {
		cur := s.applied.Load()
		if token < cur {
			res.Superseded = true
			return
		}
		if s.applied.CompareAndSwap(cur, token) { return }
	}
}

// smartSort builds the four-tier order: owned, related by similarity,
// structural parents, remainder. Tiers are disjoint; each ticket lands in
// exactly one. Tier 3 sorts by created desc, the others by updated desc.
func (s *Sorter) smartSort(ctx context.Context, tickets []domain.Ticket, userEmail string) ([]domain.Ticket, bool) {
	email := strings.ToLower(strings.TrimSpace(userEmail))
	placed := make(map[string]bool, len(tickets))

	var owned []domain.Ticket
	if email != "" {
		for _, t := range tickets {
			if strings.EqualFold(t.AssigneeEmail, email) || strings.EqualFold(t.ReporterEmail, email) {
				owned = append(owned, t)
				placed[t.ID] = true
			}
		}
	}

	var related []domain.Ticket
	if len(owned) > 0 && len(owned) < len(tickets) {
		// one batched provider round for every vector the tier-2 scan needs
		if err := s.cache.Ensure(ctx, tickets); err != nil {
			s.log.Warn().Err(err).Msg("smart sort: embeddings unavailable; falling back to updated order")
			return sortedCopy(tickets, func(a, b domain.Ticket) bool { return timeAfter(a.Updated, b.Updated) }), true
		}
		for _, t := range tickets {
			if placed[t.ID] { continue }
			vec := s.cache.Get(t.ID)
			if vec == nil { continue }
			for _, o := range owned {
				ovec := s.cache.Get(o.ID)
				if ovec == nil { continue }
				sim, err := CosineSimilarity(vec, ovec)
				if err != nil { continue }
				if sim >= s.threshold {
					related = append(related, t)
					placed[t.ID] = true
					break
				}
			}
		}
	}

	counts := childCounts(tickets)
	var parents []domain.Ticket
	var rest []domain.Ticket
	for _, t := range tickets {
		if placed[t.ID] { continue }
		if counts[t.ID] > 0 {
			parents = append(parents, t)
			placed[t.ID] = true
			continue
		}
		rest = append(rest, t)
	}

	byUpdated := func(a, b domain.Ticket) bool { return timeAfter(a.Updated, b.Updated) }
	byCreated := func(a, b domain.Ticket) bool { return timeAfter(a.Created, b.Created) }
	out := make([]domain.Ticket, 0, len(tickets))
	out = append(out, sortedCopy(owned, byUpdated)...)
	out = append(out, sortedCopy(related, byUpdated)...)
	out = append(out, sortedCopy(parents, byCreated)...)
	out = append(out, sortedCopy(rest, byUpdated)...)
	return out, false
}

func sortedCopy(tickets []domain.Ticket, less func(a, b domain.Ticket) bool) []domain.Ticket {
	out := make([]domain.Ticket, len(tickets))
	copy(out, tickets)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// timeAfter orders newest first; missing timestamps sort last.
func timeAfter(a, b *time.Time) bool {
	if a == nil { return false }
	if b == nil { return true }
	return a.After(*b)
}

func assigneeName(t domain.Ticket) string {
	if strings.TrimSpace(t.Assignee) == "" { return "Unassigned" }
	return t.Assignee
}
