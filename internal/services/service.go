/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
	"github.com/madpin/jiraviz/internal/domain"
	"github.com/madpin/jiraviz/internal/repo"
)

type JiraClient interface {
	ProjectTickets(ctx context.Context, projectKey string) ([]domain.Ticket, error)
	Myself(ctx context.Context) (domain.UserIdentity, error)
	CreateTicket(ctx context.Context, projectKey string, t domain.Ticket) (string, error)
	UpdateTicket(ctx context.Context, key string, fields map[string]any) error
	DeleteTicket(ctx context.Context, key string) error
	AddComment(ctx context.Context, key, body string) error
}

type LLM interface {
	EmbedProvider
	SummarizeTicket(ctx context.Context, t domain.Ticket) (string, error)
}

type Service struct {
	cfg    config.Config
	log    zerolog.Logger
	repo   *repo.Repository
	jira   JiraClient
	llm    LLM
	cache  *EmbeddingCache
	sorter *Sorter

	mu       sync.Mutex
	identity *domain.UserIdentity
}

func New(cfg config.Config, log zerolog.Logger, r *repo.Repository, jira JiraClient, llm LLM) *Service {
	var store EmbeddingStore
	if r != nil { store = r }
	batcher := NewBatcher(llm, cfg.EmbedTokenCeiling)
	cache := NewEmbeddingCache(batcher, store, log)
	sorter := NewSorter(cache, cfg.SimilarityThreshold, log)
	return &Service{cfg: cfg, log: log, repo: r, jira: jira, llm: llm, cache: cache, sorter: sorter}
}

// RefreshAll syncs every configured project from Jira into Postgres, with
// sync-run bookkeeping.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	runID, err := s.repo.StartSyncRun(ctx, strings.Join(s.cfg.JiraProjects, ","))
	if err != nil { s.log.Error().Err(err).Msg("start sync run failed") }
	var scanned int
	var syncErr error
	defer func() {
		if runID != 0 {
			note := ""
			if syncErr != nil { note = syncErr.Error() }
			_ = s.repo.FinishSyncRun(ctx, runID, scanned, syncErr == nil, note)
		}
	}()
	for _, p := range s.cfg.JiraProjects {
		n, err := s.RefreshProject(ctx, p)
		scanned += n
		if err != nil {
			syncErr = fmt.Errorf("project %s: %w", p, err)
			return scanned, syncErr
		}
	}
	return scanned, nil
}

// RefreshProject fetches the project's flat ticket set and upserts it with a
// bounded worker pool.
func (s *Service) RefreshProject(ctx context.Context, projectKey string) (int, error) {
	tickets, err := s.jira.ProjectTickets(ctx, projectKey)
	if err != nil { return 0, err }
	workerCount := s.cfg.WorkersSync
	if workerCount <= 0 { workerCount = 6 }
	jobs := make(chan domain.Ticket)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				if err := s.repo.UpsertTicket(ctx, projectKey, t); err != nil {
					s.log.Error().Err(err).Str("key", t.Key).Msg("upsert ticket failed")
				}
			}
		}()
	}
	for _, t := range tickets { jobs <- t }
	close(jobs)
	wg.Wait()
	s.log.Info().Str("project", projectKey).Int("tickets", len(tickets)).Msg("project refreshed")
	return len(tickets), nil
}

// SortedTickets returns the project's tickets in the requested order. For
// smart mode with no explicit user, the tracker's current identity supplies
// the ownership email.
func (s *Service) SortedTickets(ctx context.Context, projectKey string, mode domain.SortMode, userEmail string) (SortResult, error) {
	tickets, err := s.repo.ListTickets(ctx, projectKey)
	if err != nil { return SortResult{}, err }
	if mode == domain.SortSmart && userEmail == "" { userEmail = s.currentUserEmail(ctx) }
	return s.sorter.Sort(ctx, tickets, mode, userEmail), nil
}

// TreeResult is the forest plus what order it was built from.
type TreeResult struct {
	domain.Forest
	Mode     domain.SortMode `json:"mode"`
	FellBack bool            `json:"fellBack,omitempty"`
}

// Tree returns the sorted forest for a project: sorting happens first, tree
// building consumes the already-ordered flat list.
func (s *Service) Tree(ctx context.Context, projectKey string, mode domain.SortMode, userEmail string, opts TreeOptions) (TreeResult, error) {
	res, err := s.SortedTickets(ctx, projectKey, mode, userEmail)
	if err != nil { return TreeResult{}, err }
	forest := BuildTree(res.Tickets, opts)
	return TreeResult{Forest: forest, Mode: res.Mode, FellBack: res.FellBack}, nil
}

func (s *Service) currentUserEmail(ctx context.Context) string {
	s.mu.Lock()
	cached := s.identity
	s.mu.Unlock()
	if cached != nil { return cached.Email }
	me, err := s.jira.Myself(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("resolve current user failed; owned tier will be empty")
		return ""
	}
	s.mu.Lock()
	s.identity = &me
	s.mu.Unlock()
	return me.Email
}

// Summarize produces an LLM summary for one ticket.
func (s *Service) Summarize(ctx context.Context, key string) (string, error) {
	t, err := s.repo.GetTicketByKey(ctx, key)
	if err != nil { return "", err }
	if t == nil { return "", fmt.Errorf("ticket %s not found", key) }
	return s.llm.SummarizeTicket(ctx, *t)
}

func (s *Service) CreateTicket(ctx context.Context, projectKey string, t domain.Ticket) (string, error) {
	key, err := s.jira.CreateTicket(ctx, projectKey, t)
	if err != nil { return "", err }
	t.Key = key
	if t.ID == "" { t.ID = key }
	if err := s.repo.UpsertTicket(ctx, projectKey, t); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("local upsert after create failed")
	}
	return key, nil
}

func (s *Service) UpdateTicket(ctx context.Context, key string, fields map[string]any) error {
	if err := s.jira.UpdateTicket(ctx, key, fields); err != nil { return err }
	// text changes invalidate the cached vector; the next similarity pass
	// recomputes it from the refreshed row
	if _, ok := fields["summary"]; !ok {
		if _, ok = fields["description"]; !ok { return nil }
	}
	if t, err := s.repo.GetTicketByKey(ctx, key); err == nil && t != nil {
		if err := s.repo.DeleteEmbedding(ctx, t.ID); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("embedding invalidation failed")
		}
	}
	return nil
}

func (s *Service) DeleteTicket(ctx context.Context, key string) error {
	if err := s.jira.DeleteTicket(ctx, key); err != nil { return err }
	if t, err := s.repo.GetTicketByKey(ctx, key); err == nil && t != nil {
		_ = s.repo.DeleteEmbedding(ctx, t.ID)
	}
	return s.repo.DeleteTicketByKey(ctx, key)
}

func (s *Service) AddComment(ctx context.Context, key, body string) error {
	return s.jira.AddComment(ctx, key, body)
}

func (s *Service) ClearEmbeddingCache(ctx context.Context) { s.cache.Clear(ctx) }

func (s *Service) EmbeddingAvailability(ctx context.Context) Availability {
	return CheckAvailability(ctx, s.llm)
}

func (s *Service) LastSync(ctx context.Context) (*domain.SyncRun, error) {
	return s.repo.LastSyncRun(ctx)
}
