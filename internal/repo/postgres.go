/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
	"github.com/madpin/jiraviz/internal/domain"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

// EnsureSchema bootstraps the tables on startup; safe to run repeatedly.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tickets(
			id TEXT PRIMARY KEY,
			key TEXT UNIQUE NOT NULL,
			project TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			issue_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			status_category TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			assignee_email TEXT NOT NULL DEFAULT '',
			reporter TEXT NOT NULL DEFAULT '',
			reporter_email TEXT NOT NULL DEFAULT '',
			created_at_src TIMESTAMPTZ,
			updated_at_src TIMESTAMPTZ,
			parent_id TEXT NOT NULL DEFAULT '',
			parent_key TEXT NOT NULL DEFAULT '',
			labels TEXT[] NOT NULL DEFAULT '{}',
			components TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS tickets_project_idx ON tickets(project)`,
		`CREATE TABLE IF NOT EXISTS ticket_embeddings(
			ticket_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			vector FLOAT8[] NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sync_runs(
			id BIGSERIAL PRIMARY KEY,
			projects TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			finished_at TIMESTAMPTZ,
			tickets_scanned INT NOT NULL DEFAULT 0,
			ok BOOLEAN NOT NULL DEFAULT false,
			note TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, q := range stmts {
		if _, err := r.db.Pool.Exec(ctx, q); err != nil { return err }
	}
	return nil
}

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil { return errors.New("advisory unlock returned false") }
	return err
}

func (r *Repository) UpsertTicket(ctx context.Context, project string, t domain.Ticket) error {
	const q = `
		INSERT INTO tickets(id, key, project, summary, description, issue_type, status,
			status_category, priority, assignee, assignee_email, reporter, reporter_email,
			created_at_src, updated_at_src, parent_id, parent_key, labels, components)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT(key) DO UPDATE SET
			id=EXCLUDED.id,
			project=EXCLUDED.project,
			summary=EXCLUDED.summary,
			description=EXCLUDED.description,
			issue_type=EXCLUDED.issue_type,
			status=EXCLUDED.status,
			status_category=EXCLUDED.status_category,
			priority=EXCLUDED.priority,
			assignee=EXCLUDED.assignee,
			assignee_email=EXCLUDED.assignee_email,
			reporter=EXCLUDED.reporter,
			reporter_email=EXCLUDED.reporter_email,
			created_at_src=EXCLUDED.created_at_src,
			updated_at_src=EXCLUDED.updated_at_src,
			parent_id=EXCLUDED.parent_id,
			parent_key=EXCLUDED.parent_key,
			labels=EXCLUDED.labels,
			components=EXCLUDED.components`
	labels := t.Labels
	if labels == nil { labels = []string{} }
	components := t.Components
	if components == nil { components = []string{} }
	_, err := r.db.Pool.Exec(ctx, q, t.ID, t.Key, project, t.Summary, t.Description, t.IssueType,
		t.Status, t.StatusCategory, t.Priority, t.Assignee, t.AssigneeEmail, t.Reporter,
		t.ReporterEmail, t.Created, t.Updated, t.ParentID, t.ParentKey, labels, components)
	return err
}

func (r *Repository) ListTickets(ctx context.Context, project string) ([]domain.Ticket, error) {
	const q = `
		SELECT id, key, summary, description, issue_type, status, status_category, priority,
			assignee, assignee_email, reporter, reporter_email, created_at_src, updated_at_src,
			parent_id, parent_key, labels, components
		FROM tickets WHERE project=$1 ORDER BY key`
	rows, err := r.db.Pool.Query(ctx, q, project)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		if err := rows.Scan(&t.ID, &t.Key, &t.Summary, &t.Description, &t.IssueType, &t.Status,
			&t.StatusCategory, &t.Priority, &t.Assignee, &t.AssigneeEmail, &t.Reporter,
			&t.ReporterEmail, &t.Created, &t.Updated, &t.ParentID, &t.ParentKey,
			&t.Labels, &t.Components); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) GetTicketByKey(ctx context.Context, key string) (*domain.Ticket, error) {
	const q = `
		SELECT id, key, summary, description, issue_type, status, status_category, priority,
			assignee, assignee_email, reporter, reporter_email, created_at_src, updated_at_src,
			parent_id, parent_key, labels, components
		FROM tickets WHERE key=$1`
	var t domain.Ticket
	err := r.db.Pool.QueryRow(ctx, q, key).Scan(&t.ID, &t.Key, &t.Summary, &t.Description,
		&t.IssueType, &t.Status, &t.StatusCategory, &t.Priority, &t.Assignee, &t.AssigneeEmail,
		&t.Reporter, &t.ReporterEmail, &t.Created, &t.Updated, &t.ParentID, &t.ParentKey,
		&t.Labels, &t.Components)
	if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
	if err != nil { return nil, err }
	return &t, nil
}

func (r *Repository) DeleteTicketByKey(ctx context.Context, key string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM tickets WHERE key=$1`, key)
	return err
}

// LoadEmbedding returns the persisted vector for a ticket, or nil when no
// vector is stored or the stored one was computed from different text.
func (r *Repository) LoadEmbedding(ctx context.Context, ticketID, fingerprint string) ([]float64, error) {
	var vec []float64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT vector FROM ticket_embeddings WHERE ticket_id=$1 AND fingerprint=$2`,
		ticketID, fingerprint).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
	if err != nil { return nil, err }
	return vec, nil
}

func (r *Repository) StoreEmbedding(ctx context.Context, ticketID, fingerprint string, vec []float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO ticket_embeddings(ticket_id, fingerprint, vector, updated_at)
		VALUES($1,$2,$3,now())
		ON CONFLICT(ticket_id) DO UPDATE SET
			fingerprint=EXCLUDED.fingerprint,
			vector=EXCLUDED.vector,
			updated_at=now()`,
		ticketID, fingerprint, vec)
	return err
}

func (r *Repository) DeleteEmbedding(ctx context.Context, ticketID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM ticket_embeddings WHERE ticket_id=$1`, ticketID)
	return err
}

func (r *Repository) ClearEmbeddings(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM ticket_embeddings`)
	return err
}

func (r *Repository) StartSyncRun(ctx context.Context, projects string) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO sync_runs(projects, started_at) VALUES($1, now()) RETURNING id`,
		projects).Scan(&id)
	return id, err
}

func (r *Repository) FinishSyncRun(ctx context.Context, id int64, scanned int, ok bool, note string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE sync_runs SET finished_at=now(), tickets_scanned=$2, ok=$3, note=$4 WHERE id=$1`,
		id, scanned, ok, note)
	return err
}

func (r *Repository) LastSyncRun(ctx context.Context) (*domain.SyncRun, error) {
	var run domain.SyncRun
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, projects, started_at, finished_at, tickets_scanned, ok, note
		FROM sync_runs ORDER BY id DESC LIMIT 1`).Scan(
		&run.ID, &run.Projects, &run.StartedAt, &run.FinishedAt, &run.TicketsScanned, &run.OK, &run.Note)
	if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
	if err != nil { return nil, err }
	return &run, nil
}
