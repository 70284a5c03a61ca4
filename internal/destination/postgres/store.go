// Package postgres stores raw items and articles in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/story-pipeline/internal/destination"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	RawTable        string
	ArticleTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type conn interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements destination.Destination.
type Store struct {
	pool     conn
	ids      pipeline.IDGenerator
	raw      string
	articles string
}

// New connects to Postgres.
func New(ctx context.Context, cfg Config, ids pipeline.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("destination.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, ids, cfg.RawTable, cfg.ArticleTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a Store on an existing pool (primarily for testing).
func NewWithPool(pool conn, ids pipeline.IDGenerator, rawTable, articleTable string) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if rawTable == "" {
		rawTable = "raw_items"
	}
	if articleTable == "" {
		articleTable = "articles"
	}
	for _, table := range []string{rawTable, articleTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: pool, ids: ids, raw: rawTable, articles: articleTable}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	link TEXT NOT NULL UNIQUE,
	data JSONB NOT NULL,
	failed_to_process BOOLEAN NOT NULL DEFAULT FALSE,
	trial_times INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.raw),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	raw_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	author_id TEXT,
	content TEXT NOT NULL,
	sub_menu_list_id TEXT,
	tags JSONB,
	excerpt TEXT,
	image_links JSONB,
	archive_uri TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.articles),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateRaw inserts the item. A link that already exists keeps its id.
func (s *Store) CreateRaw(ctx context.Context, item pipeline.CandidateItem) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal raw item: %w", err)
	}
	query, args, err := psql.Insert(s.raw).
		Columns("id", "link", "data").
		Values(id, item.Link, data).
		Suffix("ON CONFLICT (link) DO UPDATE SET link = EXCLUDED.link RETURNING id").
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build raw insert: %w", err)
	}
	var stored string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&stored); err != nil {
		return "", fmt.Errorf("insert raw item: %w", err)
	}
	return stored, nil
}

// GetRaw loads a raw record.
func (s *Store) GetRaw(ctx context.Context, id string) (pipeline.RawRecord, error) {
	query, args, err := psql.Select("id", "link", "data", "failed_to_process", "trial_times").
		From(s.raw).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return pipeline.RawRecord{}, fmt.Errorf("build raw select: %w", err)
	}
	var (
		rec  pipeline.RawRecord
		data []byte
	)
	err = s.pool.QueryRow(ctx, query, args...).Scan(&rec.ID, &rec.Link, &data, &rec.FailedToProcess, &rec.TrialTimes)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.RawRecord{}, fmt.Errorf("%w: %s", destination.ErrNotFound, id)
	}
	if err != nil {
		return pipeline.RawRecord{}, fmt.Errorf("select raw item: %w", err)
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return pipeline.RawRecord{}, fmt.Errorf("decode raw item %s: %w", id, err)
	}
	return rec, nil
}

// MarkFailed flags the record and stores the trial count.
func (s *Store) MarkFailed(ctx context.Context, id string, trials int) error {
	query, args, err := psql.Update(s.raw).
		Set("failed_to_process", true).
		Set("trial_times", trials).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build raw update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update raw item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", destination.ErrNotFound, id)
	}
	return nil
}

// CreateArticle inserts the article once per raw id.
func (s *Store) CreateArticle(ctx context.Context, article pipeline.Article) error {
	tags, err := json.Marshal(nonNil(article.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	images, err := json.Marshal(nonNil(article.ImageLinks))
	if err != nil {
		return fmt.Errorf("marshal image links: %w", err)
	}
	query, args, err := psql.Insert(s.articles).
		Columns("raw_id", "title", "author_id", "content", "sub_menu_list_id", "tags", "excerpt", "image_links", "archive_uri").
		Values(article.RawID, article.Title, article.AuthorID, article.Content, article.SubMenuListID,
			tags, article.Excerpt, images, article.ArchiveURI).
		Suffix("ON CONFLICT (raw_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build article insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
