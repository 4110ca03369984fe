package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
	identifier TEXT NOT NULL,
	query_key  TEXT NOT NULL,
	content    TEXT NOT NULL,
	PRIMARY KEY (identifier, query_key)
)`

// queries builds the statements shared by both SQL backends
type queries struct {
	dialect goqu.DialectWrapper
	table   string
}

func (q queries) selectContent(identifier, queryKey string) (string, []interface{}, error) {
	return q.dialect.From(q.table).
		Select("content").
		Where(goqu.Ex{"identifier": identifier, "query_key": queryKey}).
		Prepared(true).
		ToSQL()
}

func (q queries) upsertContent(identifier, queryKey, text string) (string, []interface{}, error) {
	return q.dialect.Insert(q.table).
		Rows(goqu.Record{"identifier": identifier, "query_key": queryKey, "content": text}).
		OnConflict(goqu.DoUpdate("identifier, query_key", goqu.Record{"content": goqu.L("excluded.content")})).
		Prepared(true).
		ToSQL()
}

// SQLiteStore reads content from a SQLite table
type SQLiteStore struct {
	db *sql.DB
	q  queries
}

// NewSQLiteStore opens the SQLite file at path and ensures the table exists
func NewSQLiteStore(path, table string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite content store: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf(createTableSQL, table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create content table: %w", err)
	}

	return &SQLiteStore{db: db, q: queries{dialect: goqu.Dialect("sqlite3"), table: table}}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, identifier, queryKey string) (string, error) {
	query, args, err := s.q.selectContent(identifier, queryKey)
	if err != nil {
		return "", err
	}

	var text string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (s *SQLiteStore) Save(ctx context.Context, identifier, queryKey, text string) error {
	query, args, err := s.q.upsertContent(identifier, queryKey, text)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PostgresStore reads content from a Postgres table through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
	q    queries
}

// NewPostgresStore connects to databaseURL and ensures the table exists
func NewPostgresStore(ctx context.Context, databaseURL, table string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(createTableSQL, table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create content table: %w", err)
	}

	return &PostgresStore{pool: pool, q: queries{dialect: goqu.Dialect("postgres"), table: table}}, nil
}

func (s *PostgresStore) Load(ctx context.Context, identifier, queryKey string) (string, error) {
	query, args, err := s.q.selectContent(identifier, queryKey)
	if err != nil {
		return "", err
	}

	var text string
	err = s.pool.QueryRow(ctx, query, args...).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (s *PostgresStore) Save(ctx context.Context, identifier, queryKey, text string) error {
	query, args, err := s.q.upsertContent(identifier, queryKey, text)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, args...)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
