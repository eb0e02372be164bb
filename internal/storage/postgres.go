package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"ledgerstore/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    type_name TEXT NOT NULL,
    id TEXT NOT NULL,
    data JSONB NOT NULL,
    PRIMARY KEY (type_name, id)
);

CREATE TABLE IF NOT EXISTS locks (
    type_name TEXT NOT NULL,
    id TEXT NOT NULL,
    holder TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (type_name, id)
);

CREATE TABLE IF NOT EXISTS users (
    username TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    rights JSONB NOT NULL DEFAULT '[]'
);
`

// InitPostgres opens a PostgreSQL connection, verifies it and creates
// the schema if needed.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// Postgres implements Backend against a PostgreSQL database. Records
// are stored as jsonb documents; lock checks rely on row locking so
// that Persist's check-then-write is a single critical section per key.
type Postgres struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgres creates a Postgres backend over the given connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

// Get implements Backend.
func (p *Postgres) Get(ctx context.Context, typeName, id string) ([]byte, error) {
	var data []byte
	err := p.DB.QueryRowContext(ctx,
		`SELECT data FROM records WHERE type_name = $1 AND id = $2`,
		typeName, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", typeName, id, err)
	}
	return data, nil
}

// GetAll implements Backend.
func (p *Postgres) GetAll(ctx context.Context, typeName string) ([][]byte, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT data FROM records WHERE type_name = $1 ORDER BY id`,
		typeName,
	)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", typeName, err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

// GetWhere implements Backend by translating the filter into a jsonb
// query. Conditions are combined left to right.
func (p *Postgres) GetWhere(ctx context.Context, typeName string, keys, ops, values, conjunctions []string) ([][]byte, error) {
	if len(keys) != len(ops) || len(keys) != len(values) {
		return nil, fmt.Errorf("mismatched filter lengths: %d keys, %d ops, %d values", len(keys), len(ops), len(values))
	}
	if len(keys) == 0 {
		return p.GetAll(ctx, typeName)
	}
	if len(keys) > 1 && len(conjunctions) < len(keys)-1 {
		return nil, fmt.Errorf("missing conjunctions: %d conditions, %d conjunctions", len(keys), len(conjunctions))
	}

	args := []any{typeName}
	expr := ""
	for i := range keys {
		args = append(args, keys[i], values[i])
		kp, vp := len(args)-1, len(args)
		var cond string
		switch ops[i] {
		case "=":
			cond = fmt.Sprintf("data->>$%d = $%d", kp, vp)
		case ">=":
			cond = fmt.Sprintf("(data->>$%d)::numeric >= $%d::numeric", kp, vp)
		default:
			return nil, fmt.Errorf("unsupported operator %q", ops[i])
		}
		if i == 0 {
			expr = cond
			continue
		}
		conj := conjunctions[i-1]
		if conj != "AND" && conj != "OR" {
			return nil, fmt.Errorf("unsupported conjunction %q", conj)
		}
		expr = "(" + expr + " " + conj + " " + cond + ")"
	}

	query := `SELECT data FROM records WHERE type_name = $1 AND (` + expr + `) ORDER BY id`
	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get where %s: %w", typeName, err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

func scanDocs(rows *sql.Rows) ([][]byte, error) {
	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// Count implements Backend.
func (p *Postgres) Count(ctx context.Context, typeName string) (int64, error) {
	var n int64
	err := p.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE type_name = $1`,
		typeName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", typeName, err)
	}
	return n, nil
}

// Persist implements Backend. The lock row is read FOR UPDATE inside a
// transaction so a concurrent lock change cannot slip between the
// check and the write.
func (p *Postgres) Persist(ctx context.Context, holder, typeName, id string, data []byte) (bool, error) {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lockHolder string
	err = tx.QueryRowContext(ctx,
		`SELECT holder FROM locks WHERE type_name = $1 AND id = $2 FOR UPDATE`,
		typeName, id,
	).Scan(&lockHolder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check lock: %w", err)
	}
	if err == nil && lockHolder != holder {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (type_name, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (type_name, id) DO UPDATE SET data = EXCLUDED.data
	`, typeName, id, data)
	if err != nil {
		return false, fmt.Errorf("persist %s/%s: %w", typeName, id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Remove implements Backend.
func (p *Postgres) Remove(ctx context.Context, typeName, id string) error {
	_, err := p.DB.ExecContext(ctx,
		`DELETE FROM records WHERE type_name = $1 AND id = $2`,
		typeName, id,
	)
	if err != nil {
		return fmt.Errorf("remove %s/%s: %w", typeName, id, err)
	}
	return nil
}

// CreateLock implements Backend. The upsert is a single atomic
// statement; xmax = 0 distinguishes a fresh insert from a conflict.
func (p *Postgres) CreateLock(ctx context.Context, typeName, id, holder string) (LockStatus, error) {
	var current string
	var inserted bool
	err := p.DB.QueryRowContext(ctx, `
		INSERT INTO locks (type_name, id, holder) VALUES ($1, $2, $3)
		ON CONFLICT (type_name, id) DO UPDATE SET holder = locks.holder
		RETURNING holder, (xmax = 0) AS inserted
	`, typeName, id, holder).Scan(&current, &inserted)
	if err != nil {
		return LockDenied, fmt.Errorf("create lock %s/%s: %w", typeName, id, err)
	}
	switch {
	case inserted:
		return LockAcquired, nil
	case current == holder:
		return LockAlreadyHeld, nil
	default:
		return LockDenied, nil
	}
}

// RemoveLock implements Backend.
func (p *Postgres) RemoveLock(ctx context.Context, typeName, id string) error {
	_, err := p.DB.ExecContext(ctx,
		`DELETE FROM locks WHERE type_name = $1 AND id = $2`,
		typeName, id,
	)
	if err != nil {
		return fmt.Errorf("remove lock %s/%s: %w", typeName, id, err)
	}
	return nil
}

// HasLock implements Backend.
func (p *Postgres) HasLock(ctx context.Context, typeName, id string) (bool, error) {
	var exists bool
	err := p.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM locks WHERE type_name = $1 AND id = $2)`,
		typeName, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has lock %s/%s: %w", typeName, id, err)
	}
	return exists, nil
}

// IsLockedForUser implements Backend.
func (p *Postgres) IsLockedForUser(ctx context.Context, user, typeName, id string) (bool, error) {
	var exists bool
	err := p.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM locks WHERE type_name = $1 AND id = $2 AND holder <> $3)`,
		typeName, id, user,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is locked for user %s/%s: %w", typeName, id, err)
	}
	return exists, nil
}

// LockHolder implements Backend.
func (p *Postgres) LockHolder(ctx context.Context, typeName, id string) (string, error) {
	var holder string
	err := p.DB.QueryRowContext(ctx,
		`SELECT holder FROM locks WHERE type_name = $1 AND id = $2`,
		typeName, id,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock holder %s/%s: %w", typeName, id, err)
	}
	return holder, nil
}

// User implements Backend.
func (p *Postgres) User(ctx context.Context, username string) (*models.UserProfile, error) {
	var profile models.UserProfile
	var rights []byte
	err := p.DB.QueryRowContext(ctx,
		`SELECT username, password_hash, rights FROM users WHERE username = $1`,
		username,
	).Scan(&profile.Username, &profile.PasswordHash, &rights)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}
	if err := json.Unmarshal(rights, &profile.Rights); err != nil {
		return nil, fmt.Errorf("decode rights for %s: %w", username, err)
	}
	return &profile, nil
}

// SaveUser implements Backend.
func (p *Postgres) SaveUser(ctx context.Context, profile *models.UserProfile) error {
	rights, err := json.Marshal(profile.Rights)
	if err != nil {
		return fmt.Errorf("encode rights for %s: %w", profile.Username, err)
	}
	_, err = p.DB.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, rights) VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			rights = EXCLUDED.rights
	`, profile.Username, profile.PasswordHash, rights)
	if err != nil {
		return fmt.Errorf("save user %s: %w", profile.Username, err)
	}
	return nil
}
