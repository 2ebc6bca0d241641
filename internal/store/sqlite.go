package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/zapbridge/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		connector_id TEXT,
		connector_token TEXT,
		workflow_webhook_url TEXT,
		auto_reply INTEGER NOT NULL DEFAULT 0,
		system_prompt TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	query := `
		SELECT user_id, email, is_admin, created_at, updated_at
		FROM profiles WHERE user_id = ?`

	var p domain.Profile
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Email, &p.IsAdmin, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// UpsertProfile creates or updates a profile.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	query := `
	INSERT INTO profiles (user_id, email, is_admin, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		email = excluded.email,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		p.UserID, p.Email, p.IsAdmin,
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// SetAdmin updates the role flag of a profile.
func (s *SQLiteStore) SetAdmin(ctx context.Context, userID string, isAdmin bool) error {
	query := `UPDATE profiles SET is_admin = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, isAdmin, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update is_admin: %w", err)
	}
	return requireAffected(result, "profile", userID)
}

const instanceColumns = `id, name, owner_id, connector_id, connector_token,
	workflow_webhook_url, auto_reply, system_prompt, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var inst domain.Instance
	var connectorID, connectorToken, webhookURL, systemPrompt sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&inst.ID, &inst.Name, &inst.OwnerID, &connectorID, &connectorToken,
		&webhookURL, &inst.AutoReply, &systemPrompt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	inst.ConnectorID = connectorID.String
	inst.ConnectorToken = connectorToken.String
	inst.WorkflowWebhookURL = webhookURL.String
	inst.SystemPrompt = systemPrompt.String
	inst.CreatedAt = time.Unix(createdAt, 0)
	inst.UpdatedAt = time.Unix(updatedAt, 0)
	return &inst, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateInstance inserts a new instance.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *domain.Instance) error {
	query := `INSERT INTO instances (` + instanceColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.Name, inst.OwnerID,
		nullable(inst.ConnectorID), nullable(inst.ConnectorToken),
		nullable(inst.WorkflowWebhookURL), inst.AutoReply, nullable(inst.SystemPrompt),
		inst.CreatedAt.Unix(), inst.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("instance %q: %w", inst.Name, ErrDuplicate)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by name.
func (s *SQLiteStore) GetInstance(ctx context.Context, name string) (*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE name = ?`

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan instance row: %w", err)
	}
	return inst, nil
}

// ListInstances lists instances ordered by creation time.
func (s *SQLiteStore) ListInstances(ctx context.Context, ownerID string) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close instance rows", "error", closeErr)
		}
	}()

	instances := []*domain.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

// UpdateInstance saves the mutable settings of an instance.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	query := `
		UPDATE instances SET
			workflow_webhook_url = ?, auto_reply = ?, system_prompt = ?, updated_at = ?
		WHERE name = ?`

	result, err := s.db.ExecContext(ctx, query,
		nullable(inst.WorkflowWebhookURL), inst.AutoReply, nullable(inst.SystemPrompt),
		inst.UpdatedAt.Unix(), inst.Name,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	return requireAffected(result, "instance", inst.Name)
}

// DeleteInstance removes an instance by name.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return requireAffected(result, "instance", name)
}

func requireAffected(result sql.Result, kind, key string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Write affected 0 rows", "kind", kind, "key", key)
		return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
	}
	return nil
}
