package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = time.RFC3339Nano

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS authorization_codes (
	code_hash             TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	subject_id            TEXT NOT NULL,
	expires_at            TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	scopes                TEXT NOT NULL,
	consumed              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	scopes     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_client ON refresh_tokens (client_id);
`

// SQLiteStore persists protocol state in a single SQLite file. The
// one-time-use flips are conditional updates keyed on the unconsumed or
// unrevoked predicate, so concurrent redemptions resolve in the database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveAuthorizationCode persists an authorization code record.
func (s *SQLiteStore) SaveAuthorizationCode(ctx context.Context, code AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes
		(code_hash, client_id, redirect_uri, subject_id, expires_at, code_challenge, code_challenge_method, scopes, consumed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		code.CodeHash, code.ClientID, code.RedirectURI, code.SubjectID,
		code.ExpiresAt.UTC().Format(sqliteTimeFormat),
		code.CodeChallenge, code.CodeChallengeMethod, code.Scopes,
	)
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode fetches an unconsumed code record by digest.
func (s *SQLiteStore) GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	var code AuthorizationCode
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT code_hash, client_id, redirect_uri, subject_id, expires_at, code_challenge, code_challenge_method, scopes
		FROM authorization_codes WHERE code_hash = ? AND consumed = 0`,
		codeHash,
	).Scan(
		&code.CodeHash, &code.ClientID, &code.RedirectURI, &code.SubjectID,
		&expiresAt, &code.CodeChallenge, &code.CodeChallengeMethod, &code.Scopes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}
	expiry, err := time.Parse(sqliteTimeFormat, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse code expiry: %w", err)
	}
	code.ExpiresAt = expiry
	return &code, nil
}

// ConsumeAuthorizationCode flips the consumed flag with a conditional
// update; RowsAffected decides who won.
func (s *SQLiteStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE authorization_codes SET consumed = 1 WHERE code_hash = ? AND consumed = 0`,
		codeHash,
	)
	if err != nil {
		return false, fmt.Errorf("consume authorization code: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SaveRefreshToken persists a refresh token record.
func (s *SQLiteStore) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens
		(token_hash, client_id, subject_id, scopes, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		token.TokenHash, token.ClientID, token.SubjectID, token.Scopes,
		token.CreatedAt.UTC().Format(sqliteTimeFormat),
		token.ExpiresAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken fetches an unrevoked token record by digest and client.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tokenHash, clientID string) (*RefreshToken, error) {
	var token RefreshToken
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, client_id, subject_id, scopes, created_at, expires_at
		FROM refresh_tokens WHERE token_hash = ? AND client_id = ? AND revoked = 0`,
		tokenHash, clientID,
	).Scan(&token.TokenHash, &token.ClientID, &token.SubjectID, &token.Scopes, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	created, err := time.Parse(sqliteTimeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse token created: %w", err)
	}
	expiry, err := time.Parse(sqliteTimeFormat, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse token expiry: %w", err)
	}
	token.CreatedAt = created
	token.ExpiresAt = expiry
	return &token, nil
}

// RevokeRefreshToken flips the revoked flag with a conditional update.
func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tokenHash, clientID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ? AND client_id = ? AND revoked = 0`,
		tokenHash, clientID,
	)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
