// Package apikey validates collector API keys against PostgreSQL. Raw keys
// are generated with crypto/rand, stored as SHA-256 hashes, and presented by
// embedding applications on every ingest request. Each key carries a rate
// limit and an optional pinned origin so a leaked key cannot be replayed
// from another site.
//
// It requires the following table:
//
//	CREATE TABLE api_keys (
//	    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	    key_hash   TEXT NOT NULL UNIQUE,
//	    name       TEXT NOT NULL,
//	    origin     TEXT,
//	    rate_limit INT NOT NULL DEFAULT 100,
//	    is_active  BOOLEAN NOT NULL DEFAULT true,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    expires_at TIMESTAMPTZ
//	);
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oaklinehq/content-telemetry/pkg/postgres"
)

var (
	ErrInvalidKey   = errors.New("invalid api key")
	ErrExpiredKey   = errors.New("api key expired")
	ErrOriginDenied = errors.New("origin not allowed for api key")
)

// KeyInfo holds metadata about a validated API key.
type KeyInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Origin    string     `json:"origin,omitempty"`
	RateLimit int        `json:"rate_limit"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validator validates API keys against the api_keys table in PostgreSQL.
type Validator struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewValidator creates a new API key validator backed by PostgreSQL.
func NewValidator(db *postgres.Client) *Validator {
	return &Validator{
		db:     db,
		logger: slog.Default().With("component", "apikey-validator"),
	}
}

// Validate checks a raw API key and the request origin against the database.
// origin may be empty for non-browser clients; keys with a pinned origin
// reject such requests. Returns KeyInfo on success, or ErrInvalidKey,
// ErrExpiredKey, or ErrOriginDenied on failure.
func (v *Validator) Validate(ctx context.Context, rawKey, origin string) (*KeyInfo, error) {
	hash := HashKey(rawKey)

	var info KeyInfo
	var keyOrigin sql.NullString
	var expiresAt sql.NullTime

	err := v.db.DB.QueryRowContext(ctx,
		`SELECT id, name, origin, rate_limit, is_active, created_at, expires_at
		 FROM api_keys
		 WHERE key_hash = $1 AND is_active = true`,
		hash,
	).Scan(&info.ID, &info.Name, &keyOrigin, &info.RateLimit, &info.IsActive, &info.CreatedAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}

	if expiresAt.Valid {
		if expiresAt.Time.Before(time.Now()) {
			return nil, ErrExpiredKey
		}
		info.ExpiresAt = &expiresAt.Time
	}
	if keyOrigin.Valid && keyOrigin.String != "" {
		info.Origin = keyOrigin.String
		if origin != keyOrigin.String {
			return nil, ErrOriginDenied
		}
	}

	return &info, nil
}

// CreateKey generates a new API key, stores its hash, and returns the raw key.
// The raw key is returned only once and cannot be retrieved again. origin may
// be empty to accept requests from anywhere.
func (v *Validator) CreateKey(ctx context.Context, name, origin string, rateLimit int, expiresAt *time.Time) (string, error) {
	rawKey := generateRawKey()
	hash := HashKey(rawKey)

	var expiry sql.NullTime
	if expiresAt != nil {
		expiry = sql.NullTime{Time: *expiresAt, Valid: true}
	}

	_, err := v.db.DB.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, name, origin, rate_limit, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		hash, name, origin, rateLimit, expiry,
	)
	if err != nil {
		return "", fmt.Errorf("creating api key: %w", err)
	}

	v.logger.Info("api key created", "name", name, "origin", origin, "rate_limit", rateLimit)
	return rawKey, nil
}

// RevokeKey deactivates an API key so it can no longer be used.
func (v *Validator) RevokeKey(ctx context.Context, id string) error {
	result, err := v.db.DB.ExecContext(ctx,
		`UPDATE api_keys SET is_active = false WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidKey
	}

	v.logger.Info("api key revoked", "id", id)
	return nil
}

// ListKeys returns all active API keys (without the raw key / hash).
func (v *Validator) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	rows, err := v.db.DB.QueryContext(ctx,
		`SELECT id, name, origin, rate_limit, is_active, created_at, expires_at FROM api_keys WHERE is_active = true ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var k KeyInfo
		var keyOrigin sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &keyOrigin, &k.RateLimit, &k.IsActive, &k.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		if keyOrigin.Valid {
			k.Origin = keyOrigin.String
		}
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Time
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// HashKey returns the SHA-256 hex digest of a raw API key.
func HashKey(raw string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(raw)))
}

// generateRawKey returns a cryptographically random 32-byte hex-encoded string
// suitable for use as an API key.
func generateRawKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
