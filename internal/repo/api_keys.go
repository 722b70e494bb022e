package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"smartop/internal/domain"
)

const apiKeyColumns = `id, company_id, user_id, COALESCE(name,''), key_hash, created_at, last_used_at, revoked_at`

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a key for a user of key.CompanyID. KeyHash must already
// hold the hashed secret.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return domain.ValidationError{Field: "id", Reason: "required"}
	case key.KeyHash == "":
		return domain.ValidationError{Field: "key_hash", Reason: "required"}
	}
	if _, err := r.GetUser(ctx, key.UserID, key.CompanyID); err != nil {
		return err
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, company_id, user_id, name, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.CompanyID, key.UserID, nullable(key.Name), key.KeyHash, formatTime(key.CreatedAt))
	return err
}

// LookupAPIKey resolves a presented secret to its active key and records the
// use. Revoked and unknown secrets are indistinguishable to the caller.
func (r Repo) LookupAPIKey(ctx context.Context, secret string, now time.Time) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`, HashAPIKey(secret))
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, domain.NotFoundError{Kind: "api_key", ID: "presented"}
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, formatTime(now), key.ID); err != nil {
		return domain.APIKey{}, err
	}
	key.LastUsedAt = &now
	return key, nil
}

// ListAPIKeys returns the company's keys, newest first, optionally for one user.
func (r Repo) ListAPIKeys(ctx context.Context, companyID, userID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE company_id=?`
	args := []any{companyID}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key unusable. The row stays for audit.
func (r Repo) RevokeAPIKey(ctx context.Context, id, companyID string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND company_id=? AND revoked_at IS NULL`,
		formatTime(now), id, companyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "api_key", ID: id}
	}
	return nil
}

func scanAPIKey(s rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var created string
	var used, revoked sql.NullString
	if err := s.Scan(&key.ID, &key.CompanyID, &key.UserID, &key.Name, &key.KeyHash, &created, &used, &revoked); err != nil {
		return key, err
	}
	var err error
	if key.CreatedAt, err = parseTime(created); err != nil {
		return key, err
	}
	if key.LastUsedAt, err = timePtr(used); err != nil {
		return key, err
	}
	key.RevokedAt, err = timePtr(revoked)
	return key, err
}
