package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"centralauth.org/internal/auth"
)

type resetTokens struct{ db *sql.DB }

func (r resetTokens) Create(ctx context.Context, t *auth.PasswordResetToken) error {
	_, err := r.db.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return mapErr(err)
}

// Consume marks the token used with a conditional update, so concurrent
// redemptions race on one row and only the first commits.
func (r resetTokens) Consume(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	err = tx.QueryRowContext(ctx, `
		update password_reset_tokens
		set used_at = $2
		where token_hash = $1 and used_at is null and expires_at > $2
		returning user_id
	`, tokenHash, now).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, auth.ErrNotFound
	}
	if err != nil {
		return "", 0, err
	}
	if err := expectOne(tx.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3 where id = $1
	`, userID, passwordHash, now)); err != nil {
		return "", 0, err
	}
	revoked, err := affected(tx.ExecContext(ctx, `delete from sessions where user_id = $1`, userID))
	if err != nil {
		return "", 0, err
	}
	if err := tx.Commit(); err != nil {
		return "", 0, err
	}
	return userID, revoked, nil
}

func (r resetTokens) FindActive(ctx context.Context, tokenHash string, now time.Time) (*auth.PasswordResetToken, error) {
	var t auth.PasswordResetToken
	err := r.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at
		from password_reset_tokens
		where token_hash = $1 and used_at is null and expires_at > $2
	`, tokenHash, now).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (r resetTokens) DeleteStale(ctx context.Context, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx, `
		delete from password_reset_tokens where used_at is not null or expires_at <= $1
	`, now))
}
