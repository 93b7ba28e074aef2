package pg

import (
	"context"
	"database/sql"
	"time"

	"centralauth.org/internal/auth"
)

type sessions struct{ db *sql.DB }

const sessionColumns = `id, user_id, application_id, access_token_hash, refresh_token_hash,
	source_address, client_info, issued_at, expires_at, last_activity_at`

func scanSession(row scanner) (*auth.Session, error) {
	var (
		s                   auth.Session
		app, source, client sql.NullString
	)
	if err := row.Scan(&s.ID, &s.UserID, &app, &s.AccessTokenHash, &s.RefreshTokenHash,
		&source, &client, &s.IssuedAt, &s.ExpiresAt, &s.LastActivityAt); err != nil {
		return nil, mapErr(err)
	}
	s.ApplicationID, s.SourceAddress, s.ClientInfo = app.String, source.String, client.String
	return &s, nil
}

func (r sessions) Create(ctx context.Context, s *auth.Session) error {
	_, err := r.db.ExecContext(ctx, `
		insert into sessions (id, user_id, application_id, access_token_hash, refresh_token_hash,
			source_address, client_info, issued_at, expires_at, last_activity_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.UserID, s.ApplicationID, s.AccessTokenHash, s.RefreshTokenHash,
		nullIfEmpty(s.SourceAddress), nullIfEmpty(s.ClientInfo), s.IssuedAt, s.ExpiresAt, s.LastActivityAt)
	return mapErr(err)
}

func (r sessions) Find(ctx context.Context, id string) (*auth.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
}

func (r sessions) FindByAccessHash(ctx context.Context, hash string) (*auth.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where access_token_hash = $1`, hash))
}

func (r sessions) FindByRefreshHash(ctx context.Context, hash string) (*auth.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where refresh_token_hash = $1`, hash))
}

func (r sessions) Touch(ctx context.Context, id string, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `update sessions set last_activity_at = $2 where id = $1`, id, at))
}

// Rotate is a single conditional update keyed by the old refresh digest, so
// two concurrent refreshes cannot both succeed.
func (r sessions) Rotate(ctx context.Context, oldRefreshHash string, rot auth.SessionRotation) (*auth.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		update sessions
		set access_token_hash = $2, refresh_token_hash = $3, expires_at = $4, last_activity_at = $5
		where refresh_token_hash = $1 and expires_at > $5
		returning `+sessionColumns,
		oldRefreshHash, rot.AccessTokenHash, rot.RefreshTokenHash, rot.ExpiresAt, rot.RotatedAt))
}

func (r sessions) DeleteForUser(ctx context.Context, id, userID string) error {
	return expectOne(r.db.ExecContext(ctx, `delete from sessions where id = $1 and user_id = $2`, id, userID))
}

func (r sessions) DeleteByAccessHash(ctx context.Context, hash string) (*auth.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		delete from sessions where access_token_hash = $1 returning `+sessionColumns, hash))
}

func (r sessions) DeleteAllExcept(ctx context.Context, userID, keepID string) (int64, error) {
	return affected(r.db.ExecContext(ctx, `
		delete from sessions where user_id = $1 and id <> $2
	`, userID, keepID))
}

func (r sessions) ListActive(ctx context.Context, userID string, now time.Time) ([]auth.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where user_id = $1 and expires_at > $2
		order by last_activity_at desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r sessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return affected(r.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now))
}
