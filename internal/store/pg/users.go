package pg

import (
	"context"
	"database/sql"
	"time"

	"centralauth.org/internal/auth"
)

type users struct{ db *sql.DB }

const userColumns = `id, email, username, password_hash, first_name, last_name, phone_number,
	is_active, email_verified, mfa_secret, mfa_enabled, last_login_at, metadata, created_at, updated_at`

func scanUser(row scanner) (*auth.User, error) {
	var (
		u                          auth.User
		first, last, phone, secret sql.NullString
		lastLogin                  sql.NullTime
		rawMeta                    []byte
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &first, &last, &phone,
		&u.Active, &u.EmailVerified, &secret, &u.MFAEnabled, &lastLogin, &rawMeta, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	u.FirstName, u.LastName, u.PhoneNumber, u.MFASecret = first.String, last.String, phone.String, secret.String
	u.LastLoginAt = timePtr(lastLogin)
	meta, err := decodeJSON(rawMeta)
	if err != nil {
		return nil, err
	}
	u.Metadata = meta
	return &u, nil
}

func (r users) Create(ctx context.Context, u *auth.User, initial *auth.RoleAssignment) error {
	meta, err := encodeJSON(u.Metadata)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into users (id, email, username, password_hash, first_name, last_name, phone_number,
			is_active, email_verified, metadata, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID, u.Email, u.Username, u.PasswordHash, nullIfEmpty(u.FirstName), nullIfEmpty(u.LastName),
		nullIfEmpty(u.PhoneNumber), u.Active, u.EmailVerified, meta, u.CreatedAt, u.UpdatedAt); err != nil {
		return mapErr(err)
	}
	if initial != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (id, user_id, role_id, assigned_by, assigned_at, expires_at)
			values ($1, $2, $3, $4, $5, $6)
		`, initial.ID, u.ID, initial.RoleID, nullIfEmpty(initial.AssignedBy), initial.AssignedAt,
			nullTime(initial.ExpiresAt)); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit()
}

func (r users) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (r users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
}

func (r users) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = $3 where id = $1
	`, id, passwordHash, at))
}

func (r users) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `
		update users set is_active = $2, updated_at = $3 where id = $1
	`, id, active, at))
}

func (r users) SetMFA(ctx context.Context, id, secret string, enabled bool, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `
		update users set mfa_secret = $2, mfa_enabled = $3, updated_at = $4 where id = $1
	`, id, nullIfEmpty(secret), enabled, at))
}

func (r users) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `update users set last_login_at = $2 where id = $1`, id, at))
}

// Delete relies on foreign keys: sessions, assignments and reset tokens
// cascade, audit references are set to null.
func (r users) Delete(ctx context.Context, id string) error {
	return expectOne(r.db.ExecContext(ctx, `delete from users where id = $1`, id))
}
