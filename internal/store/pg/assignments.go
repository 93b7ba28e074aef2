package pg

import (
	"context"
	"database/sql"
	"time"

	"centralauth.org/internal/auth"
)

type assignments struct{ db *sql.DB }

// Upsert leans on unique (user_id, role_id); the original id and assigned_at
// survive a re-assignment.
func (s assignments) Upsert(ctx context.Context, a *auth.RoleAssignment) error {
	var (
		assignedBy sql.NullString
		expires    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		insert into user_roles (id, user_id, role_id, assigned_by, assigned_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, role_id) do update
		set expires_at = excluded.expires_at, assigned_by = excluded.assigned_by
		returning id, assigned_by, assigned_at, expires_at
	`, a.ID, a.UserID, a.RoleID, nullIfEmpty(a.AssignedBy), a.AssignedAt, nullTime(a.ExpiresAt)).
		Scan(&a.ID, &assignedBy, &a.AssignedAt, &expires)
	if err != nil {
		return mapErr(err)
	}
	a.AssignedBy = assignedBy.String
	a.ExpiresAt = timePtr(expires)
	return nil
}

func (s assignments) Delete(ctx context.Context, userID, roleID string) error {
	return expectOne(s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID))
}

func (s assignments) ListForUser(ctx context.Context, userID string) ([]auth.RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ur.id, ur.user_id, ur.role_id, r.name, ur.assigned_by, ur.assigned_at, ur.expires_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by ur.assigned_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.RoleAssignment
	for rows.Next() {
		var (
			a          auth.RoleAssignment
			assignedBy sql.NullString
			expires    sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleName, &assignedBy, &a.AssignedAt, &expires); err != nil {
			return nil, err
		}
		a.AssignedBy = assignedBy.String
		a.ExpiresAt = timePtr(expires)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s assignments) UserIDsForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select user_id from user_roles where role_id = $1 order by user_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s assignments) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return affected(s.db.ExecContext(ctx, `
		delete from user_roles where expires_at is not null and expires_at <= $1
	`, now))
}
