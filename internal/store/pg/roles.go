package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"centralauth.org/internal/auth"
)

type roles struct{ db *sql.DB }

const roleColumns = `id, name, description, is_system, config, created_at, updated_at`

func scanRole(row scanner) (*auth.Role, error) {
	var (
		r       auth.Role
		desc    sql.NullString
		rawConf []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &desc, &r.IsSystem, &rawConf, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	r.Description = desc.String
	conf, err := decodeJSON(rawConf)
	if err != nil {
		return nil, err
	}
	r.Config = conf
	return &r, nil
}

func (s roles) Create(ctx context.Context, r *auth.Role) error {
	conf, err := encodeJSON(r.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (id, name, description, is_system, config, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Name, nullIfEmpty(r.Description), r.IsSystem, conf, r.CreatedAt, r.UpdatedAt)
	return mapErr(err)
}

func (s roles) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
}

func (s roles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
}

func (s roles) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// Update never touches system roles, whatever the caller checked.
func (s roles) Update(ctx context.Context, r *auth.Role) error {
	conf, err := encodeJSON(r.Config)
	if err != nil {
		return err
	}
	return expectOne(s.db.ExecContext(ctx, `
		update roles set name = $2, description = $3, config = $4, updated_at = $5
		where id = $1 and not is_system
	`, r.ID, r.Name, nullIfEmpty(r.Description), conf, r.UpdatedAt))
}

func (s roles) Delete(ctx context.Context, id string) error {
	return expectOne(s.db.ExecContext(ctx, `delete from roles where id = $1 and not is_system`, id))
}

func (s roles) BindPermission(ctx context.Context, rp *auth.RolePermission) error {
	constraints, err := encodeJSON(rp.Constraints)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into role_permissions (role_id, permission_id, constraints, created_at)
		values ($1, $2, $3, $4)
		on conflict (role_id, permission_id) do update
		set constraints = excluded.constraints
		returning created_at
	`, rp.RoleID, rp.PermissionID, constraints, rp.CreatedAt).Scan(&rp.CreatedAt)
	return mapErr(err)
}

func (s roles) UnbindPermission(ctx context.Context, roleID, permissionID string) error {
	return expectOne(s.db.ExecContext(ctx, `
		delete from role_permissions where role_id = $1 and permission_id = $2
	`, roleID, permissionID))
}

func (s roles) ListPermissions(ctx context.Context, roleID string) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+prefixed("p", permissionColumns)+`
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s roles) PermissionNames(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roleIDs))
	args := make([]any, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id in (`+strings.Join(placeholders, ", ")+`)
		order by p.name
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type permissions struct{ db *sql.DB }

const permissionColumns = `id, name, resource_type, action, description, created_at`

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanPermission(row scanner) (*auth.Permission, error) {
	var (
		p                  auth.Permission
		res, action, descr sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Name, &res, &action, &descr, &p.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	p.ResourceType, p.Action, p.Description = res.String, action.String, descr.String
	return &p, nil
}

func collectPermissions(rows *sql.Rows) ([]auth.Permission, error) {
	var result []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s permissions) Create(ctx context.Context, p *auth.Permission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permissions (id, name, resource_type, action, description, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, nullIfEmpty(p.ResourceType), nullIfEmpty(p.Action), nullIfEmpty(p.Description), p.CreatedAt)
	return mapErr(err)
}

func (s permissions) Find(ctx context.Context, id string) (*auth.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id))
}

func (s permissions) FindByName(ctx context.Context, name string) (*auth.Permission, error) {
	return scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where name = $1`, name))
}

func (s permissions) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `select `+permissionColumns+` from permissions order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}
