package pg

import (
	"context"
	"database/sql"
	"time"

	"centralauth.org/internal/auth"
)

type applications struct{ db *sql.DB }

const applicationColumns = `id, name, app_key, secret_hash, description, config, is_active, created_at, updated_at`

func scanApplication(row scanner) (*auth.Application, error) {
	var (
		a       auth.Application
		desc    sql.NullString
		rawConf []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Key, &a.SecretHash, &desc, &rawConf, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	a.Description = desc.String
	conf, err := decodeJSON(rawConf)
	if err != nil {
		return nil, err
	}
	a.Config = conf
	return &a, nil
}

func (r applications) Create(ctx context.Context, a *auth.Application) error {
	conf, err := encodeJSON(a.Config)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		insert into applications (id, name, app_key, secret_hash, description, config, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Name, a.Key, a.SecretHash, nullIfEmpty(a.Description), conf, a.Active, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (r applications) Find(ctx context.Context, id string) (*auth.Application, error) {
	return scanApplication(r.db.QueryRowContext(ctx, `select `+applicationColumns+` from applications where id = $1`, id))
}

func (r applications) FindByKey(ctx context.Context, key string) (*auth.Application, error) {
	return scanApplication(r.db.QueryRowContext(ctx, `select `+applicationColumns+` from applications where app_key = $1`, key))
}

func (r applications) UpdateSecret(ctx context.Context, id, secretHash string, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `
		update applications set secret_hash = $2, updated_at = $3 where id = $1
	`, id, secretHash, at))
}

func (r applications) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return expectOne(r.db.ExecContext(ctx, `
		update applications set is_active = $2, updated_at = $3 where id = $1
	`, id, active, at))
}

func (r applications) Delete(ctx context.Context, id string) error {
	return expectOne(r.db.ExecContext(ctx, `delete from applications where id = $1`, id))
}
