package pg

import (
	"context"

	"centralauth.org/internal/audit"
)

// Append implements audit.Sink. Rows are insert-only.
func (s *Store) Append(ctx context.Context, rec *audit.Record) error {
	before, err := encodeNullableJSON(rec.Before)
	if err != nil {
		return err
	}
	after, err := encodeNullableJSON(rec.After)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_logs (id, occurred_at, user_id, application_id, action, resource_type, resource_id,
			old_values, new_values, source_address, request_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.OccurredAt, nullIfEmpty(rec.UserID), nullIfEmpty(rec.ApplicationID), rec.Action,
		nullIfEmpty(rec.ResourceType), nullIfEmpty(rec.ResourceID), before, after,
		nullIfEmpty(rec.SourceAddress), nullIfEmpty(rec.RequestID))
	return mapErr(err)
}
