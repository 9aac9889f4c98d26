package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/jmoiron/sqlx"
)

type PostgresAuditRepo struct {
	db *sqlx.DB
}

func NewPostgresAuditRepo(db *sqlx.DB) *PostgresAuditRepo {
	repo := &PostgresAuditRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresAuditRepo) Insert(ctx context.Context, entry *model.AuditRecord) error {
	if entry == nil {
		return nil
	}
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO validation_audit (
			id, user_id, account_id, action, result, details, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.UserID, entry.AccountID, entry.Action, entry.Result, detailsJSON, entry.Timestamp)
	return err
}

func (r *PostgresAuditRepo) List(ctx context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, user_id, account_id, action, result, details, created_at FROM validation_audit`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if filter.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, filter.UserID)
		idx++
	}
	if filter.AccountID != "" {
		clauses = append(clauses, fmt.Sprintf("account_id = $%d", idx))
		args = append(args, filter.AccountID)
		idx++
	}
	if filter.From != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *filter.To)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.AuditRecord, 0, limit)
	for rows.Next() {
		var entry model.AuditRecord
		var detailsJSON []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.AccountID,
			&entry.Action,
			&entry.Result,
			&detailsJSON,
			&entry.Timestamp,
		); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &entry.Details)
		}
		if entry.Details == nil {
			entry.Details = map[string]interface{}{}
		}
		records = append(records, &entry)
	}
	return records, rows.Err()
}

func (r *PostgresAuditRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS validation_audit (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			account_id TEXT,
			action TEXT,
			result TEXT,
			details JSONB,
			created_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_validation_audit_user ON validation_audit(user_id, created_at DESC)`)
	return nil
}

// Cleanup 删除超过保留期的审计记录
func (r *PostgresAuditRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `DELETE FROM validation_audit WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
