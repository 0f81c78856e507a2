package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/radagast/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 15
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.TenantID, r.Agent,
			r.Provider, r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			boolToInt(r.Estimated), r.FallbackDepth, boolToInt(r.Streamed),
			r.LatencyMs, r.Status,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, tenant_id, agent, provider, model,
		 prompt_tokens, completion_tokens, total_tokens,
		 estimated, fallback_depth, streamed, latency_ms, status, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter.
func (s *Store) QueryUsage(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, request_id, tenant_id, agent, provider, model,
		prompt_tokens, completion_tokens, total_tokens,
		estimated, fallback_depth, streamed, latency_ms, status, created_at
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var estimated, streamed int
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.TenantID, &r.Agent,
			&r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&estimated, &r.FallbackDepth, &streamed, &r.LatencyMs, &r.Status,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.Estimated = estimated != 0
		r.Streamed = streamed != 0
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountUsage returns the count of usage records matching the filter.
func (s *Store) CountUsage(ctx context.Context, f gateway.UsageFilter) (int, error) {
	where, args := usageWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records`+where, args...,
	).Scan(&n)
	return n, err
}

func usageWhere(f gateway.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UpsertRollup inserts or updates hourly rollup rows in a single transaction
// with a prepared statement for efficiency.
func (s *Store) UpsertRollup(ctx context.Context, rollups []gateway.UsageRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_rollups (tenant_id, provider, model, bucket,
		 request_count, prompt_tokens, completion_tokens, total_tokens, error_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, provider, model, bucket) DO UPDATE SET
		 request_count = request_count + excluded.request_count,
		 prompt_tokens = prompt_tokens + excluded.prompt_tokens,
		 completion_tokens = completion_tokens + excluded.completion_tokens,
		 total_tokens = total_tokens + excluded.total_tokens,
		 error_count = error_count + excluded.error_count`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rollups {
		if _, err := stmt.ExecContext(ctx,
			r.TenantID, r.Provider, r.Model, r.Bucket,
			r.RequestCount, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.ErrorCount,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryRollups returns rollups matching the filter. Limit and Offset are
// ignored; rollup cardinality stays small by construction.
func (s *Store) QueryRollups(ctx context.Context, f gateway.UsageFilter) ([]gateway.UsageRollup, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "bucket >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "bucket < ?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT tenant_id, provider, model, bucket,
		 request_count, prompt_tokens, completion_tokens, total_tokens, error_count
		 FROM usage_rollups`+where+` ORDER BY bucket DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRollup
	for rows.Next() {
		var r gateway.UsageRollup
		err := rows.Scan(&r.TenantID, &r.Provider, &r.Model, &r.Bucket,
			&r.RequestCount, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.ErrorCount)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
