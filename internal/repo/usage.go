package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"draftline/internal/domain"
)

type UsageFilter struct {
	UserID       string
	ProjectID    string
	AgentVariant string
	Since        string
}

func (f UsageFilter) apply(q sq.SelectBuilder) sq.SelectBuilder {
	if f.UserID != "" {
		q = q.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.ProjectID != "" {
		q = q.Where(sq.Eq{"project_id": f.ProjectID})
	}
	if f.AgentVariant != "" {
		q = q.Where(sq.Eq{"agent_variant": f.AgentVariant})
	}
	if f.Since != "" {
		q = q.Where(sq.GtOrEq{"ts": f.Since})
	}
	return q
}

func (r Repo) InsertUsage(ctx context.Context, rec domain.UsageRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO usage_events(user_id, project_id, agent_variant, model, prompt_tokens, completion_tokens, cost_usd, latency_ms, status, error_kind, ts)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.UserID, rec.ProjectID, rec.AgentVariant, nullable(rec.Model), rec.PromptTokens, rec.CompletionTokens,
		rec.CostUSD, rec.LatencyMS, rec.Status, nullable(rec.ErrorKind), rec.TS)
	return err
}

// AggregateUsage groups dispatch outcomes by agent variant under the filter.
func (r Repo) AggregateUsage(ctx context.Context, f UsageFilter) ([]domain.UsageSummary, error) {
	q := sq.Select(
		"agent_variant",
		"COUNT(*)",
		"COALESCE(SUM(prompt_tokens),0)",
		"COALESCE(SUM(completion_tokens),0)",
		"COALESCE(SUM(cost_usd),0)",
		"COALESCE(AVG(latency_ms),0)",
	).From("usage_events")
	q = f.apply(q).GroupBy("agent_variant").OrderBy("agent_variant ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageSummary
	for rows.Next() {
		var s domain.UsageSummary
		if err := rows.Scan(&s.AgentVariant, &s.Requests, &s.PromptTokens, &s.CompletionTokens, &s.CostUSD, &s.AvgLatencyMS); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListUsage(ctx context.Context, f UsageFilter, limit int) ([]domain.UsageRecord, error) {
	q := sq.Select("id", "user_id", "project_id", "agent_variant", "model", "prompt_tokens", "completion_tokens",
		"cost_usd", "latency_ms", "status", "error_kind", "ts").From("usage_events")
	q = f.apply(q).OrderBy("id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		var model, errorKind sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ProjectID, &rec.AgentVariant, &model, &rec.PromptTokens,
			&rec.CompletionTokens, &rec.CostUSD, &rec.LatencyMS, &rec.Status, &errorKind, &rec.TS); err != nil {
			return nil, err
		}
		if model.Valid {
			rec.Model = model.String
		}
		if errorKind.Valid {
			rec.ErrorKind = errorKind.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
