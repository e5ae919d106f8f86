package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"draftline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	if userID == "" {
		return errors.New("user_id required")
	}
	exec := execer(r.DB, tx)
	_, err := exec(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var name sql.NullString
	var budget sql.NullFloat64
	var rateMax sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id, display_name, daily_budget_usd, rate_limit_max, created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &name, &budget, &rateMax, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if name.Valid {
		u.DisplayName = name.String
	}
	if budget.Valid {
		v := budget.Float64
		u.DailyBudgetUSD = &v
	}
	if rateMax.Valid {
		v := int(rateMax.Int64)
		u.RateLimitMax = &v
	}
	return u, nil
}

func (r Repo) UpdateUserLimits(ctx context.Context, id string, dailyBudgetUSD *float64, rateLimitMax *int) error {
	var (
		fields []string
		args   []any
	)
	if dailyBudgetUSD != nil {
		fields = append(fields, "daily_budget_usd=?")
		args = append(args, *dailyBudgetUSD)
	}
	if rateLimitMax != nil {
		fields = append(fields, "rate_limit_max=?")
		args = append(args, *rateLimitMax)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,owner_id,title,content,status,active_phase_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Title, p.Content, p.Status, nullableStringPtr(p.ActivePhaseID), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var content sql.NullString
	var active sql.NullString
	err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &content, &p.Status, &active, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if content.Valid {
		p.Content = content.String
	}
	if active.Valid {
		v := active.String
		p.ActivePhaseID = &v
	}
	return p, nil
}

const projectColumns = `id,owner_id,title,content,status,active_phase_id,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var content, active sql.NullString
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &content, &p.Status, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if content.Valid {
			p.Content = content.String
		}
		if active.Valid {
			v := active.String
			p.ActivePhaseID = &v
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectActivePhase moves the project's active-phase pointer and status in one update.
func (r Repo) SetProjectActivePhaseTx(ctx context.Context, tx *sql.Tx, projectID, phaseID, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET active_phase_id=?, status=?, updated_at=? WHERE id=?`,
		phaseID, status, now, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(id,project_id,type,status,output,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
		ph.ID, ph.ProjectID, ph.Type, ph.Status, nullableStringPtr(ph.Output), ph.CreatedAt, ph.UpdatedAt, nullableStringPtr(ph.CompletedAt))
	return err
}

const phaseColumns = `id,project_id,type,status,output,created_at,updated_at,completed_at`

func scanPhaseRow(scan func(dest ...any) error) (domain.Phase, error) {
	var ph domain.Phase
	var output, completed sql.NullString
	if err := scan(&ph.ID, &ph.ProjectID, &ph.Type, &ph.Status, &output, &ph.CreatedAt, &ph.UpdatedAt, &completed); err != nil {
		return ph, err
	}
	if output.Valid {
		v := output.String
		ph.Output = &v
	}
	if completed.Valid {
		v := completed.String
		ph.CompletedAt = &v
	}
	return ph, nil
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE id=?`, id)
	ph, err := scanPhaseRow(row.Scan)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	return ph, err
}

func (r Repo) listPhases(ctx context.Context, q queryer, projectID string) ([]domain.Phase, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var phases []domain.Phase
	for rows.Next() {
		ph, err := scanPhaseRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		phases = append(phases, ph)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(phases, func(i, j int) bool {
		return domain.PhaseIndex(phases[i].Type) < domain.PhaseIndex(phases[j].Type)
	})
	return phases, nil
}

// LoadProjectWithPhases returns the project and its phases in canonical order.
func (r Repo) LoadProjectWithPhases(ctx context.Context, id string) (domain.Project, []domain.Phase, error) {
	p, err := r.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, nil, err
	}
	phases, err := r.listPhases(ctx, r.DB, id)
	if err != nil {
		return domain.Project{}, nil, err
	}
	return p, phases, nil
}

func (r Repo) LoadProjectWithPhasesTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, []domain.Phase, error) {
	p, err := r.GetProjectTx(ctx, tx, id)
	if err != nil {
		return domain.Project{}, nil, err
	}
	phases, err := r.listPhases(ctx, tx, id)
	if err != nil {
		return domain.Project{}, nil, err
	}
	return p, phases, nil
}

// UpdatePhaseStatus sets status and completed_at together; a nil completedAt clears the column.
func (r Repo) UpdatePhaseStatusTx(ctx context.Context, tx *sql.Tx, phaseID, status string, completedAt *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, completed_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), now, phaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePhaseOutputTx(ctx context.Context, tx *sql.Tx, phaseID, output, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET output=?, updated_at=? WHERE id=?`,
		nullable(output), now, phaseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, eventType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if eventType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, eventType)
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id), 0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execer(db *sql.DB, tx *sql.Tx) func(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext
	}
	return db.ExecContext
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
