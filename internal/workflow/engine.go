package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/repo"
)

var (
	ErrAlreadyFinal = errors.New("workflow already at final phase")
	ErrAlreadyFirst = errors.New("workflow already at first phase")
)

// InvalidTransitionError reports a phase-rule violation.
type InvalidTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// IntegrityError reports a project whose phases violate the single-ACTIVE rule.
type IntegrityError struct {
	ProjectID   string
	ActiveCount int
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("project %s has %d active phases", e.ProjectID, e.ActiveCount)
}

// projectLocks hands out one mutex per project so transitions on the same
// project serialize while independent projects stay concurrent.
type projectLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *projectLocks) lockFor(projectID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	lk, ok := l.m[projectID]
	if !ok {
		lk = &sync.Mutex{}
		l.m[projectID] = lk
	}
	return lk
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	locks *projectLocks
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
		locks:  &projectLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Reachable lists the phase types a workflow may legally move to from
// currentType: every earlier phase, the immediate successor, and the
// skip-forward targets beyond it.
func Reachable(currentType string) []string {
	idx := domain.PhaseIndex(currentType)
	if idx < 0 {
		return nil
	}
	var out []string
	for i, t := range domain.PhaseOrder {
		if i == idx {
			continue
		}
		out = append(out, t)
	}
	return out
}

// allowedWithoutSkip reports whether from->to is legal without an explicit
// skip: any step backward, or exactly one step forward.
func allowedWithoutSkip(fromIdx, toIdx int) bool {
	return toIdx < fromIdx || toIdx == fromIdx+1
}

type ProjectCreateOptions struct {
	ID      string
	OwnerID string
	Title   string
	Content string
}

// InitProject creates a project with one phase row per canonical type,
// IDEATION active.
func (e Engine) InitProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, []domain.Phase, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Project{}, nil, errors.New("owner is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Project{}, nil, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)

	phases := make([]domain.Phase, 0, len(domain.PhaseOrder))
	for i, t := range domain.PhaseOrder {
		status := domain.PhasePending
		if i == 0 {
			status = domain.PhaseActive
		}
		phases = append(phases, domain.Phase{
			ID:        uuid.NewString(),
			ProjectID: id,
			Type:      t,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	active := phases[0].ID
	p := domain.Project{
		ID:            id,
		OwnerID:       opts.OwnerID,
		Title:         opts.Title,
		Content:       opts.Content,
		Status:        domain.ProjectDraft,
		ActivePhaseID: &active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureUser(ctx, tx, opts.OwnerID, now); err != nil {
		return domain.Project{}, nil, fmt.Errorf("ensure user: %w", err)
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, nil, fmt.Errorf("insert project: %w", err)
	}
	for _, ph := range phases {
		if err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			return domain.Project{}, nil, fmt.Errorf("insert phase %s: %w", ph.Type, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.OwnerID, events.EventPayload{
		"title":  p.Title,
		"status": p.Status,
	}); err != nil {
		return domain.Project{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, nil, err
	}
	return p, phases, nil
}

// activePhase returns the single ACTIVE phase, or an error describing why
// there is not exactly one.
func activePhase(p domain.Project, phases []domain.Phase) (domain.Phase, error) {
	var found []domain.Phase
	for _, ph := range phases {
		if ph.Status == domain.PhaseActive {
			found = append(found, ph)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		if p.Status == domain.ProjectCompleted {
			return domain.Phase{}, fmt.Errorf("project %s active phase: %w", p.ID, repo.ErrNotFound)
		}
		return domain.Phase{}, IntegrityError{ProjectID: p.ID, ActiveCount: 0}
	default:
		return domain.Phase{}, IntegrityError{ProjectID: p.ID, ActiveCount: len(found)}
	}
}

func buildState(p domain.Project, phases []domain.Phase) (domain.WorkflowState, error) {
	current, err := activePhase(p, phases)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	st := domain.WorkflowState{
		ProjectID:     p.ID,
		ProjectStatus: p.Status,
		CurrentPhase:  current,
		Phases:        phases,
		Reachable:     Reachable(current.Type),
	}
	for _, ph := range phases {
		switch ph.Status {
		case domain.PhaseCompleted:
			st.Completed = append(st.Completed, ph.Type)
		case domain.PhasePending:
			st.Pending = append(st.Pending, ph.Type)
		}
	}
	return st, nil
}

// GetState derives the workflow state from a fresh read; it is never cached.
func (e Engine) GetState(ctx context.Context, projectID string) (domain.WorkflowState, error) {
	p, phases, err := e.Repo.LoadProjectWithPhases(ctx, projectID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	return buildState(p, phases)
}

// Progress summarizes phase completion for a project.
func (e Engine) Progress(ctx context.Context, projectID string) (domain.Progress, error) {
	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return domain.Progress{}, err
	}
	total := len(st.Phases)
	completed := len(st.Completed)
	var pct float64
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	return domain.Progress{
		TotalPhases:        total,
		CompletedPhases:    completed,
		CurrentPhaseIndex:  domain.PhaseIndex(st.CurrentPhase.Type),
		ProgressPercentage: pct,
	}, nil
}

type TransitionOptions struct {
	ProjectID      string
	To             string
	SkipValidation bool
	ActorID        string
}

// Transition moves the active phase, validating the jump unless
// SkipValidation is set.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.WorkflowState, error) {
	lk := e.locks.lockFor(opts.ProjectID)
	lk.Lock()
	defer lk.Unlock()
	return e.transitionLocked(ctx, opts)
}

func (e Engine) transitionLocked(ctx context.Context, opts TransitionOptions) (domain.WorkflowState, error) {
	toIdx := domain.PhaseIndex(opts.To)
	if toIdx < 0 {
		return domain.WorkflowState{}, InvalidTransitionError{To: opts.To, Reason: "unknown phase type"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	defer tx.Rollback()

	p, phases, err := e.Repo.LoadProjectWithPhasesTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	current, err := activePhase(p, phases)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkflowState{}, ErrAlreadyFinal
		}
		return domain.WorkflowState{}, err
	}
	fromIdx := domain.PhaseIndex(current.Type)
	if toIdx == fromIdx {
		return domain.WorkflowState{}, InvalidTransitionError{From: current.Type, To: opts.To, Reason: "phase is already active"}
	}
	if !opts.SkipValidation && !allowedWithoutSkip(fromIdx, toIdx) {
		return domain.WorkflowState{}, InvalidTransitionError{From: current.Type, To: opts.To, Reason: "forward jump requires an explicit skip"}
	}

	var target domain.Phase
	for _, ph := range phases {
		if ph.Type == opts.To {
			target = ph
			break
		}
	}
	if target.ID == "" {
		return domain.WorkflowState{}, fmt.Errorf("phase %s for project %s: %w", opts.To, opts.ProjectID, repo.ErrNotFound)
	}

	now := e.now().UTC().Format(time.RFC3339)
	if toIdx > fromIdx {
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, current.ID, domain.PhaseCompleted, &now, now); err != nil {
			return domain.WorkflowState{}, fmt.Errorf("complete phase %s: %w", current.Type, err)
		}
	} else {
		if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, current.ID, domain.PhasePending, nil, now); err != nil {
			return domain.WorkflowState{}, fmt.Errorf("reopen phase %s: %w", current.Type, err)
		}
	}
	if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, target.ID, domain.PhaseActive, nil, now); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("activate phase %s: %w", target.Type, err)
	}
	if err := e.Repo.SetProjectActivePhaseTx(ctx, tx, opts.ProjectID, target.ID, domain.ProjectInProgress, now); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("set active phase: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseTransitioned, opts.ProjectID, "phase", target.ID, opts.ActorID, events.EventPayload{
		"from":            current.Type,
		"to":              opts.To,
		"skip_validation": opts.SkipValidation,
	}); err != nil {
		return domain.WorkflowState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowState{}, err
	}
	return e.GetState(ctx, opts.ProjectID)
}

// Next advances to the immediate successor. At the final phase it marks the
// project COMPLETED and reports ErrAlreadyFinal; callers treat that as a
// terminal signal, not a retryable failure.
func (e Engine) Next(ctx context.Context, projectID, actorID string) (domain.WorkflowState, error) {
	lk := e.locks.lockFor(projectID)
	lk.Lock()
	defer lk.Unlock()
	return e.nextLocked(ctx, projectID, actorID, false)
}

func (e Engine) nextLocked(ctx context.Context, projectID, actorID string, completeCurrent bool) (domain.WorkflowState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	defer tx.Rollback()

	p, phases, err := e.Repo.LoadProjectWithPhasesTx(ctx, tx, projectID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	current, err := activePhase(p, phases)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.WorkflowState{}, ErrAlreadyFinal
		}
		return domain.WorkflowState{}, err
	}
	idx := domain.PhaseIndex(current.Type)
	if idx == len(domain.PhaseOrder)-1 {
		now := e.now().UTC().Format(time.RFC3339)
		if completeCurrent {
			if err := e.Repo.UpdatePhaseStatusTx(ctx, tx, current.ID, domain.PhaseCompleted, &now, now); err != nil {
				return domain.WorkflowState{}, fmt.Errorf("complete phase %s: %w", current.Type, err)
			}
		}
		if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.ProjectCompleted, now); err != nil {
			return domain.WorkflowState{}, fmt.Errorf("complete project: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.TypeWorkflowCompleted, projectID, "project", projectID, actorID, nil); err != nil {
			return domain.WorkflowState{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.WorkflowState{}, err
		}
		return domain.WorkflowState{}, ErrAlreadyFinal
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return domain.WorkflowState{}, err
	}
	return e.transitionLocked(ctx, TransitionOptions{
		ProjectID: projectID,
		To:        domain.PhaseOrder[idx+1],
		ActorID:   actorID,
	})
}

// Previous steps back to the immediate predecessor, re-opening it.
func (e Engine) Previous(ctx context.Context, projectID, actorID string) (domain.WorkflowState, error) {
	lk := e.locks.lockFor(projectID)
	lk.Lock()
	defer lk.Unlock()

	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	idx := domain.PhaseIndex(st.CurrentPhase.Type)
	if idx == 0 {
		return domain.WorkflowState{}, ErrAlreadyFirst
	}
	return e.transitionLocked(ctx, TransitionOptions{
		ProjectID: projectID,
		To:        domain.PhaseOrder[idx-1],
		ActorID:   actorID,
	})
}

// SkipTo jumps to any phase in either direction.
func (e Engine) SkipTo(ctx context.Context, projectID, target, actorID string) (domain.WorkflowState, error) {
	return e.Transition(ctx, TransitionOptions{
		ProjectID:      projectID,
		To:             target,
		SkipValidation: true,
		ActorID:        actorID,
	})
}

// Complete marks the current phase COMPLETED and advances. Completing the
// final phase finishes the project and reports ErrAlreadyFinal.
func (e Engine) Complete(ctx context.Context, projectID, actorID string) (domain.WorkflowState, error) {
	lk := e.locks.lockFor(projectID)
	lk.Lock()
	defer lk.Unlock()
	return e.nextLocked(ctx, projectID, actorID, true)
}

// SetPhaseOutput stores the opaque output payload on one of the project's
// phases.
func (e Engine) SetPhaseOutput(ctx context.Context, projectID, phaseType, output string) error {
	_, phases, err := e.Repo.LoadProjectWithPhases(ctx, projectID)
	if err != nil {
		return err
	}
	for _, ph := range phases {
		if ph.Type == phaseType {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			now := e.now().UTC().Format(time.RFC3339)
			if err := e.Repo.UpdatePhaseOutputTx(ctx, tx, ph.ID, output, now); err != nil {
				return err
			}
			return tx.Commit()
		}
	}
	return fmt.Errorf("phase %s for project %s: %w", phaseType, projectID, repo.ErrNotFound)
}
