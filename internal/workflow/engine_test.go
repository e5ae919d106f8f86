package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/workflow"
)

type testEnv struct {
	Engine workflow.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := workflow.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, _, err := eng.InitProject(ctx, workflow.ProjectCreateOptions{
		ID:      "proj-1",
		OwnerID: "tester",
		Title:   "Launch post",
		Content: "Why we built the thing",
	}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestNewProjectStartsAtIdeation(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.CurrentPhase.Type != domain.PhaseIdeation {
		t.Fatalf("expected IDEATION active, got %s", st.CurrentPhase.Type)
	}
	if st.ProjectStatus != domain.ProjectDraft {
		t.Fatalf("expected DRAFT project, got %s", st.ProjectStatus)
	}
	if len(st.Phases) != 4 {
		t.Fatalf("expected 4 phases, got %d", len(st.Phases))
	}
	if len(st.Pending) != 3 {
		t.Fatalf("expected 3 pending, got %v", st.Pending)
	}
	if len(st.Completed) != 0 {
		t.Fatalf("expected no completed, got %v", st.Completed)
	}
	// phases come back in canonical order
	for i, ph := range st.Phases {
		if ph.Type != domain.PhaseOrder[i] {
			t.Fatalf("phase %d: expected %s, got %s", i, domain.PhaseOrder[i], ph.Type)
		}
	}
}

func TestNextWalksPhasesAndFinishesProject(t *testing.T) {
	env := newTestEnv(t)
	want := []string{domain.PhaseRefinement, domain.PhaseMedia, domain.PhaseFactcheck}
	for _, typ := range want {
		st, err := env.Engine.Next(env.Ctx, "proj-1", "tester")
		if err != nil {
			t.Fatalf("next to %s: %v", typ, err)
		}
		if st.CurrentPhase.Type != typ {
			t.Fatalf("expected %s active, got %s", typ, st.CurrentPhase.Type)
		}
		if st.ProjectStatus != domain.ProjectInProgress {
			t.Fatalf("expected IN_PROGRESS, got %s", st.ProjectStatus)
		}
	}
	// at the final phase the next call finishes the project instead
	_, err := env.Engine.Next(env.Ctx, "proj-1", "tester")
	if !errors.Is(err, workflow.ErrAlreadyFinal) {
		t.Fatalf("expected ErrAlreadyFinal, got %v", err)
	}
	st, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.ProjectStatus != domain.ProjectCompleted {
		t.Fatalf("expected COMPLETED project, got %s", st.ProjectStatus)
	}
	if st.CurrentPhase.Type != domain.PhaseFactcheck {
		t.Fatalf("expected FACTCHECK still active, got %s", st.CurrentPhase.Type)
	}
	// earlier phases carry completion timestamps
	for _, ph := range st.Phases {
		if ph.Type == domain.PhaseFactcheck {
			continue
		}
		if ph.Status != domain.PhaseCompleted || ph.CompletedAt == nil {
			t.Fatalf("phase %s: expected COMPLETED with timestamp, got %s", ph.Type, ph.Status)
		}
	}
}

func TestPreviousAtFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Previous(env.Ctx, "proj-1", "tester")
	if !errors.Is(err, workflow.ErrAlreadyFirst) {
		t.Fatalf("expected ErrAlreadyFirst, got %v", err)
	}
	// state untouched
	st, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.CurrentPhase.Type != domain.PhaseIdeation || st.ProjectStatus != domain.ProjectDraft {
		t.Fatalf("expected untouched state, got %s/%s", st.CurrentPhase.Type, st.ProjectStatus)
	}
}

func TestForwardJumpRequiresSkip(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Transition(env.Ctx, workflow.TransitionOptions{
		ProjectID: "proj-1",
		To:        domain.PhaseFactcheck,
		ActorID:   "tester",
	})
	var invalid workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	st, err := env.Engine.SkipTo(env.Ctx, "proj-1", domain.PhaseFactcheck, "tester")
	if err != nil {
		t.Fatalf("skip to FACTCHECK: %v", err)
	}
	if st.CurrentPhase.Type != domain.PhaseFactcheck {
		t.Fatalf("expected FACTCHECK active, got %s", st.CurrentPhase.Type)
	}
	// the origin completes, skipped intermediates stay pending
	for _, ph := range st.Phases {
		switch ph.Type {
		case domain.PhaseIdeation:
			if ph.Status != domain.PhaseCompleted {
				t.Fatalf("expected IDEATION completed, got %s", ph.Status)
			}
		case domain.PhaseRefinement, domain.PhaseMedia:
			if ph.Status != domain.PhasePending {
				t.Fatalf("expected %s pending, got %s", ph.Type, ph.Status)
			}
		}
	}
}

func TestBackwardTransitionReopensPhase(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Next(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("next: %v", err)
	}
	st, err := env.Engine.Previous(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if st.CurrentPhase.Type != domain.PhaseIdeation {
		t.Fatalf("expected IDEATION active, got %s", st.CurrentPhase.Type)
	}
	if st.CurrentPhase.CompletedAt != nil {
		t.Fatalf("expected cleared completion timestamp on reactivated phase")
	}
	for _, ph := range st.Phases {
		if ph.Type == domain.PhaseRefinement {
			if ph.Status != domain.PhasePending || ph.CompletedAt != nil {
				t.Fatalf("expected REFINEMENT reset to pending, got %s", ph.Status)
			}
		}
	}
}

func TestReachableExcludesCurrent(t *testing.T) {
	got := workflow.Reachable(domain.PhaseRefinement)
	want := []string{domain.PhaseIdeation, domain.PhaseMedia, domain.PhaseFactcheck}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if workflow.Reachable("UNKNOWN") != nil {
		t.Fatalf("expected nil for unknown phase")
	}
}

func TestCompleteAdvancesThenFinishes(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.Complete(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if st.CurrentPhase.Type != domain.PhaseRefinement {
		t.Fatalf("expected REFINEMENT active, got %s", st.CurrentPhase.Type)
	}
	if len(st.Completed) != 1 || st.Completed[0] != domain.PhaseIdeation {
		t.Fatalf("expected IDEATION completed, got %v", st.Completed)
	}
	// run to the end: completing the final phase finishes the project
	if _, err := env.Engine.SkipTo(env.Ctx, "proj-1", domain.PhaseFactcheck, "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	_, err = env.Engine.Complete(env.Ctx, "proj-1", "tester")
	if !errors.Is(err, workflow.ErrAlreadyFinal) {
		t.Fatalf("expected ErrAlreadyFinal, got %v", err)
	}
	p, phases, err := env.Engine.Repo.LoadProjectWithPhases(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Status != domain.ProjectCompleted {
		t.Fatalf("expected COMPLETED project, got %s", p.Status)
	}
	for _, ph := range phases {
		if ph.Type == domain.PhaseFactcheck && ph.Status != domain.PhaseCompleted {
			t.Fatalf("expected final phase completed, got %s", ph.Status)
		}
	}
}

func TestSamePhaseTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Transition(env.Ctx, workflow.TransitionOptions{
		ProjectID:      "proj-1",
		To:             domain.PhaseIdeation,
		SkipValidation: true,
		ActorID:        "tester",
	})
	var invalid workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestUnknownPhaseTypeRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Transition(env.Ctx, workflow.TransitionOptions{
		ProjectID: "proj-1",
		To:        "PUBLISH",
		ActorID:   "tester",
	})
	var invalid workflow.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestUnknownProjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetState(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = env.Engine.Next(env.Ctx, "missing", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateIntegrityDetection(t *testing.T) {
	env := newTestEnv(t)
	// corrupt the project: force a second phase active
	_, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE phases SET status='ACTIVE' WHERE project_id='proj-1' AND type='MEDIA'`)
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_, err = env.Engine.GetState(env.Ctx, "proj-1")
	var integrity workflow.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integrity.ActiveCount != 2 {
		t.Fatalf("expected 2 active reported, got %d", integrity.ActiveCount)
	}
}

func TestProgressTracking(t *testing.T) {
	env := newTestEnv(t)
	prog, err := env.Engine.Progress(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if prog.CompletedPhases != 0 || prog.ProgressPercentage != 0 || prog.CurrentPhaseIndex != 0 {
		t.Fatalf("unexpected initial progress: %+v", prog)
	}
	if _, err := env.Engine.Next(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("next: %v", err)
	}
	prog, err = env.Engine.Progress(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if prog.CompletedPhases != 1 || prog.CurrentPhaseIndex != 1 {
		t.Fatalf("unexpected progress after next: %+v", prog)
	}
	if prog.ProgressPercentage != 25 {
		t.Fatalf("expected 25%%, got %v", prog.ProgressPercentage)
	}
}

func TestTransitionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.Next(env.Ctx, "proj-1", "tester")
	_, _ = env.Engine.Previous(env.Ctx, "proj-1", "tester")
	rows, err := env.Engine.DB.QueryContext(env.Ctx,
		`SELECT count(*) FROM events WHERE project_id='proj-1' AND type='phase.transitioned'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 2 {
		t.Fatalf("expected 2 transition events, got %d", count)
	}
}

func TestConcurrentTransitionsKeepOneActive(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _ = env.Engine.Next(env.Ctx, "proj-1", "tester")
				_, _ = env.Engine.Previous(env.Ctx, "proj-1", "tester")
			}
		}()
	}
	wg.Wait()
	st, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get state after churn: %v", err)
	}
	active := 0
	for _, ph := range st.Phases {
		if ph.Status == domain.PhaseActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active phase, got %d", active)
	}
}
