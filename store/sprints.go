package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const sprintColumns = `id, project_id, name, COALESCE(goal, ''), start_date, end_date,
	status, velocity, completed_at, created_at, updated_at`

func scanSprint(row pgx.Row) (*Sprint, error) {
	var sp Sprint
	err := row.Scan(&sp.ID, &sp.ProjectID, &sp.Name, &sp.Goal, &sp.StartDate, &sp.EndDate,
		&sp.Status, &sp.Velocity, &sp.CompletedAt, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// GetSprint fetches a sprint by id.
func (s *Store) GetSprint(ctx context.Context, id string) (*Sprint, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id = $1`, id)
	sp, err := scanSprint(row)
	if err != nil {
		return nil, db.MapError(err, "get sprint")
	}
	return sp, nil
}

// ListSprints returns a project's sprints newest first.
func (s *Store) ListSprints(ctx context.Context, projectID string) ([]*Sprint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sprintColumns+` FROM sprints WHERE project_id = $1 ORDER BY start_date DESC
	`, projectID)
	if err != nil {
		return nil, db.MapError(err, "list sprints")
	}
	defer rows.Close()

	var sprints []*Sprint
	for rows.Next() {
		sp, err := scanSprint(rows)
		if err != nil {
			return nil, db.MapError(err, "scan sprint")
		}
		sprints = append(sprints, sp)
	}
	return sprints, db.MapError(rows.Err(), "list sprints")
}

// CreateSprint inserts a planned sprint. Date ordering is checked by the
// database.
func (s *Store) CreateSprint(ctx context.Context, sp *Sprint) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO sprints (project_id, name, goal, start_date, end_date, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, 'planned')
		RETURNING id, status, created_at, updated_at
	`, sp.ProjectID, sp.Name, sp.Goal, sp.StartDate, sp.EndDate)
	return db.MapError(row.Scan(&sp.ID, &sp.Status, &sp.CreatedAt, &sp.UpdatedAt), "create sprint")
}

// StartSprint transitions planned -> active. The partial unique index on
// active sprints per project turns a concurrent second start into a conflict.
func (s *Store) StartSprint(ctx context.Context, id string) (*Sprint, error) {
	var started *Sprint
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT status FROM sprints WHERE id = $1 FOR UPDATE`, id)
		var status SprintStatus
		if err := row.Scan(&status); err != nil {
			return db.MapError(err, "start sprint")
		}
		if status != SprintPlanned {
			return common.E(common.KindConflict, "sprint %s is %s, only planned sprints can start", id, status)
		}

		row = tx.QueryRow(ctx, `
			UPDATE sprints SET status = 'active', updated_at = now()
			WHERE id = $1
			RETURNING `+sprintColumns, id)
		sp, err := scanSprint(row)
		if err != nil {
			return db.MapError(err, "start sprint")
		}
		started = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// CompleteSprint transitions active -> completed, snapshots the sprint's
// tasks, and records velocity as the sum of estimated hours of tasks sitting
// in a terminal stage. Snapshot, velocity, and the status change commit
// together; the snapshot is immutable afterwards.
func (s *Store) CompleteSprint(ctx context.Context, id string) (*Sprint, error) {
	var completed *Sprint
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT status FROM sprints WHERE id = $1 FOR UPDATE`, id)
		var status SprintStatus
		if err := row.Scan(&status); err != nil {
			return db.MapError(err, "complete sprint")
		}
		if status != SprintActive {
			return common.E(common.KindConflict, "sprint %s is %s, only active sprints can complete", id, status)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO sprint_snapshots (sprint_id, task_id, title, stage_id, estimated_hours, completed)
			SELECT $1, t.id, t.title, t.workflow_stage_id, t.estimated_hours, st.terminal
			FROM tasks t
			JOIN workflow_stages st ON st.id = t.workflow_stage_id
			WHERE t.sprint_id = $1
		`, id); err != nil {
			return db.MapError(err, "snapshot sprint tasks")
		}

		row = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(t.estimated_hours), 0)
			FROM tasks t
			JOIN workflow_stages st ON st.id = t.workflow_stage_id
			WHERE t.sprint_id = $1 AND st.terminal
		`, id)
		var velocity float64
		if err := row.Scan(&velocity); err != nil {
			return db.MapError(err, "compute sprint velocity")
		}

		row = tx.QueryRow(ctx, `
			UPDATE sprints SET status = 'completed', velocity = $2, completed_at = now(), updated_at = now()
			WHERE id = $1
			RETURNING `+sprintColumns, id, velocity)
		sp, err := scanSprint(row)
		if err != nil {
			return db.MapError(err, "complete sprint")
		}
		completed = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// CancelSprint transitions planned or active -> cancelled and detaches the
// sprint's tasks so they return to the backlog. No snapshot is taken.
func (s *Store) CancelSprint(ctx context.Context, id string) (*Sprint, error) {
	var cancelled *Sprint
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT status FROM sprints WHERE id = $1 FOR UPDATE`, id)
		var status SprintStatus
		if err := row.Scan(&status); err != nil {
			return db.MapError(err, "cancel sprint")
		}
		if status != SprintPlanned && status != SprintActive {
			return common.E(common.KindConflict, "sprint %s is %s and cannot be cancelled", id, status)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET sprint_id = NULL, updated_at = now() WHERE sprint_id = $1
		`, id); err != nil {
			return db.MapError(err, "detach sprint tasks")
		}

		row = tx.QueryRow(ctx, `
			UPDATE sprints SET status = 'cancelled', updated_at = now()
			WHERE id = $1
			RETURNING `+sprintColumns, id)
		sp, err := scanSprint(row)
		if err != nil {
			return db.MapError(err, "cancel sprint")
		}
		cancelled = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// AssignTaskToSprint attaches a task to a planned or active sprint in the
// same project; nil sprintID detaches.
func (s *Store) AssignTaskToSprint(ctx context.Context, taskID string, sprintID *string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if sprintID != nil {
			row := tx.QueryRow(ctx, `
				SELECT s.status, s.project_id = t.project_id
				FROM sprints s, tasks t
				WHERE s.id = $1 AND t.id = $2
			`, *sprintID, taskID)
			var status SprintStatus
			var sameProject bool
			if err := row.Scan(&status, &sameProject); err != nil {
				return db.MapError(err, "assign task to sprint")
			}
			if !sameProject {
				return common.E(common.KindValidation, "task %s and sprint %s belong to different projects", taskID, *sprintID)
			}
			if status != SprintPlanned && status != SprintActive {
				return common.E(common.KindConflict, "sprint %s is %s and cannot accept tasks", *sprintID, status)
			}
		}
		_, err := tx.Exec(ctx, `UPDATE tasks SET sprint_id = $2, updated_at = now() WHERE id = $1`, taskID, sprintID)
		return db.MapError(err, "assign task to sprint")
	})
}

// GetSprintSnapshot returns the immutable task snapshot of a completed sprint.
func (s *Store) GetSprintSnapshot(ctx context.Context, sprintID string) ([]*SprintTask, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sprint_id, task_id, title, stage_id, estimated_hours, completed
		FROM sprint_snapshots WHERE sprint_id = $1
	`, sprintID)
	if err != nil {
		return nil, db.MapError(err, "get sprint snapshot")
	}
	defer rows.Close()

	var snapshot []*SprintTask
	for rows.Next() {
		var st SprintTask
		if err := rows.Scan(&st.SprintID, &st.TaskID, &st.Title, &st.StageID, &st.EstimatedHours, &st.Completed); err != nil {
			return nil, db.MapError(err, "scan sprint snapshot")
		}
		snapshot = append(snapshot, &st)
	}
	return snapshot, db.MapError(rows.Err(), "get sprint snapshot")
}

// VelocityHistory returns completed sprint velocities for a project, oldest
// first, bounded by limit.
func (s *Store) VelocityHistory(ctx context.Context, projectID string, limit int) ([]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT velocity FROM (
			SELECT velocity, completed_at FROM sprints
			WHERE project_id = $1 AND status = 'completed' AND velocity IS NOT NULL
			ORDER BY completed_at DESC LIMIT $2
		) recent ORDER BY completed_at
	`, projectID, limit)
	if err != nil {
		return nil, db.MapError(err, "velocity history")
	}
	defer rows.Close()

	var velocities []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, db.MapError(err, "scan velocity")
		}
		velocities = append(velocities, v)
	}
	return velocities, db.MapError(rows.Err(), "velocity history")
}

// ActiveSprint returns the project's active sprint, or not_found.
func (s *Store) ActiveSprint(ctx context.Context, projectID string) (*Sprint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sprintColumns+` FROM sprints WHERE project_id = $1 AND status = 'active'
	`, projectID)
	sp, err := scanSprint(row)
	if err != nil {
		return nil, db.MapError(err, "active sprint")
	}
	return sp, nil
}
