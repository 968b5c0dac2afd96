package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const taskColumns = `id, project_id, workflow_stage_id, sprint_id, title, description,
	assignee, priority, estimated_hours, COALESCE(feature, ''), archived, task_order, created_at, updated_at`

// orderStep is the gap left between consecutive tasks so single moves land on
// a midpoint without touching neighbors.
const orderStep = 1000.0

// minOrderGap triggers renormalization of a stage's ordering when midpoint
// insertion has exhausted the float precision between two neighbors.
const minOrderGap = 1e-6

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.WorkflowStageID, &t.SprintID, &t.Title,
		&t.Description, &t.Assignee, &t.Priority, &t.EstimatedHours, &t.Feature,
		&t.Archived, &t.Order, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, db.MapError(err, "get task")
	}
	return t, nil
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	ProjectID       string
	WorkflowStageID string
	SprintID        string
	Assignee        string
	Priority        Priority
	IncludeArchived bool
}

// ListTasks returns tasks matching the filter, ordered by stage position then
// task order.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumnsQualified() + `
		FROM tasks t
		JOIN workflow_stages st ON st.id = t.workflow_stage_id
		WHERE 1=1`
	var args []interface{}

	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf("%s$%d", clause, len(args))
	}
	if filter.ProjectID != "" {
		add(" AND t.project_id = ", filter.ProjectID)
	}
	if filter.WorkflowStageID != "" {
		add(" AND t.workflow_stage_id = ", filter.WorkflowStageID)
	}
	if filter.SprintID != "" {
		add(" AND t.sprint_id = ", filter.SprintID)
	}
	if filter.Assignee != "" {
		add(" AND t.assignee = ", filter.Assignee)
	}
	if filter.Priority != "" {
		add(" AND t.priority = ", filter.Priority)
	}
	if !filter.IncludeArchived {
		query += " AND t.archived = FALSE"
	}
	query += " ORDER BY st.position, t.task_order"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, db.MapError(err, "list tasks")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, db.MapError(err, "scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, db.MapError(rows.Err(), "list tasks")
}

func taskColumnsQualified() string {
	return `t.id, t.project_id, t.workflow_stage_id, t.sprint_id, t.title, t.description,
	t.assignee, t.priority, t.estimated_hours, COALESCE(t.feature, ''), t.archived, t.task_order, t.created_at, t.updated_at`
}

// CreateTask inserts a task at the end of its stage's ordering. The stage must
// belong to the project's workflow; the check and the insert share one
// transaction. A task_history row records the initial stage.
func (s *Store) CreateTask(ctx context.Context, t *Task, createdBy string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := stageBelongsToProject(ctx, tx, t.ProjectID, t.WorkflowStageID); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(task_order), 0) FROM tasks
			WHERE project_id = $1 AND workflow_stage_id = $2
		`, t.ProjectID, t.WorkflowStageID)
		var maxOrder float64
		if err := row.Scan(&maxOrder); err != nil {
			return db.MapError(err, "read stage order")
		}
		t.Order = maxOrder + orderStep

		row = tx.QueryRow(ctx, `
			INSERT INTO tasks (project_id, workflow_stage_id, sprint_id, title, description,
				assignee, priority, estimated_hours, feature, task_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
			RETURNING id, created_at, updated_at
		`, t.ProjectID, t.WorkflowStageID, t.SprintID, t.Title, t.Description,
			t.Assignee, t.Priority, t.EstimatedHours, t.Feature, t.Order)
		if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return db.MapError(err, "create task")
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO task_history (task_id, old_stage_id, new_stage_id, changed_by)
			VALUES ($1, NULL, $2, $3)
		`, t.ID, t.WorkflowStageID, createdBy)
		return db.MapError(err, "record task history")
	})
}

func stageBelongsToProject(ctx context.Context, tx pgx.Tx, projectID, stageID string) error {
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_stages st
			JOIN projects p ON p.workflow_id = st.workflow_id
			WHERE p.id = $1 AND st.id = $2
		)
	`, projectID, stageID)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return db.MapError(err, "check stage ownership")
	}
	if !ok {
		return common.E(common.KindValidation, "stage %s does not belong to project %s", stageID, projectID)
	}
	return nil
}

// UpdateTask applies mutable fields. Stage changes go through MoveTask.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	err := s.db.Exec(ctx, `
		UPDATE tasks SET title = $2, description = $3, assignee = $4, priority = $5,
			estimated_hours = $6, feature = NULLIF($7, ''), sprint_id = $8, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Title, t.Description, t.Assignee, t.Priority, t.EstimatedHours, t.Feature, t.SprintID)
	return db.MapError(err, "update task")
}

// MoveTask moves a task to another stage. The target must be reachable from
// the current stage through the workflow's allowed transitions; violations
// fail with a validation error and nothing is written. The move and its
// history row commit together.
func (s *Store) MoveTask(ctx context.Context, taskID, toStageID, changedBy string) (*Task, error) {
	var moved *Task
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT project_id, workflow_stage_id FROM tasks WHERE id = $1 FOR UPDATE
		`, taskID)
		var projectID, fromStageID string
		if err := row.Scan(&projectID, &fromStageID); err != nil {
			return db.MapError(err, "move task")
		}
		if fromStageID == toStageID {
			t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
			if err != nil {
				return db.MapError(err, "move task")
			}
			moved = t
			return nil
		}

		if err := stageBelongsToProject(ctx, tx, projectID, toStageID); err != nil {
			return err
		}

		row = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM stage_transitions WHERE stage_id = $1 AND to_stage_id = $2
			)
		`, fromStageID, toStageID)
		var allowed bool
		if err := row.Scan(&allowed); err != nil {
			return db.MapError(err, "check stage transition")
		}
		if !allowed {
			return common.E(common.KindValidation, "transition from stage %s to %s is not allowed", fromStageID, toStageID)
		}

		row = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(task_order), 0) FROM tasks
			WHERE project_id = $1 AND workflow_stage_id = $2
		`, projectID, toStageID)
		var maxOrder float64
		if err := row.Scan(&maxOrder); err != nil {
			return db.MapError(err, "read stage order")
		}

		row = tx.QueryRow(ctx, `
			UPDATE tasks SET workflow_stage_id = $2, task_order = $3, updated_at = now()
			WHERE id = $1
			RETURNING `+taskColumns, taskID, toStageID, maxOrder+orderStep)
		t, err := scanTask(row)
		if err != nil {
			return db.MapError(err, "move task")
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO task_history (task_id, old_stage_id, new_stage_id, changed_by)
			VALUES ($1, $2, $3, $4)
		`, taskID, fromStageID, toStageID, changedBy); err != nil {
			return db.MapError(err, "record task history")
		}
		moved = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// ReorderTask places a task between two neighbors within its stage using
// midpoint ordering. When the gap between neighbors is too small for a
// midpoint the whole stage is renormalized to orderStep spacing first.
// before and after are neighbor task ids; either may be empty at the ends of
// the list.
func (s *Store) ReorderTask(ctx context.Context, taskID, beforeID, afterID string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT project_id, workflow_stage_id FROM tasks WHERE id = $1 FOR UPDATE
		`, taskID)
		var projectID, stageID string
		if err := row.Scan(&projectID, &stageID); err != nil {
			return db.MapError(err, "reorder task")
		}

		lo, hi, err := neighborOrders(ctx, tx, stageID, beforeID, afterID)
		if err != nil {
			return err
		}

		if hi-lo < minOrderGap {
			if err := renormalizeStage(ctx, tx, projectID, stageID); err != nil {
				return err
			}
			lo, hi, err = neighborOrders(ctx, tx, stageID, beforeID, afterID)
			if err != nil {
				return err
			}
		}

		target := (lo + hi) / 2
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET task_order = $2, updated_at = now() WHERE id = $1
		`, taskID, target)
		return db.MapError(err, "reorder task")
	})
}

// neighborOrders resolves the order values bracketing the insertion point.
func neighborOrders(ctx context.Context, tx pgx.Tx, stageID, beforeID, afterID string) (float64, float64, error) {
	lo, hi := 0.0, 0.0

	if beforeID != "" {
		row := tx.QueryRow(ctx, `SELECT task_order FROM tasks WHERE id = $1 AND workflow_stage_id = $2`, beforeID, stageID)
		if err := row.Scan(&lo); err != nil {
			return 0, 0, db.MapError(err, "resolve reorder neighbor")
		}
	}
	if afterID != "" {
		row := tx.QueryRow(ctx, `SELECT task_order FROM tasks WHERE id = $1 AND workflow_stage_id = $2`, afterID, stageID)
		if err := row.Scan(&hi); err != nil {
			return 0, 0, db.MapError(err, "resolve reorder neighbor")
		}
	}

	switch {
	case beforeID == "" && afterID == "":
		return 0, 2 * orderStep, nil
	case beforeID == "":
		// Head of list: insert below the first neighbor.
		return math.Min(0, hi-2*orderStep), hi, nil
	case afterID == "":
		// Tail of list.
		return lo, lo + 2*orderStep, nil
	default:
		if lo > hi {
			lo, hi = hi, lo
		}
		return lo, hi, nil
	}
}

// renormalizeStage rewrites a stage's ordering to uniform orderStep spacing,
// preserving relative order.
func renormalizeStage(ctx context.Context, tx pgx.Tx, projectID, stageID string) error {
	_, err := tx.Exec(ctx, `
		WITH ranked AS (
			SELECT id, row_number() OVER (ORDER BY task_order, id) AS rn
			FROM tasks WHERE project_id = $1 AND workflow_stage_id = $2
		)
		UPDATE tasks SET task_order = ranked.rn * $3
		FROM ranked WHERE tasks.id = ranked.id
	`, projectID, stageID, orderStep)
	return db.MapError(err, "renormalize stage order")
}

// ArchiveTask soft-deletes a task. Idempotent.
func (s *Store) ArchiveTask(ctx context.Context, id string) error {
	err := s.db.Exec(ctx, `UPDATE tasks SET archived = TRUE, updated_at = now() WHERE id = $1`, id)
	return db.MapError(err, "archive task")
}

// GetTaskHistory returns a task's stage changes oldest first.
func (s *Store) GetTaskHistory(ctx context.Context, taskID string) ([]*TaskHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, old_stage_id, new_stage_id, changed_by, changed_at
		FROM task_history WHERE task_id = $1 ORDER BY changed_at
	`, taskID)
	if err != nil {
		return nil, db.MapError(err, "get task history")
	}
	defer rows.Close()

	var hist []*TaskHistory
	for rows.Next() {
		var h TaskHistory
		if err := rows.Scan(&h.ID, &h.TaskID, &h.OldStageID, &h.NewStageID, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, db.MapError(err, "scan task history")
		}
		hist = append(hist, &h)
	}
	return hist, db.MapError(rows.Err(), "get task history")
}

// StageChangesSince returns history rows for a project's tasks after a cutoff,
// used by burndown reporting.
func (s *Store) StageChangesSince(ctx context.Context, projectID string, since time.Time) ([]*TaskHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT h.id, h.task_id, h.old_stage_id, h.new_stage_id, h.changed_by, h.changed_at
		FROM task_history h
		JOIN tasks t ON t.id = h.task_id
		WHERE t.project_id = $1 AND h.changed_at >= $2
		ORDER BY h.changed_at
	`, projectID, since)
	if err != nil {
		return nil, db.MapError(err, "get stage changes")
	}
	defer rows.Close()

	var hist []*TaskHistory
	for rows.Next() {
		var h TaskHistory
		if err := rows.Scan(&h.ID, &h.TaskID, &h.OldStageID, &h.NewStageID, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, db.MapError(err, "scan stage change")
		}
		hist = append(hist, &h)
	}
	return hist, db.MapError(rows.Err(), "get stage changes")
}
