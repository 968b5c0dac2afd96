package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/db"
)

const projectColumns = `id, title, description, parent_id, workflow_id, type, owner_subject, archived, created_at, updated_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.ParentID, &p.WorkflowID,
		&p.Type, &p.OwnerSubject, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, db.MapError(err, "get project")
	}
	return p, nil
}

// ListProjects returns projects, optionally including archived ones.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	if !includeArchived {
		query += ` WHERE archived = FALSE`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, db.MapError(err, "list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, db.MapError(err, "scan project")
		}
		projects = append(projects, p)
	}
	return projects, db.MapError(rows.Err(), "list projects")
}

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO projects (title, description, parent_id, workflow_id, type, owner_subject)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, p.Title, p.Description, p.ParentID, p.WorkflowID, p.Type, p.OwnerSubject)
	return db.MapError(row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt), "create project")
}

// UpdateProject applies mutable fields. Reparenting is validated against the
// ancestor chain inside the transaction so a project can never be moved into
// its own subtree.
func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if p.ParentID != nil {
			ok, err := isDescendant(ctx, tx, p.ID, *p.ParentID)
			if err != nil {
				return err
			}
			if ok || *p.ParentID == p.ID {
				return common.E(common.KindConflict, "project %s cannot be its own ancestor", p.ID)
			}
		}
		_, err := tx.Exec(ctx, `
			UPDATE projects SET title = $2, description = $3, parent_id = $4, type = $5, updated_at = now()
			WHERE id = $1
		`, p.ID, p.Title, p.Description, p.ParentID, p.Type)
		return db.MapError(err, "update project")
	})
}

// isDescendant reports whether candidate sits in the subtree rooted at rootID.
func isDescendant(ctx context.Context, tx pgx.Tx, rootID, candidate string) (bool, error) {
	row := tx.QueryRow(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM projects WHERE id = $1
			UNION ALL
			SELECT p.id FROM projects p JOIN subtree t ON p.parent_id = t.id
		)
		SELECT EXISTS (SELECT 1 FROM subtree WHERE id = $2)
	`, rootID, candidate)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, db.MapError(err, "check project subtree")
	}
	return exists, nil
}

// ArchiveProject archives the project and recursively its descendants and
// their tasks. Idempotent: archiving an archived tree is a no-op. Sources and
// pages are untouched.
func (s *Store) ArchiveProject(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			WITH RECURSIVE subtree AS (
				SELECT id FROM projects WHERE id = $1
				UNION ALL
				SELECT p.id FROM projects p JOIN subtree t ON p.parent_id = t.id
			)
			UPDATE projects SET archived = TRUE, updated_at = now()
			WHERE id IN (SELECT id FROM subtree)
		`, id)
		if err != nil {
			return db.MapError(err, "archive project tree")
		}
		_, err = tx.Exec(ctx, `
			WITH RECURSIVE subtree AS (
				SELECT id FROM projects WHERE id = $1
				UNION ALL
				SELECT p.id FROM projects p JOIN subtree t ON p.parent_id = t.id
			)
			UPDATE tasks SET archived = TRUE, updated_at = now()
			WHERE project_id IN (SELECT id FROM subtree)
		`, id)
		return db.MapError(err, "archive project tasks")
	})
}

// UnarchiveProject unarchives a single project (not its descendants).
func (s *Store) UnarchiveProject(ctx context.Context, id string) error {
	err := s.db.Exec(ctx, `UPDATE projects SET archived = FALSE, updated_at = now() WHERE id = $1`, id)
	return db.MapError(err, "unarchive project")
}

// CreateWorkflow inserts a workflow with its stages and allowed transitions
// in one transaction, then pins the initial stage.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO workflows (name) VALUES ($1) RETURNING id, created_at`, w.Name)
		if err := row.Scan(&w.ID, &w.CreatedAt); err != nil {
			return db.MapError(err, "insert workflow")
		}

		nameToID := make(map[string]string, len(w.Stages))
		for i := range w.Stages {
			st := &w.Stages[i]
			st.WorkflowID = w.ID
			st.Position = i
			row := tx.QueryRow(ctx, `
				INSERT INTO workflow_stages (workflow_id, name, color, position, default_assignee, terminal)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id
			`, w.ID, st.Name, st.Color, st.Position, st.DefaultAssignee, st.Terminal)
			if err := row.Scan(&st.ID); err != nil {
				return db.MapError(err, "insert workflow stage")
			}
			nameToID[st.Name] = st.ID
		}

		for i := range w.Stages {
			st := &w.Stages[i]
			for j, target := range st.AllowedTransitions {
				toID, ok := nameToID[target]
				if !ok {
					// Transitions may be given by stage id when the caller
					// built stages separately.
					toID = target
				}
				st.AllowedTransitions[j] = toID
				_, err := tx.Exec(ctx, `
					INSERT INTO stage_transitions (stage_id, to_stage_id) VALUES ($1, $2)
					ON CONFLICT DO NOTHING
				`, st.ID, toID)
				if err != nil {
					return db.MapError(err, "insert stage transition")
				}
			}
		}

		if len(w.Stages) > 0 {
			w.InitialStage = w.Stages[0].ID
			_, err := tx.Exec(ctx, `UPDATE workflows SET initial_stage = $2 WHERE id = $1`, w.ID, w.InitialStage)
			if err != nil {
				return db.MapError(err, "set initial stage")
			}
		}
		return nil
	})
}

// GetWorkflow loads a workflow with its ordered stages and transitions.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var w Workflow
	var initial *string
	row := s.db.QueryRow(ctx, `SELECT id, name, initial_stage, created_at FROM workflows WHERE id = $1`, id)
	if err := row.Scan(&w.ID, &w.Name, &initial, &w.CreatedAt); err != nil {
		return nil, db.MapError(err, "get workflow")
	}
	if initial != nil {
		w.InitialStage = *initial
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, name, color, position, default_assignee, terminal
		FROM workflow_stages WHERE workflow_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, db.MapError(err, "get workflow stages")
	}
	defer rows.Close()

	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.Color, &st.Position, &st.DefaultAssignee, &st.Terminal); err != nil {
			return nil, db.MapError(err, "scan workflow stage")
		}
		w.Stages = append(w.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err, "get workflow stages")
	}

	trows, err := s.db.Query(ctx, `
		SELECT t.stage_id, t.to_stage_id
		FROM stage_transitions t
		JOIN workflow_stages st ON st.id = t.stage_id
		WHERE st.workflow_id = $1
	`, id)
	if err != nil {
		return nil, db.MapError(err, "get stage transitions")
	}
	defer trows.Close()

	transitions := make(map[string][]string)
	for trows.Next() {
		var from, to string
		if err := trows.Scan(&from, &to); err != nil {
			return nil, db.MapError(err, "scan stage transition")
		}
		transitions[from] = append(transitions[from], to)
	}
	if err := trows.Err(); err != nil {
		return nil, db.MapError(err, "get stage transitions")
	}
	for i := range w.Stages {
		w.Stages[i].AllowedTransitions = transitions[w.Stages[i].ID]
	}
	return &w, nil
}

// SetProjectWorkflow changes a project's workflow, mapping each task's stage
// to the target stage and recording a task_history row per task, all inside
// one transaction.
func (s *Store) SetProjectWorkflow(ctx context.Context, projectID, workflowID string, stageMapping map[string]string, changedBy string) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, workflow_stage_id FROM tasks WHERE project_id = $1`, projectID)
		if err != nil {
			return db.MapError(err, "load project tasks")
		}
		type pair struct{ taskID, stageID string }
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.taskID, &p.stageID); err != nil {
				rows.Close()
				return db.MapError(err, "scan task")
			}
			pairs = append(pairs, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return db.MapError(err, "load project tasks")
		}

		for _, p := range pairs {
			target, ok := stageMapping[p.stageID]
			if !ok {
				return common.E(common.KindValidation, "no target stage mapped for stage %s", p.stageID)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE tasks SET workflow_stage_id = $2, updated_at = now() WHERE id = $1
			`, p.taskID, target); err != nil {
				return db.MapError(err, "remap task stage")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO task_history (task_id, old_stage_id, new_stage_id, changed_by)
				VALUES ($1, $2, $3, $4)
			`, p.taskID, p.stageID, target, changedBy); err != nil {
				return db.MapError(err, "record task history")
			}
		}

		_, err = tx.Exec(ctx, `UPDATE projects SET workflow_id = $2, updated_at = now() WHERE id = $1`, projectID, workflowID)
		return db.MapError(err, "set project workflow")
	})
}
