package store

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// ReplaceAssignments swaps the stored assignment table in one transaction
func (s *Store) ReplaceAssignments(ctx context.Context, list []domain.RobotAssignment) error {
	if err := domain.ValidateAssignments(list); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM robot_assignments`); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	insert := s.rebind(`INSERT INTO robot_assignments (workflow_id, robot_id, is_default) VALUES (?, ?, ?)`)
	for _, a := range list {
		if _, err := tx.ExecContext(ctx, insert, a.WorkflowID, a.RobotID, a.IsDefault); err != nil {
			return fmt.Errorf("insert assignment %s -> %s: %w", a.WorkflowID, a.RobotID, err)
		}
	}
	return tx.Commit()
}

// ListAssignments returns all assignments ordered by workflow
func (s *Store) ListAssignments(ctx context.Context) ([]domain.RobotAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, robot_id, is_default FROM robot_assignments ORDER BY workflow_id, robot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.RobotAssignment
	for rows.Next() {
		var a domain.RobotAssignment
		if err := rows.Scan(&a.WorkflowID, &a.RobotID, &a.IsDefault); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
