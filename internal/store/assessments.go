package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/orchestrator"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// SaveAssessment upserts the assessment row and its tasks. A snapshot whose
// version is not newer than the stored one is ignored, so snapshots written
// out of order never roll the row back.
func (s *Store) SaveAssessment(ctx context.Context, view orchestrator.StatusView, report *orchestrator.Report) error {
	var intentJSON, reportJSON []byte
	var err error
	if view.Intent != nil {
		if intentJSON, err = json.Marshal(view.Intent); err != nil {
			return fmt.Errorf("marshal intent: %w", err)
		}
	}
	if report != nil {
		if reportJSON, err = json.Marshal(report); err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO assessments (id, query, project_url, intent, status, error, error_kind, report,
			                         version, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				intent = EXCLUDED.intent,
				status = EXCLUDED.status,
				error = EXCLUDED.error,
				error_kind = EXCLUDED.error_kind,
				report = EXCLUDED.report,
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at,
				completed_at = EXCLUDED.completed_at
			WHERE assessments.version < EXCLUDED.version`,
			view.AssessmentID, view.Query, view.ProjectURL, intentJSON,
			string(view.OverallStatus), view.Error, string(view.ErrorKind), reportJSON,
			view.Version, view.CreatedAt, view.UpdatedAt, view.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("save assessment %s: %w", view.AssessmentID, err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Debug("stale assessment snapshot skipped",
				zap.String("assessment_id", view.AssessmentID), zap.Int64("version", view.Version))
			return nil
		}

		batch := &pgx.Batch{}
		for i, t := range view.Tasks {
			var resultJSON []byte
			if t.Result != nil {
				if resultJSON, err = json.Marshal(t.Result); err != nil {
					return fmt.Errorf("marshal result of task %s: %w", t.TaskID, err)
				}
			}
			deps := t.Dependencies
			if deps == nil {
				deps = []string{}
			}
			batch.Queue(`
				INSERT INTO assessment_tasks (assessment_id, task_id, position, name, capability, status,
				                              agent_id, dependencies, result, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (assessment_id, task_id) DO UPDATE SET
					status = EXCLUDED.status,
					agent_id = EXCLUDED.agent_id,
					result = EXCLUDED.result,
					error = EXCLUDED.error`,
				view.AssessmentID, t.TaskID, i, t.Name, t.Capability, string(t.Status),
				t.AgentID, deps, resultJSON, t.Error,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save tasks of %s: %w", view.AssessmentID, err)
		}
		return nil
	})
}

// GetAssessment loads a snapshot and, when one was stored, its report.
func (s *Store) GetAssessment(ctx context.Context, id string) (orchestrator.StatusView, *orchestrator.Report, error) {
	var v orchestrator.StatusView
	var status, errorKind string
	var intentJSON, reportJSON []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, query, project_url, intent, status, error, error_kind, report,
		       version, created_at, updated_at, completed_at
		FROM assessments WHERE id = $1`, id,
	).Scan(&v.AssessmentID, &v.Query, &v.ProjectURL, &intentJSON, &status, &v.Error, &errorKind,
		&reportJSON, &v.Version, &v.CreatedAt, &v.UpdatedAt, &v.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, nil, fmt.Errorf("get assessment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return v, nil, fmt.Errorf("get assessment %s: %w", id, err)
	}
	v.OverallStatus = orchestrator.AssessmentStatus(status)
	v.ErrorKind = orchestrator.ErrorKind(errorKind)

	if len(intentJSON) > 0 {
		var intent protocol.Intent
		if err := json.Unmarshal(intentJSON, &intent); err != nil {
			return v, nil, fmt.Errorf("decode intent of %s: %w", id, err)
		}
		v.Intent = &intent
	}
	var report *orchestrator.Report
	if len(reportJSON) > 0 {
		report = &orchestrator.Report{}
		if err := json.Unmarshal(reportJSON, report); err != nil {
			return v, nil, fmt.Errorf("decode report of %s: %w", id, err)
		}
	}

	if v.Tasks, err = s.tasks(ctx, id); err != nil {
		return v, nil, err
	}
	return v, report, nil
}

func (s *Store) tasks(ctx context.Context, assessmentID string) ([]orchestrator.TaskView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, name, capability, status, agent_id, dependencies, result, error
		FROM assessment_tasks WHERE assessment_id = $1
		ORDER BY position`, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", assessmentID, err)
	}
	defer rows.Close()

	var out []orchestrator.TaskView
	for rows.Next() {
		var t orchestrator.TaskView
		var status string
		var resultJSON []byte
		if err := rows.Scan(&t.TaskID, &t.Name, &t.Capability, &status, &t.AgentID,
			&t.Dependencies, &resultJSON, &t.Error); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = orchestrator.TaskStatus(status)
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &t.Result); err != nil {
				return nil, fmt.Errorf("decode result of task %s: %w", t.TaskID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAssessments returns the most recent assessments, newest first.
func (s *Store) ListAssessments(ctx context.Context, limit int) ([]orchestrator.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT a.id, a.query, a.status, a.created_at,
		       (SELECT COUNT(*) FROM assessment_tasks t WHERE t.assessment_id = a.id)
		FROM assessments a
		ORDER BY a.created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Summary
	for rows.Next() {
		var sm orchestrator.Summary
		var status string
		var count int64
		var created time.Time
		if err := rows.Scan(&sm.AssessmentID, &sm.Query, &status, &created, &count); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		sm.OverallStatus = orchestrator.AssessmentStatus(status)
		sm.TaskCount = int(count)
		sm.CreatedAt = created
		out = append(out, sm)
	}
	return out, rows.Err()
}
