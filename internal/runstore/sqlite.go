// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	coorderrors "github.com/coordcore/core/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ RunStore        = (*SQLite)(nil)
	_ RunLister       = (*SQLite)(nil)
	_ StepResultStore = (*SQLite)(nil)
	_ CheckpointStore = (*SQLite)(nil)
	_ CitationStore   = (*SQLite)(nil)
	_ Backend         = (*SQLite)(nil)
)

// SQLite is the durable Backend for single-node deployments. It serializes
// writes through a single connection, matching SQLite's own concurrency
// model, and opens in WAL mode so readers never block on an in-flight
// write (spec.md §4.6).
type SQLite struct {
	db *sql.DB
}

// SQLiteConfig configures the durable backend's connection.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for an ephemeral
	// single-connection database (tests only — WAL mode requires a file).
	Path string
}

// NewSQLite opens path, applies pragmas, and runs migrations.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writes; one connection avoids SQLITE_BUSY storms
	// under our own application-level busy_timeout.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			submitted_at TEXT NOT NULL,
			submitter TEXT NOT NULL,
			plan_ref TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			max_steps INTEGER DEFAULT 0,
			max_wall_ms INTEGER DEFAULT 0,
			max_cost REAL DEFAULT 0,
			total_steps INTEGER DEFAULT 0,
			total_cost REAL DEFAULT 0,
			total_wall_ms INTEGER DEFAULT 0,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_submitted_at ON runs(submitted_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			server_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			attempts INTEGER DEFAULT 0,
			artefact_ids TEXT,
			PRIMARY KEY (run_id, ordinal),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT,
			reason TEXT,
			requested_at TEXT NOT NULL,
			resolved_at TEXT,
			decision TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run_id ON approvals(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_decision ON approvals(decision)`,
		`CREATE TABLE IF NOT EXISTS citations (
			citation_id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			artefact_id TEXT,
			external_ref TEXT,
			locator TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_citations_step_id ON citations(step_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLite) CreateRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, submitted_at, submitter, plan_ref, status, reason,
			max_steps, max_wall_ms, max_cost, total_steps, total_cost, total_wall_ms, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SubmittedAt.Format(time.RFC3339Nano), run.Submitter, nullString(run.PlanRef),
		string(run.Status), nullString(run.Reason),
		run.Budgets.MaxSteps, run.Budgets.MaxWallMS, run.Budgets.MaxCost,
		run.Totals.Steps, run.Totals.Cost, run.Totals.WallMS, formatTime(run.EndedAt))
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindInternal, "insert run", err)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, submitted_at, submitter, plan_ref, status, reason,
			max_steps, max_wall_ms, max_cost, total_steps, total_cost, total_wall_ms, ended_at
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, coorderrors.Newf(coorderrors.KindNotFound, "run %q not found", runID)
	}
	if err != nil {
		return Run{}, coorderrors.Wrap(coorderrors.KindInternal, "scan run", err)
	}
	return run, nil
}

func (s *SQLite) UpdateRun(ctx context.Context, run Run) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, reason = ?, total_steps = ?, total_cost = ?,
			total_wall_ms = ?, ended_at = ?
		WHERE run_id = ? AND status NOT IN ('succeeded', 'failed', 'cancelled')`,
		string(run.Status), nullString(run.Reason), run.Totals.Steps, run.Totals.Cost,
		run.Totals.WallMS, formatTime(run.EndedAt), run.RunID)
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindInternal, "update run", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		existing, getErr := s.GetRun(ctx, run.RunID)
		if getErr != nil {
			return getErr
		}
		return coorderrors.Newf(coorderrors.KindAlreadyTerminal, "run %q is already %s", run.RunID, existing.Status)
	}
	return nil
}

func (s *SQLite) ListRuns(ctx context.Context, statusFilter RunStatus) ([]Run, error) {
	query := `SELECT run_id, submitted_at, submitter, plan_ref, status, reason,
		max_steps, max_wall_ms, max_cost, total_steps, total_cost, total_wall_ms, ended_at
		FROM runs`
	var args []any
	if statusFilter != "" {
		query += " WHERE status = ?"
		args = append(args, string(statusFilter))
	}
	query += " ORDER BY submitted_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "list runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "scan run", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var planRef, reason, endedAt sql.NullString
	var submittedAt string
	var status string

	err := row.Scan(&run.RunID, &submittedAt, &run.Submitter, &planRef, &status, &reason,
		&run.Budgets.MaxSteps, &run.Budgets.MaxWallMS, &run.Budgets.MaxCost,
		&run.Totals.Steps, &run.Totals.Cost, &run.Totals.WallMS, &endedAt)
	if err != nil {
		return Run{}, err
	}

	run.Status = RunStatus(status)
	run.PlanRef = planRef.String
	run.Reason = reason.String
	run.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		run.EndedAt = &t
	}
	return run, nil
}

// AppendStep inserts a new step, or updates an existing non-finalized step
// in place with its finalized outcome. Ordinal is checked dense against
// the run's current step count; a finalized row can never be overwritten.
func (s *SQLite) AppendStep(ctx context.Context, step Step) error {
	artefactIDs := joinIDs(step.ArtefactIDs)

	existing, err := s.GetStep(ctx, step.RunID, step.Ordinal)
	switch {
	case err == nil:
		if existing.Finalized() {
			return coorderrors.Newf(coorderrors.KindAlreadyTerminal, "step %d of run %q is already finalized", step.Ordinal, step.RunID)
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE steps SET output = ?, error = ?, finished_at = ?, attempts = ?, artefact_ids = ?
			WHERE run_id = ? AND ordinal = ?`,
			nullBytes(step.Output), nullString(step.Error), formatTime(step.FinishedAt), step.Attempts,
			artefactIDs, step.RunID, step.Ordinal)
		if err != nil {
			return coorderrors.Wrap(coorderrors.KindInternal, "update step", err)
		}
		return nil

	case coorderrors.Is(err, coorderrors.KindNotFound):
		existingSteps, listErr := s.ListSteps(ctx, step.RunID)
		if listErr != nil {
			return listErr
		}
		if step.Ordinal != len(existingSteps) {
			return coorderrors.Newf(coorderrors.KindInternal, "step ordinal %d is not dense: run %q has %d steps", step.Ordinal, step.RunID, len(existingSteps))
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO steps (step_id, run_id, ordinal, server_id, tool_name, input, output,
				error, started_at, finished_at, attempts, artefact_ids)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.StepID, step.RunID, step.Ordinal, step.ServerID, step.ToolName,
			nullBytes(step.Input), nullBytes(step.Output), nullString(step.Error),
			step.StartedAt.Format(time.RFC3339Nano), formatTime(step.FinishedAt), step.Attempts, artefactIDs)
		if err != nil {
			return coorderrors.Wrap(coorderrors.KindInternal, "insert step", err)
		}
		return nil

	default:
		return err
	}
}

func (s *SQLite) GetStep(ctx context.Context, runID string, ordinal int) (Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT step_id, run_id, ordinal, server_id, tool_name, input, output, error,
			started_at, finished_at, attempts, artefact_ids
		FROM steps WHERE run_id = ? AND ordinal = ?`, runID, ordinal)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return Step{}, coorderrors.Newf(coorderrors.KindNotFound, "step %d of run %q not found", ordinal, runID)
	}
	if err != nil {
		return Step{}, coorderrors.Wrap(coorderrors.KindInternal, "scan step", err)
	}
	return step, nil
}

func (s *SQLite) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, run_id, ordinal, server_id, tool_name, input, output, error,
			started_at, finished_at, attempts, artefact_ids
		FROM steps WHERE run_id = ? ORDER BY ordinal ASC`, runID)
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "list steps", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "scan step", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func scanStep(row rowScanner) (Step, error) {
	var step Step
	var input, output, errStr, artefactIDs sql.NullString
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(&step.StepID, &step.RunID, &step.Ordinal, &step.ServerID, &step.ToolName,
		&input, &output, &errStr, &startedAt, &finishedAt, &step.Attempts, &artefactIDs)
	if err != nil {
		return Step{}, err
	}

	if input.Valid {
		step.Input = []byte(input.String)
	}
	if output.Valid {
		step.Output = []byte(output.String)
	}
	step.Error = errStr.String
	step.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		step.FinishedAt = &t
	}
	step.ArtefactIDs = splitIDs(artefactIDs.String)
	return step, nil
}

func (s *SQLite) PutApproval(ctx context.Context, approval Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, step_id, reason, requested_at, resolved_at, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, approval.RunID, nullString(approval.StepID), approval.Reason,
		approval.RequestedAt.Format(time.RFC3339Nano), formatTime(approval.ResolvedAt), string(approval.Decision))
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindInternal, "insert approval", err)
	}
	return nil
}

func (s *SQLite) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT approval_id, run_id, step_id, reason, requested_at, resolved_at, decision
		FROM approvals WHERE approval_id = ?`, approvalID)
	approval, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return Approval{}, coorderrors.Newf(coorderrors.KindNotFound, "approval %q not found", approvalID)
	}
	if err != nil {
		return Approval{}, coorderrors.Wrap(coorderrors.KindInternal, "scan approval", err)
	}
	return approval, nil
}

func (s *SQLite) ResolveApproval(ctx context.Context, approvalID string, decision ApprovalDecision) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET decision = ?, resolved_at = ?
		WHERE approval_id = ? AND decision = ?`,
		string(decision), time.Now().Format(time.RFC3339Nano), approvalID, string(ApprovalPending))
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindInternal, "resolve approval", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		existing, getErr := s.GetApproval(ctx, approvalID)
		if getErr != nil {
			return getErr
		}
		return coorderrors.Newf(coorderrors.KindAlreadyResolved, "approval %q is already %s", approvalID, existing.Decision)
	}
	return nil
}

func (s *SQLite) ListPendingApprovals(ctx context.Context, runID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, run_id, step_id, reason, requested_at, resolved_at, decision
		FROM approvals WHERE run_id = ? AND decision = ? ORDER BY requested_at ASC`,
		runID, string(ApprovalPending))
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "list pending approvals", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "scan approval", err)
		}
		out = append(out, approval)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (Approval, error) {
	var approval Approval
	var stepID sql.NullString
	var requestedAt string
	var resolvedAt sql.NullString
	var decision string

	err := row.Scan(&approval.ApprovalID, &approval.RunID, &stepID, &approval.Reason,
		&requestedAt, &resolvedAt, &decision)
	if err != nil {
		return Approval{}, err
	}

	approval.StepID = stepID.String
	approval.Decision = ApprovalDecision(decision)
	approval.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		approval.ResolvedAt = &t
	}
	return approval, nil
}

func (s *SQLite) PutCitation(ctx context.Context, citation Citation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO citations (citation_id, step_id, artefact_id, external_ref, locator)
		VALUES (?, ?, ?, ?, ?)`,
		citation.CitationID, citation.StepID, nullString(citation.ArtefactID),
		nullString(citation.ExternalRef), citation.Locator)
	if err != nil {
		return coorderrors.Wrap(coorderrors.KindInternal, "insert citation", err)
	}
	return nil
}

func (s *SQLite) ListCitations(ctx context.Context, stepID string) ([]Citation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT citation_id, step_id, artefact_id, external_ref, locator
		FROM citations WHERE step_id = ?`, stepID)
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "list citations", err)
	}
	defer rows.Close()

	var out []Citation
	for rows.Next() {
		var c Citation
		var artefactID, externalRef sql.NullString
		if err := rows.Scan(&c.CitationID, &c.StepID, &artefactID, &externalRef, &c.Locator); err != nil {
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "scan citation", err)
		}
		c.ArtefactID = artefactID.String
		c.ExternalRef = externalRef.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// Recover marks every non-terminal run failed with reason "crash_recovery".
// Called once at startup, before the Run Executor resumes any run.
func (s *SQLite) Recover(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM runs WHERE status NOT IN ('succeeded', 'failed', 'cancelled')`)
	if err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "query non-terminal runs", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "scan run id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, coorderrors.Wrap(coorderrors.KindInternal, "iterate non-terminal runs", err)
	}

	now := time.Now().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, reason = ?, ended_at = ? WHERE run_id = ?`,
			string(RunFailed), "crash_recovery", now, id); err != nil {
			return nil, coorderrors.Wrap(coorderrors.KindInternal, "mark run crash_recovery", err)
		}
	}
	return ids, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// joinIDs/splitIDs store ArtefactIDs as a comma-joined column rather than a
// join table: the list is small, append-only, and never queried by member.
func joinIDs(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	out := ids[0]
	for _, id := range ids[1:] {
		out += "," + id
	}
	return out
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
