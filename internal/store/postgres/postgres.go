// Package postgres implements store.Store against PostgreSQL, grounded on
// pkg/storage/postgres/base_store.go's BaseStore/SelectBuilder/transaction
// helpers: database/sql plus jmoiron/sqlx for struct scanning, lib/pq as the
// driver, and $N-placeholder SelectBuilder-style query assembly for the
// listing endpoints.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// Store implements store.Store against PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and wraps the resulting *sql.DB with sqlx, matching
// the driver name ("postgres") registered by lib/pq.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already-opened database handle.
func NewFromDB(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close(_ context.Context) error { return s.db.Close() }

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

// querier abstracts over *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error, mirroring BaseStore.WithTx.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type runRow struct {
	ID        string         `db:"id"`
	ProjectID string         `db:"project_id"`
	Status    string         `db:"status"`
	Plan      []byte         `db:"plan"`
	UserID    string         `db:"user_id"`
	UserTier  string         `db:"user_tier"`
	CreatedAt time.Time      `db:"created_at"`
	StartedAt sql.NullTime   `db:"started_at"`
	EndedAt   sql.NullTime   `db:"ended_at"`
}

func (r runRow) toRun() store.Run {
	return store.Run{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Status:    store.RunStatus(r.Status),
		Plan:      value.New(r.Plan),
		UserID:    r.UserID,
		UserTier:  r.UserTier,
		CreatedAt: r.CreatedAt,
		StartedAt: nullTimeToPtr(r.StartedAt),
		EndedAt:   nullTimeToPtr(r.EndedAt),
	}
}

func (s *Store) CreateRun(ctx context.Context, plan value.Value, projectID string, user store.UserMeta) (store.Run, error) {
	run := store.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    store.RunQueued,
		Plan:      plan,
		UserID:    user.UserID,
		UserTier:  user.UserTier,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO runs (id, project_id, status, plan, user_id, user_tier, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.ProjectID, run.Status, run.Plan.Raw(), run.UserID, run.UserTier, run.CreatedAt)
	if err != nil {
		return store.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (store.Run, error) {
	var row runRow
	err := s.q(ctx).GetContext(ctx, &row, `SELECT id, project_id, status, plan, user_id, user_tier, created_at, started_at, ended_at FROM runs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return row.toRun(), nil
}

func (s *Store) ListRuns(ctx context.Context, limit int, projectID string) ([]store.Run, error) {
	query := "SELECT id, project_id, status, plan, user_id, user_tier, created_at, started_at, ended_at FROM runs"
	var args []interface{}
	if projectID != "" {
		query += " WHERE project_id = $1"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	var rows []runRow
	if err := s.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]store.Run, len(rows))
	for i, r := range rows {
		out[i] = r.toRun()
	}
	return out, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, startedAt, endedAt *time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE runs SET status = $1,
			started_at = COALESCE($2, started_at),
			ended_at = COALESCE($3, ended_at)
		WHERE id = $4`,
		status, ptrToNullTime(startedAt), ptrToNullTime(endedAt), id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return requireRowsAffected(res)
}

type stepRow struct {
	ID             string         `db:"id"`
	RunID          string         `db:"run_id"`
	Name           string         `db:"name"`
	Tool           string         `db:"tool"`
	Inputs         []byte         `db:"inputs"`
	Status         string         `db:"status"`
	IdempotencyKey string         `db:"idempotency_key"`
	Attempt        int            `db:"attempt"`
	ResultSummary  []byte         `db:"result_summary"`
	ErrorCode      sql.NullString `db:"error_code"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ErrorTerminal  sql.NullBool   `db:"error_terminal"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	EndedAt        sql.NullTime   `db:"ended_at"`
}

func (r stepRow) toStep() store.Step {
	step := store.Step{
		ID:             r.ID,
		RunID:          r.RunID,
		Name:           r.Name,
		Tool:           r.Tool,
		Inputs:         value.New(r.Inputs),
		Status:         store.StepStatus(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		Attempt:        r.Attempt,
		ResultSummary:  value.New(r.ResultSummary),
		CreatedAt:      r.CreatedAt,
		StartedAt:      nullTimeToPtr(r.StartedAt),
		EndedAt:        nullTimeToPtr(r.EndedAt),
	}
	if r.ErrorCode.Valid {
		step.Error = &store.StepError{
			Code:     r.ErrorCode.String,
			Message:  r.ErrorMessage.String,
			Terminal: r.ErrorTerminal.Bool,
		}
	}
	return step
}

func (s *Store) CreateStep(ctx context.Context, runID, name, tool string, inputs value.Value, idemKey string) (store.Step, bool, error) {
	step := store.Step{
		ID:             uuid.NewString(),
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		IdempotencyKey: idemKey,
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO steps (id, run_id, name, tool, inputs, status, idempotency_key, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, idempotency_key) DO NOTHING`,
		step.ID, step.RunID, step.Name, step.Tool, step.Inputs.Raw(), step.Status, step.IdempotencyKey, step.Attempt, step.CreatedAt)
	if err != nil {
		return store.Step{}, false, fmt.Errorf("insert step: %w", err)
	}

	existing, err := s.GetStepByIdempotencyKey(ctx, runID, idemKey)
	if err != nil {
		return store.Step{}, false, err
	}
	return existing, existing.ID == step.ID, nil
}

func (s *Store) GetStepByIdempotencyKey(ctx context.Context, runID, idemKey string) (store.Step, error) {
	var row stepRow
	err := s.q(ctx).GetContext(ctx, &row, `
		SELECT id, run_id, name, tool, inputs, status, idempotency_key, attempt, result_summary, error_code, error_message, error_terminal, created_at, started_at, ended_at
		FROM steps WHERE run_id = $1 AND idempotency_key = $2`, runID, idemKey)
	if err == sql.ErrNoRows {
		return store.Step{}, store.ErrNotFound
	}
	if err != nil {
		return store.Step{}, fmt.Errorf("get step by idempotency key: %w", err)
	}
	return row.toStep(), nil
}

func (s *Store) GetStep(ctx context.Context, id string) (store.Step, error) {
	var row stepRow
	err := s.q(ctx).GetContext(ctx, &row, `
		SELECT id, run_id, name, tool, inputs, status, idempotency_key, attempt, result_summary, error_code, error_message, error_terminal, created_at, started_at, ended_at
		FROM steps WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return store.Step{}, store.ErrNotFound
	}
	if err != nil {
		return store.Step{}, fmt.Errorf("get step: %w", err)
	}
	return row.toStep(), nil
}

func (s *Store) UpdateStep(ctx context.Context, step store.Step) error {
	var errCode, errMsg sql.NullString
	var errTerminal sql.NullBool
	if step.Error != nil {
		errCode = sql.NullString{String: step.Error.Code, Valid: true}
		errMsg = sql.NullString{String: step.Error.Message, Valid: true}
		errTerminal = sql.NullBool{Bool: step.Error.Terminal, Valid: true}
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE steps SET status = $1, attempt = $2, result_summary = $3,
			error_code = $4, error_message = $5, error_terminal = $6,
			started_at = $7, ended_at = $8
		WHERE id = $9`,
		step.Status, step.Attempt, nullableJSON(step.ResultSummary),
		errCode, errMsg, errTerminal,
		ptrToNullTime(step.StartedAt), ptrToNullTime(step.EndedAt), step.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) ResetStep(ctx context.Context, id string) (store.Step, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE steps SET status = $1, attempt = attempt + 1,
			error_code = NULL, error_message = NULL, error_terminal = NULL,
			started_at = NULL, ended_at = NULL
		WHERE id = $2`, store.StepQueued, id)
	if err != nil {
		return store.Step{}, fmt.Errorf("reset step: %w", err)
	}
	if err := requireRowsAffected(res); err != nil {
		return store.Step{}, err
	}
	return s.GetStep(ctx, id)
}

func (s *Store) ListStepsByRun(ctx context.Context, runID string) ([]store.Step, error) {
	var rows []stepRow
	err := s.q(ctx).SelectContext(ctx, &rows, `
		SELECT id, run_id, name, tool, inputs, status, idempotency_key, attempt, result_summary, error_code, error_message, error_terminal, created_at, started_at, ended_at
		FROM steps WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps by run: %w", err)
	}
	out := make([]store.Step, len(rows))
	for i, r := range rows {
		out[i] = r.toStep()
	}
	return out, nil
}

func (s *Store) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.q(ctx).GetContext(ctx, &count, `
		SELECT COUNT(*) FROM steps WHERE run_id = $1 AND status NOT IN ($2, $3, $4)`,
		runID, store.StepSucceeded, store.StepFailed, store.StepCancelled)
	if err != nil {
		return 0, fmt.Errorf("count remaining steps: %w", err)
	}
	return count, nil
}

func (s *Store) CASStepStatus(ctx context.Context, id string, expected, target store.StepStatus) (bool, error) {
	var res sql.Result
	var err error
	if target == store.StepRunning {
		res, err = s.q(ctx).ExecContext(ctx, `
			UPDATE steps SET status = $1, started_at = COALESCE(started_at, now())
			WHERE id = $2 AND status = $3`, target, id, expected)
	} else {
		res, err = s.q(ctx).ExecContext(ctx, `
			UPDATE steps SET status = $1 WHERE id = $2 AND status = $3`, target, id, expected)
	}
	if err != nil {
		return false, fmt.Errorf("cas step status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RecordEvent(ctx context.Context, runID, eventType string, payload value.Value, stepID string) (int64, error) {
	var seq int64
	err := s.WithTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO event_sequences (run_id, next_seq) VALUES ($1, 1)
			ON CONFLICT (run_id) DO UPDATE SET next_seq = event_sequences.next_seq + 1`, runID)
		if err != nil {
			return fmt.Errorf("bump event sequence: %w", err)
		}
		if err := q.GetContext(ctx, &seq, `SELECT next_seq FROM event_sequences WHERE run_id = $1`, runID); err != nil {
			return fmt.Errorf("read event sequence: %w", err)
		}
		var stepIDArg interface{}
		if stepID != "" {
			stepIDArg = stepID
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO events (run_id, sequence, type, step_id, payload)
			VALUES ($1, $2, $3, $4, $5)`, runID, seq, eventType, stepIDArg, payload.Raw())
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

type eventRow struct {
	RunID      string         `db:"run_id"`
	Sequence   int64          `db:"sequence"`
	Type       string         `db:"type"`
	OccurredAt time.Time      `db:"occurred_at"`
	StepID     sql.NullString `db:"step_id"`
	Payload    []byte         `db:"payload"`
}

func (s *Store) ListEvents(ctx context.Context, runID string, sinceSeq int64) ([]store.Event, error) {
	var rows []eventRow
	err := s.q(ctx).SelectContext(ctx, &rows, `
		SELECT run_id, sequence, type, occurred_at, step_id, payload
		FROM events WHERE run_id = $1 AND sequence > $2 ORDER BY sequence ASC`, runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]store.Event, len(rows))
	for i, r := range rows {
		out[i] = store.Event{
			RunID:      r.RunID,
			Sequence:   r.Sequence,
			Type:       r.Type,
			OccurredAt: r.OccurredAt,
			StepID:     r.StepID.String,
			Payload:    value.New(r.Payload),
		}
	}
	return out, nil
}

type gateRow struct {
	ID         string         `db:"id"`
	RunID      string         `db:"run_id"`
	StepID     string         `db:"step_id"`
	GateType   string         `db:"gate_type"`
	Status     string         `db:"status"`
	ApproverID string         `db:"approver_id"`
	Reason     string         `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
	ResolvedAt sql.NullTime   `db:"resolved_at"`
}

func (r gateRow) toGate() store.Gate {
	return store.Gate{
		ID:         r.ID,
		RunID:      r.RunID,
		StepID:     r.StepID,
		GateType:   r.GateType,
		Status:     store.GateStatus(r.Status),
		ApproverID: r.ApproverID,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
		ResolvedAt: nullTimeToPtr(r.ResolvedAt),
	}
}

func (s *Store) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (store.Gate, error) {
	gate := store.Gate{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO gates (id, run_id, step_id, gate_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, step_id, gate_type) DO NOTHING`,
		gate.ID, gate.RunID, gate.StepID, gate.GateType, gate.Status, gate.CreatedAt)
	if err != nil {
		return store.Gate{}, fmt.Errorf("insert gate: %w", err)
	}

	var row gateRow
	err = s.q(ctx).GetContext(ctx, &row, `
		SELECT id, run_id, step_id, gate_type, status, approver_id, reason, created_at, resolved_at
		FROM gates WHERE run_id = $1 AND step_id = $2 AND gate_type = $3`, runID, stepID, gateType)
	if err != nil {
		return store.Gate{}, fmt.Errorf("read gate: %w", err)
	}
	return row.toGate(), nil
}

func (s *Store) GetGate(ctx context.Context, id string) (store.Gate, error) {
	var row gateRow
	err := s.q(ctx).GetContext(ctx, &row, `
		SELECT id, run_id, step_id, gate_type, status, approver_id, reason, created_at, resolved_at
		FROM gates WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return store.Gate{}, store.ErrNotFound
	}
	if err != nil {
		return store.Gate{}, fmt.Errorf("get gate: %w", err)
	}
	return row.toGate(), nil
}

func (s *Store) UpdateGate(ctx context.Context, id string, status store.GateStatus, approverID, reason string) (store.Gate, error) {
	var gate store.Gate
	err := s.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.GetGate(ctx, id)
		if err != nil {
			return err
		}
		if gateTerminal(current.Status) {
			return store.ErrGateTerminal
		}
		res, err := s.q(ctx).ExecContext(ctx, `
			UPDATE gates SET status = $1, approver_id = $2, reason = $3, resolved_at = now()
			WHERE id = $4 AND status = $5`, status, approverID, reason, id, current.Status)
		if err != nil {
			return fmt.Errorf("update gate: %w", err)
		}
		if err := requireRowsAffected(res); err != nil {
			return store.ErrGateTerminal
		}
		gate, err = s.GetGate(ctx, id)
		return err
	})
	if err != nil {
		return store.Gate{}, err
	}
	return gate, nil
}

func gateTerminal(status store.GateStatus) bool {
	return status == store.GateApproved || status == store.GateWaived || status == store.GateRejected
}

func (s *Store) ListGatesByRun(ctx context.Context, runID string) ([]store.Gate, error) {
	var rows []gateRow
	err := s.q(ctx).SelectContext(ctx, &rows, `
		SELECT id, run_id, step_id, gate_type, status, approver_id, reason, created_at, resolved_at
		FROM gates WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list gates by run: %w", err)
	}
	out := make([]store.Gate, len(rows))
	for i, r := range rows {
		out[i] = r.toGate()
	}
	return out, nil
}

func (s *Store) AddArtifact(ctx context.Context, artifact store.Artifact) (store.Artifact, error) {
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	artifact.CreatedAt = time.Now().UTC()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, step_id, name, mime_type, storage_path, driver, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		artifact.ID, artifact.RunID, artifact.StepID, artifact.Name, artifact.MimeType,
		artifact.StoragePath, artifact.Driver, artifact.Size, artifact.CreatedAt)
	if err != nil {
		return store.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	return artifact, nil
}

type artifactRow struct {
	ID          string    `db:"id"`
	RunID       string    `db:"run_id"`
	StepID      string    `db:"step_id"`
	Name        string    `db:"name"`
	MimeType    string    `db:"mime_type"`
	StoragePath string    `db:"storage_path"`
	Driver      string    `db:"driver"`
	Size        int64     `db:"size"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r artifactRow) toArtifact() store.Artifact {
	return store.Artifact{
		ID:          r.ID,
		RunID:       r.RunID,
		StepID:      r.StepID,
		Name:        r.Name,
		MimeType:    r.MimeType,
		StoragePath: r.StoragePath,
		Driver:      r.Driver,
		Size:        r.Size,
		CreatedAt:   r.CreatedAt,
	}
}

func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]store.Artifact, error) {
	var rows []artifactRow
	err := s.q(ctx).SelectContext(ctx, &rows, `
		SELECT id, run_id, step_id, name, mime_type, storage_path, driver, size, created_at
		FROM artifacts WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by run: %w", err)
	}
	out := make([]store.Artifact, len(rows))
	for i, r := range rows {
		out[i] = r.toArtifact()
	}
	return out, nil
}

func (s *Store) EnqueueOutbox(ctx context.Context, topic string, payload value.Value) (string, error) {
	id := uuid.NewString()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO outbox (id, topic, payload, created_at, published)
		VALUES ($1, $2, $3, now(), false)`, id, topic, payload.Raw())
	if err != nil {
		return "", fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

type outboxRow struct {
	ID        string    `db:"id"`
	Topic     string    `db:"topic"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	query := `SELECT id, topic, payload, created_at FROM outbox WHERE NOT published ORDER BY created_at ASC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	var rows []outboxRow
	if err := s.q(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list pending outbox: %w", err)
	}
	out := make([]store.OutboxEntry, len(rows))
	for i, r := range rows {
		out[i] = store.OutboxEntry{ID: r.ID, Topic: r.Topic, Payload: value.New(r.Payload), CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE outbox SET published = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) SeenInbox(ctx context.Context, dedupeKey string) (bool, error) {
	var exists bool
	err := s.q(ctx).GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM inbox_seen WHERE dedupe_key = $1)`, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("check inbox seen: %w", err)
	}
	return exists, nil
}

func (s *Store) MarkInboxSeen(ctx context.Context, dedupeKey string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO inbox_seen (dedupe_key) VALUES ($1) ON CONFLICT DO NOTHING`, dedupeKey)
	if err != nil {
		return fmt.Errorf("mark inbox seen: %w", err)
	}
	return nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTimeToPtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func ptrToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableJSON(v value.Value) interface{} {
	if v.IsZero() {
		return nil
	}
	return v.Raw()
}
