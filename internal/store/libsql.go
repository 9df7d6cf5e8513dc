package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/draftsync/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Canonical state ---

func (s *LibSQLStore) SaveState(ctx context.Context, rec *StateRecord) error {
	completed, err := json.Marshal(rec.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}
	formData, err := marshalFormData(rec.FormData)
	if err != nil {
		return fmt.Errorf("marshal form_data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO onboarding_state (session_id, current_step, completed_steps, form_data, application_status, progress, estimated_minutes, has_unsaved, last_saved, submission_date, reference_number, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   current_step=excluded.current_step, completed_steps=excluded.completed_steps,
		   form_data=excluded.form_data, application_status=excluded.application_status,
		   progress=excluded.progress, estimated_minutes=excluded.estimated_minutes,
		   has_unsaved=excluded.has_unsaved, last_saved=excluded.last_saved,
		   submission_date=excluded.submission_date, reference_number=excluded.reference_number,
		   updated_at=CURRENT_TIMESTAMP`,
		rec.SessionID, string(rec.CurrentStep), string(completed), string(formData),
		string(rec.Status), rec.Progress, rec.EstimatedMins, boolToInt(rec.HasUnsaved),
		rfc3339OrNil(rec.LastSaved), nullTime(rec.SubmissionDate), nullStr(rec.ReferenceNumber),
		timeOrNow(rec.UpdatedAt),
	)
	return err
}

// LoadState returns the persisted state for a session. A record whose
// last_saved field is not RFC3339 is treated as a legacy-format blob: the
// row is discarded and a NOT_FOUND error returned so the caller falls back
// to defaults, never a partial repair.
func (s *LibSQLStore) LoadState(ctx context.Context, sessionID string) (*StateRecord, error) {
	rec := &StateRecord{SessionID: sessionID}
	var (
		currentStep, completedJSON, formJSON, status string
		lastSaved, refNumber                         sql.NullString
		submissionDate                               sql.NullTime
		hasUnsaved                                   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT current_step, completed_steps, form_data, application_status, progress, estimated_minutes, has_unsaved, last_saved, submission_date, reference_number, updated_at
		 FROM onboarding_state WHERE session_id = ?`, sessionID,
	).Scan(&currentStep, &completedJSON, &formJSON, &status, &rec.Progress, &rec.EstimatedMins,
		&hasUnsaved, &lastSaved, &submissionDate, &refNumber, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("onboarding_state", sessionID)
	}
	if err != nil {
		return nil, err
	}

	if lastSaved.Valid && lastSaved.String != "" {
		ts, parseErr := time.Parse(time.RFC3339, lastSaved.String)
		if parseErr != nil {
			// Legacy timestamp format: discard the blob entirely.
			_ = s.DeleteState(ctx, sessionID)
			return nil, storeNotFound("onboarding_state", sessionID)
		}
		rec.LastSaved = &ts
	}

	rec.CurrentStep = schema.OnboardingStep(currentStep)
	rec.Status = schema.ApplicationStatus(status)
	rec.HasUnsaved = hasUnsaved != 0
	rec.ReferenceNumber = refNumber.String
	if submissionDate.Valid {
		rec.SubmissionDate = &submissionDate.Time
	}
	if err := json.Unmarshal([]byte(completedJSON), &rec.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
	}
	if err := json.Unmarshal([]byte(formJSON), &rec.FormData); err != nil {
		return nil, fmt.Errorf("unmarshal form_data: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) DeleteState(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM onboarding_state WHERE session_id = ?`, sessionID)
	return err
}

// --- Drafts ---

func (s *LibSQLStore) SaveDraft(ctx context.Context, draft *DraftRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (session_id, step_id, data, hash, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, step_id) DO UPDATE SET
		   data=excluded.data, hash=excluded.hash, saved_at=excluded.saved_at`,
		draft.SessionID, string(draft.StepID), string(draft.Data), draft.Hash,
		timeOrNow(draft.SavedAt),
	)
	return err
}

func (s *LibSQLStore) GetDraft(ctx context.Context, sessionID string, step schema.OnboardingStep) (*DraftRecord, error) {
	d := &DraftRecord{SessionID: sessionID, StepID: step}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, hash, saved_at FROM drafts WHERE session_id = ? AND step_id = ?`,
		sessionID, string(step),
	).Scan(&data, &d.Hash, &d.SavedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("draft", sessionID+"/"+string(step))
	}
	if err != nil {
		return nil, err
	}
	d.Data = json.RawMessage(data)
	return d, nil
}

func (s *LibSQLStore) ListDrafts(ctx context.Context, sessionID string) ([]*DraftRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, data, hash, saved_at FROM drafts WHERE session_id = ? ORDER BY step_id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []*DraftRecord
	for rows.Next() {
		d := &DraftRecord{SessionID: sessionID}
		var stepID, data string
		if err := rows.Scan(&stepID, &data, &d.Hash, &d.SavedAt); err != nil {
			return nil, err
		}
		d.StepID = schema.OnboardingStep(stepID)
		d.Data = json.RawMessage(data)
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

func (s *LibSQLStore) DeleteDraft(ctx context.Context, sessionID string, step schema.OnboardingStep) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE session_id = ? AND step_id = ?`, sessionID, string(step))
	return err
}

// --- Queue projection ---

func (s *LibSQLStore) SaveOperation(ctx context.Context, op *OperationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_operations (id, session_id, op_type, step_id, payload, description, priority, retry_count, max_retries, status, last_error, last_error_at, enqueued_at, last_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   retry_count=excluded.retry_count, status=excluded.status,
		   last_error=excluded.last_error, last_error_at=excluded.last_error_at,
		   last_attempt_at=excluded.last_attempt_at`,
		op.ID, op.SessionID, op.Type, nullStr(string(op.StepID)), nullRaw(op.Payload),
		nullStr(op.Description), op.Priority, op.RetryCount, op.MaxRetries, op.Status,
		nullStr(op.LastError), nullTime(op.LastErrorAt), timeOrNow(op.EnqueuedAt),
		nullTime(op.LastAttemptAt),
	)
	return err
}

func (s *LibSQLStore) UpdateOperation(ctx context.Context, id string, update OperationUpdate) error {
	var sets []string
	var args []any

	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}
	if update.LastErrorAt != nil {
		sets = append(sets, "last_error_at = ?")
		args = append(args, *update.LastErrorAt)
	}
	if update.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, *update.LastAttemptAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE queued_operations SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queued_operation", id)
}

func (s *LibSQLStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*OperationRecord, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where = append(where, "op_type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT id, session_id, op_type, step_id, payload, description, priority, retry_count, max_retries, status, last_error, last_error_at, enqueued_at, last_attempt_at FROM queued_operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority ASC, enqueued_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*OperationRecord
	for rows.Next() {
		op := &OperationRecord{}
		var stepID, payload, description, lastError sql.NullString
		var lastErrorAt, lastAttemptAt sql.NullTime
		if err := rows.Scan(&op.ID, &op.SessionID, &op.Type, &stepID, &payload, &description,
			&op.Priority, &op.RetryCount, &op.MaxRetries, &op.Status,
			&lastError, &lastErrorAt, &op.EnqueuedAt, &lastAttemptAt); err != nil {
			return nil, err
		}
		op.StepID = schema.OnboardingStep(stepID.String)
		op.Payload = rawOrNil(payload)
		op.Description = description.String
		op.LastError = lastError.String
		if lastErrorAt.Valid {
			op.LastErrorAt = &lastErrorAt.Time
		}
		if lastAttemptAt.Valid {
			op.LastAttemptAt = &lastAttemptAt.Time
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *LibSQLStore) DeleteOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_operations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "queued_operation", id)
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-session sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.SessionID, nullStr(string(event.StepID)), event.Type, nullRaw(event.Payload),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, string(filter.StepID))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, session_id, step_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = schema.OnboardingStep(stepID.String)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.SyncError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func rfc3339OrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalFormData(m map[schema.OnboardingStep]json.RawMessage) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
