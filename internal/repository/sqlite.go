package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// DB exposes the underlying handle for components that keep their own tables.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sandbox_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			agent_session_id TEXT,
			preview_url TEXT,
			preview_token TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_healthy_at DATETIME,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			generation_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			pending_approval TEXT,
			pending_auth TEXT,
			content_parts TEXT,
			error_message TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_conversation ON generations(conversation_id, status)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'on',
			trigger_type TEXT NOT NULL DEFAULT 'manual',
			schedule TEXT,
			prompt TEXT NOT NULL,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			allowed_integrations TEXT,
			allowed_custom_integrations TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			generation_id TEXT,
			conversation_id TEXT,
			error_message TEXT,
			trigger_payload TEXT,
			FOREIGN KEY (workflow_id) REFERENCES workflows(workflow_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_generation ON workflow_runs(generation_id)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES workflow_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Columns added after the first release (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("sessions", "preview_token", "ALTER TABLE sessions ADD COLUMN preview_token TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("workflow_runs", "trigger_payload", "ALTER TABLE workflow_runs ADD COLUMN trigger_payload TEXT"); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, owner_id, title, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt.UTC())
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, owner_id, title, created_at FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ID, &conv.OwnerID, &title, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.Title = title.String
	return &conv, nil
}

// CreateMessage appends a message to a conversation and sets its Seq.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID, message.ConversationID, message.Role, message.Kind, message.Content, message.CreatedAt.UTC())
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	message.Seq = seq
	return nil
}

// ListMessages returns up to limit messages with seq greater than afterSeq,
// oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	query := `SELECT seq, message_id, conversation_id, role, kind, content, created_at FROM messages
		WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Role, &msg.Kind, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetSessionByConversation returns the last known session of a conversation.
func (s *SQLiteStore) GetSessionByConversation(ctx context.Context, conversationID string) (*domain.Session, error) {
	var sess domain.Session
	var agentSessionID, previewURL, previewToken sql.NullString
	var lastHealthy sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, session_id, sandbox_id, provider, agent_session_id, preview_url, preview_token, created_at, last_healthy_at
		 FROM sessions WHERE conversation_id = ?`,
		conversationID).Scan(&sess.ConversationID, &sess.SessionID, &sess.SandboxID, &sess.Provider,
		&agentSessionID, &previewURL, &previewToken, &sess.CreatedAt, &lastHealthy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.AgentSessionID = agentSessionID.String
	sess.PreviewURL = previewURL.String
	sess.PreviewToken = previewToken.String
	if lastHealthy.Valid {
		sess.LastHealthyAt = lastHealthy.Time
	}
	return &sess, nil
}

// UpsertSession stores the session as the conversation's single live session.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (conversation_id, session_id, sandbox_id, provider, agent_session_id, preview_url, preview_token, created_at, last_healthy_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
			session_id = excluded.session_id,
			sandbox_id = excluded.sandbox_id,
			provider = excluded.provider,
			agent_session_id = excluded.agent_session_id,
			preview_url = excluded.preview_url,
			preview_token = excluded.preview_token,
			created_at = excluded.created_at,
			last_healthy_at = excluded.last_healthy_at`,
		session.ConversationID, session.SessionID, session.SandboxID, session.Provider,
		session.AgentSessionID, session.PreviewURL, session.PreviewToken,
		session.CreatedAt.UTC(), session.LastHealthyAt.UTC())
	return err
}

// TouchSession records a successful health check.
func (s *SQLiteStore) TouchSession(ctx context.Context, conversationID string, healthyAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_healthy_at = ? WHERE conversation_id = ?`,
		healthyAt.UTC(), conversationID)
	return err
}

// DeleteSession clears the conversation's session reference.
func (s *SQLiteStore) DeleteSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE conversation_id = ?`, conversationID)
	return err
}

const generationColumns = `generation_id, conversation_id, status, started_at, completed_at, pending_approval, pending_auth, content_parts, error_message`

// CreateGeneration creates a new generation.
func (s *SQLiteStore) CreateGeneration(ctx context.Context, gen *domain.Generation) error {
	parts, err := marshalNullable(gen.ContentParts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO generations (generation_id, conversation_id, status, started_at, content_parts) VALUES (?, ?, ?, ?, ?)`,
		gen.GenerationID, gen.ConversationID, gen.Status, gen.StartedAt.UTC(), parts)
	return err
}

// GetGeneration retrieves a generation by ID.
func (s *SQLiteStore) GetGeneration(ctx context.Context, generationID string) (*domain.Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE generation_id = ?`, generationID)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return gen, err
}

// GetRunningGeneration returns the in-flight generation of a conversation, if any.
func (s *SQLiteStore) GetRunningGeneration(ctx context.Context, conversationID string) (*domain.Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE conversation_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		conversationID, domain.GenerationStatusRunning)
	gen, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return gen, err
}

// UpdateGenerationContent replaces the stored transcript of a running generation.
func (s *SQLiteStore) UpdateGenerationContent(ctx context.Context, generationID string, parts []domain.ContentPart) error {
	data, err := marshalNullable(parts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE generations SET content_parts = ? WHERE generation_id = ?`, data, generationID)
	return err
}

// SetGenerationPending records or clears the gate suspension of a running
// generation. It reports false when the generation is no longer running.
func (s *SQLiteStore) SetGenerationPending(ctx context.Context, generationID string, approval *domain.PendingApproval, auth *domain.PendingAuth) (bool, error) {
	approvalData, err := marshalNullable(approval)
	if err != nil {
		return false, err
	}
	authData, err := marshalNullable(auth)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET pending_approval = ?, pending_auth = ? WHERE generation_id = ? AND status = ?`,
		approvalData, authData, generationID, domain.GenerationStatusRunning)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FinishGeneration moves a running generation to a terminal status and clears
// any pending gate state. It reports false when the generation already finished.
func (s *SQLiteStore) FinishGeneration(ctx context.Context, generationID string, status domain.GenerationStatus, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("generation status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status = ?, completed_at = ?, error_message = ?, pending_approval = NULL, pending_auth = NULL
		 WHERE generation_id = ? AND status = ?`,
		status, time.Now().UTC(), nullString(errMsg), generationID, domain.GenerationStatusRunning)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func scanGeneration(row *sql.Row) (*domain.Generation, error) {
	var gen domain.Generation
	var completedAt sql.NullTime
	var pendingApproval, pendingAuth, parts, errMsg sql.NullString
	if err := row.Scan(&gen.GenerationID, &gen.ConversationID, &gen.Status, &gen.StartedAt, &completedAt,
		&pendingApproval, &pendingAuth, &parts, &errMsg); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		gen.CompletedAt = &completedAt.Time
	}
	if pendingApproval.Valid && pendingApproval.String != "" {
		gen.PendingApproval = &domain.PendingApproval{}
		if err := json.Unmarshal([]byte(pendingApproval.String), gen.PendingApproval); err != nil {
			return nil, fmt.Errorf("failed to decode pending approval: %w", err)
		}
	}
	if pendingAuth.Valid && pendingAuth.String != "" {
		gen.PendingAuth = &domain.PendingAuth{}
		if err := json.Unmarshal([]byte(pendingAuth.String), gen.PendingAuth); err != nil {
			return nil, fmt.Errorf("failed to decode pending auth: %w", err)
		}
	}
	if parts.Valid && parts.String != "" {
		if err := json.Unmarshal([]byte(parts.String), &gen.ContentParts); err != nil {
			return nil, fmt.Errorf("failed to decode content parts: %w", err)
		}
	}
	gen.ErrorMessage = errMsg.String
	return &gen, nil
}

// CreateWorkflow creates a new workflow.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	allowed, _ := json.Marshal(wf.AllowedIntegrations)
	allowedCustom, _ := json.Marshal(wf.AllowedCustomIntegrations)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, owner_id, name, status, trigger_type, schedule, prompt, auto_approve, allowed_integrations, allowed_custom_integrations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OwnerID, wf.Name, wf.Status, wf.Trigger.Type, nullString(wf.Trigger.Schedule), wf.Prompt,
		wf.AutoApprove, string(allowed), string(allowedCustom), wf.CreatedAt.UTC())
	return err
}

const workflowColumns = `workflow_id, owner_id, name, status, trigger_type, schedule, prompt, auto_approve, allowed_integrations, allowed_custom_integrations, created_at`

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanWorkflow(rows)
}

// ListWorkflows lists all workflows.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowStatus toggles a workflow.
func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ? WHERE workflow_id = ?`, status, workflowID)
	return err
}

func scanWorkflow(rows *sql.Rows) (*domain.Workflow, error) {
	var wf domain.Workflow
	var schedule, allowed, allowedCustom sql.NullString
	if err := rows.Scan(&wf.ID, &wf.OwnerID, &wf.Name, &wf.Status, &wf.Trigger.Type, &schedule, &wf.Prompt,
		&wf.AutoApprove, &allowed, &allowedCustom, &wf.CreatedAt); err != nil {
		return nil, err
	}
	wf.Trigger.Schedule = schedule.String
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &wf.AllowedIntegrations); err != nil {
			return nil, fmt.Errorf("failed to decode allowed integrations: %w", err)
		}
	}
	if allowedCustom.Valid && allowedCustom.String != "" {
		if err := json.Unmarshal([]byte(allowedCustom.String), &wf.AllowedCustomIntegrations); err != nil {
			return nil, fmt.Errorf("failed to decode allowed custom integrations: %w", err)
		}
	}
	return &wf, nil
}

const runColumns = `run_id, workflow_id, status, started_at, finished_at, generation_id, conversation_id, error_message, trigger_payload`

// CreateRun creates a new workflow run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	var payload sql.NullString
	if len(run.TriggerPayload) > 0 {
		payload = sql.NullString{String: string(run.TriggerPayload), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_id, workflow_id, status, started_at, generation_id, conversation_id, trigger_payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Status, run.StartedAt.UTC(),
		nullString(run.GenerationID), nullString(run.ConversationID), payload)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE run_id = ?`, runID)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// GetRunByGeneration returns the run linked to a generation, if any.
func (s *SQLiteStore) GetRunByGeneration(ctx context.Context, generationID string) (*domain.WorkflowRun, error) {
	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE generation_id = ? LIMIT 1`, generationID)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListRuns lists the most recent runs of a workflow, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE workflow_id = ? ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, workflowID)
}

// ListActiveRuns lists the non-terminal runs of a workflow.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context, workflowID string) ([]domain.WorkflowRun, error) {
	placeholders, args := inClause(domain.ActiveRunStatuses)
	args = append([]interface{}{workflowID}, args...)
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE workflow_id = ? AND status IN (`+placeholders+`) ORDER BY started_at`,
		args...)
}

// ListWorkflowIDsWithActiveRuns returns the workflows that have at least one
// non-terminal run.
func (s *SQLiteStore) ListWorkflowIDsWithActiveRuns(ctx context.Context) ([]string, error) {
	placeholders, args := inClause(domain.ActiveRunStatuses)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT workflow_id FROM workflow_runs WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionRun moves a run to the given status if its current status is an
// allowed source. It reports whether the row changed. Terminal runs are never
// updated.
func (s *SQLiteStore) TransitionRun(ctx context.Context, runID string, to domain.RunStatus, errMsg string) (bool, error) {
	sources := domain.RunTransitionSources(to)
	if len(sources) == 0 {
		return false, fmt.Errorf("invalid run status %q", to)
	}
	placeholders, args := inClause(sources)

	var finishedAt interface{}
	if to.IsTerminal() {
		finishedAt = time.Now().UTC()
	}
	query := `UPDATE workflow_runs SET status = ?, finished_at = COALESCE(?, finished_at), error_message = COALESCE(?, error_message)
		WHERE run_id = ? AND status IN (` + placeholders + `)`
	args = append([]interface{}{to, finishedAt, nullString(errMsg), runID}, args...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AttachRunGeneration links a generation to a running run that has none yet.
func (s *SQLiteStore) AttachRunGeneration(ctx context.Context, runID, generationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET generation_id = ? WHERE run_id = ? AND generation_id IS NULL AND status = ?`,
		generationID, runID, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]domain.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		var finishedAt sql.NullTime
		var generationID, conversationID, errMsg, payload sql.NullString
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.Status, &run.StartedAt, &finishedAt,
			&generationID, &conversationID, &errMsg, &payload); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		run.GenerationID = generationID.String
		run.ConversationID = conversationID.String
		run.ErrorMessage = errMsg.String
		if payload.Valid && payload.String != "" {
			run.TriggerPayload = json.RawMessage(payload.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateRunEvent appends an audit event to a run.
func (s *SQLiteStore) CreateRunEvent(ctx context.Context, event *domain.RunEvent) error {
	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (event_id, run_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.RunID, event.Type, payload, event.CreatedAt.UTC())
	return err
}

// ListRunEvents lists a run's events, oldest first.
func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, type, payload, created_at FROM run_events WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.RunEvent
	for rows.Next() {
		var event domain.RunEvent
		var payload sql.NullString
		if err := rows.Scan(&event.ID, &event.RunID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func inClause(statuses []domain.RunStatus) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	return strings.Join(placeholders, ","), args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// marshalNullable encodes v as JSON, storing NULL for nil values.
func marshalNullable(v interface{}) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
