package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// ErrSessionNotFound is returned when a session row does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore runs all SQL against the sessions schema.
type SessionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionStore wraps an open database handle.
func NewSessionStore(db *sql.DB, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{db: db, logger: logger}
}

// Open connects to Postgres and verifies connectivity.
func Open(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const sessionColumns = `
	id, organization_id, created_by, configuration_id, session_type,
	client_type, status, sandbox_id, sandbox_provider, snapshot_id,
	sandbox_expires_at, agent_session_id, tunnel_url, preview_url,
	paused_at, pause_reason, metrics, latest_task, pr_urls, outcome,
	client_metadata, agent_config, created_at, updated_at`

// GetSession loads one session row.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListRunningSessionIDs returns ids of every session whose row says
// running; the orphan sweeper reconciles these against runtime leases.
func (s *SessionStore) ListRunningSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status = $1`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
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

// MarkResuming flips the status while the runtime boots.
func (s *SessionStore) MarkResuming(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusResuming)
}

// MarkError records a terminal error status with a reason.
func (s *SessionStore) MarkError(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, pause_reason = $3, updated_at = now() WHERE id = $1`,
		id, StatusError, reason)
	if err != nil {
		return fmt.Errorf("mark session error: %w", err)
	}
	return nil
}

func (s *SessionStore) setStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set session status %s: %w", status, err)
	}
	return nil
}

// MarkRunning persists a successful runtime boot: sandbox identity, tunnel,
// expiry, status running, and a cleared pause reason.
func (s *SessionStore) MarkRunning(ctx context.Context, id, sandboxID, tunnelURL, previewURL string, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, sandbox_id = $3, tunnel_url = $4, preview_url = $5,
		    sandbox_expires_at = $6, pause_reason = NULL, paused_at = NULL,
		    updated_at = now()
		WHERE id = $1`,
		id, StatusRunning, sandboxID, tunnelURL, nullableStr(previewURL), expiresAt)
	if err != nil {
		return fmt.Errorf("mark session running: %w", err)
	}
	return nil
}

// SetAgentSessionID persists the adopted or created agent session id.
func (s *SessionStore) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_session_id = $2, updated_at = now() WHERE id = $1`,
		id, agentSessionID)
	if err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	return nil
}

// ClearSnapshot drops the persisted snapshot id so the next boot
// cold-starts. Used when a memory-snapshot restore fails.
func (s *SessionStore) ClearSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET snapshot_id = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// SetSnapshotIfSandbox CAS-persists a fresh snapshot id guarded by the
// sandbox id observed before snapshotting.
func (s *SessionStore) SetSnapshotIfSandbox(ctx context.Context, id, expectedSandboxID, snapshotID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET snapshot_id = $3, updated_at = now()
		WHERE id = $1 AND sandbox_id = $2`,
		id, expectedSandboxID, snapshotID)
	if err != nil {
		return false, fmt.Errorf("cas snapshot id: %w", err)
	}
	return casWon(res)
}

// PauseUpdate describes the terminal pause written by idle snapshot,
// idle expiry, and orphan cleanup.
type PauseUpdate struct {
	SnapshotID      *string
	KeepSandbox     bool
	PauseReason     string
	ClearLatestTask bool
}

// PauseIfSandbox CAS-transitions the session to paused, guarded by the
// sandbox id observed under the migration lock. false means another actor
// advanced the session; the caller cleans local state and stops.
func (s *SessionStore) PauseIfSandbox(ctx context.Context, id, expectedSandboxID string, upd PauseUpdate) (bool, error) {
	var sandboxID any
	if upd.KeepSandbox {
		sandboxID = expectedSandboxID
	}
	query := `
		UPDATE sessions
		SET status = $3, pause_reason = $4, paused_at = now(),
		    snapshot_id = COALESCE($5, snapshot_id), sandbox_id = $6,
		    tunnel_url = NULL, updated_at = now()`
	if upd.ClearLatestTask {
		query += `, latest_task = NULL`
	}
	query += ` WHERE id = $1 AND sandbox_id = $2`

	res, err := s.db.ExecContext(ctx, query,
		id, expectedSandboxID, StatusPaused, upd.PauseReason, upd.SnapshotID, sandboxID)
	if err != nil {
		return false, fmt.Errorf("cas pause: %w", err)
	}
	return casWon(res)
}

// MarkPausedNoSandbox handles the orphan case where the row says running
// but no sandbox exists any more.
func (s *SessionStore) MarkPausedNoSandbox(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, pause_reason = $3, paused_at = now(),
		    sandbox_id = NULL, tunnel_url = NULL, updated_at = now()
		WHERE id = $1`,
		id, StatusPaused, reason)
	if err != nil {
		return fmt.Errorf("mark paused without sandbox: %w", err)
	}
	return nil
}

// MarkStopped records the force-terminate outcome of the snapshot circuit
// breaker.
func (s *SessionStore) MarkStopped(ctx context.Context, id, pauseReason, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, pause_reason = $3, outcome = $4,
		    sandbox_id = NULL, tunnel_url = NULL, updated_at = now()
		WHERE id = $1`,
		id, StatusStopped, pauseReason, outcome)
	if err != nil {
		return fmt.Errorf("mark session stopped: %w", err)
	}
	return nil
}

// FlushTelemetry merges one accumulator delta into the session row. The
// read-merge-write runs in a transaction; PR URLs are deduped in SQL by
// the array union.
func (s *SessionStore) FlushTelemetry(ctx context.Context, id string, delta TelemetryDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry flush: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(metrics, '{}'::jsonb) FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("read metrics: %w", err)
	}

	var metrics SessionMetrics
	if err := json.Unmarshal(raw, &metrics); err != nil {
		s.logger.Warn("resetting unreadable metrics blob", "session_id", id, "error", err)
		metrics = SessionMetrics{}
	}
	metrics.ToolCalls += delta.ToolCalls
	metrics.MessagesExchanged += delta.MessagesExchanged
	metrics.ActiveSeconds += delta.ActiveSeconds

	merged, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	query := `
		UPDATE sessions
		SET metrics = $2,
		    pr_urls = (
		      SELECT to_jsonb(array(
		        SELECT DISTINCT u FROM (
		          SELECT jsonb_array_elements_text(COALESCE(pr_urls, '[]'::jsonb)) AS u
		          UNION
		          SELECT unnest($3::text[]) AS u
		        ) urls ORDER BY u
		      ))
		    ),
		    latest_task = COALESCE($4, latest_task),
		    updated_at = now()
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, merged, pq.Array(delta.PRURLs), delta.LatestTask); err != nil {
		return fmt.Errorf("write telemetry: %w", err)
	}

	return tx.Commit()
}

// GetConfiguration loads the boot recipe for configuration-backed sessions.
func (s *SessionStore) GetConfiguration(ctx context.Context, id string) (*Configuration, error) {
	var (
		cfg              Configuration
		reposRaw         []byte
		envRaw           []byte
		commandsRaw      []byte
		agentConfigRaw   []byte
		systemPrompt     sql.NullString
		depsInstalledSnp sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, repos, env_vars, system_prompt,
		       service_commands, agent_config, deps_installed_snapshot
		FROM configurations WHERE id = $1`, id).
		Scan(&cfg.ID, &cfg.OrganizationID, &reposRaw, &envRaw, &systemPrompt,
			&commandsRaw, &agentConfigRaw, &depsInstalledSnp)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("configuration %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}

	if len(reposRaw) > 0 {
		if err := json.Unmarshal(reposRaw, &cfg.Repos); err != nil {
			return nil, fmt.Errorf("decode configuration repos: %w", err)
		}
	}
	if len(envRaw) > 0 {
		if err := json.Unmarshal(envRaw, &cfg.EnvVars); err != nil {
			return nil, fmt.Errorf("decode configuration env: %w", err)
		}
	}
	if len(commandsRaw) > 0 {
		if err := json.Unmarshal(commandsRaw, &cfg.ServiceCommands); err != nil {
			return nil, fmt.Errorf("decode configuration commands: %w", err)
		}
	}
	cfg.AgentConfig = agentConfigRaw
	cfg.SystemPrompt = systemPrompt.String
	cfg.DepsInstalledSnapshot = depsInstalledSnp.Bool
	return &cfg, nil
}

// GetBaseSnapshot resolves the immutable base image for a provider. The
// table is lookup-only; the gateway never writes it.
func (s *SessionStore) GetBaseSnapshot(ctx context.Context, versionKey, provider, appName string) (string, error) {
	var snapshotID string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_id FROM base_snapshots
		WHERE version_key = $1 AND provider = $2 AND app_name = $3`,
		versionKey, provider, appName).Scan(&snapshotID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get base snapshot: %w", err)
	}
	return snapshotID, nil
}

// =============================================================================
// Scanning helpers
// =============================================================================

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess           Session
		createdBy      sql.NullString
		configID       sql.NullString
		sandboxID      sql.NullString
		snapshotID     sql.NullString
		agentSessionID sql.NullString
		tunnelURL      sql.NullString
		previewURL     sql.NullString
		pauseReason    sql.NullString
		latestTask     sql.NullString
		outcome        sql.NullString
		expiresAt      sql.NullTime
		pausedAt       sql.NullTime
		prURLsRaw      []byte
	)
	err := row.Scan(&sess.ID, &sess.OrganizationID, &createdBy, &configID,
		&sess.SessionType, &sess.ClientType, &sess.Status, &sandboxID,
		&sess.SandboxProvider, &snapshotID, &expiresAt, &agentSessionID,
		&tunnelURL, &previewURL, &pausedAt, &pauseReason, &sess.Metrics,
		&latestTask, &prURLsRaw, &outcome, &sess.ClientMetadata,
		&sess.AgentConfig, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.CreatedBy = nullStr(createdBy)
	sess.ConfigurationID = nullStr(configID)
	sess.SandboxID = nullStr(sandboxID)
	sess.SnapshotID = nullStr(snapshotID)
	sess.AgentSessionID = nullStr(agentSessionID)
	sess.TunnelURL = nullStr(tunnelURL)
	sess.PreviewURL = nullStr(previewURL)
	sess.PauseReason = nullStr(pauseReason)
	sess.LatestTask = nullStr(latestTask)
	sess.Outcome = nullStr(outcome)
	if expiresAt.Valid {
		t := expiresAt.Time
		sess.SandboxExpiresAt = &t
	}
	if pausedAt.Valid {
		t := pausedAt.Time
		sess.PausedAt = &t
	}
	if len(prURLsRaw) > 0 {
		if err := json.Unmarshal(prURLsRaw, &sess.PRURLs); err != nil {
			return nil, fmt.Errorf("decode pr_urls: %w", err)
		}
	}
	return &sess, nil
}

func nullStr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func casWon(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
