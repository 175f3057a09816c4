package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

func (s *Store) CreateTeam(ctx context.Context, name, supervisor, ownerID string) (models.Team, error) {
	if name == "" {
		return models.Team{}, errors.New("team name required")
	}
	id := store.NewID()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO teams(team_id, name, supervisor, owner_id, created_at) VALUES($1, $2, $3, $4, $5)`,
		id, name, supervisor, ownerID, now)
	if err != nil {
		return models.Team{}, err
	}
	return models.Team{TeamID: id, Name: name, Supervisor: supervisor, OwnerID: ownerID, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *Store) GetTeam(ctx context.Context, teamID string) (models.Team, error) {
	var t models.Team
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `
SELECT t.team_id, t.name, t.supervisor, t.owner_id, t.created_at,
  (SELECT COUNT(*) FROM agents a WHERE a.team_id = t.team_id) AS agent_count,
  (SELECT COUNT(*) FROM tasks k WHERE k.team_id = t.team_id) AS task_count
FROM teams t WHERE t.team_id = $1`, teamID).
		Scan(&t.TeamID, &t.Name, &t.Supervisor, &t.OwnerID, &createdAt, &t.AgentCount, &t.TaskCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Team{}, fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
		}
		return models.Team{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return t, nil
}

func (s *Store) ListTeams(ctx context.Context) ([]models.Team, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT t.team_id, t.name, t.supervisor, t.owner_id, t.created_at,
  (SELECT COUNT(*) FROM agents a WHERE a.team_id = t.team_id) AS agent_count,
  (SELECT COUNT(*) FROM tasks k WHERE k.team_id = t.team_id) AS task_count
FROM teams t ORDER BY t.team_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Team
	for rows.Next() {
		var t models.Team
		var createdAt int64
		if err := rows.Scan(&t.TeamID, &t.Name, &t.Supervisor, &t.OwnerID, &createdAt, &t.AgentCount, &t.TaskCount); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTeam(ctx context.Context, teamID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM teams WHERE team_id = $1`, teamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("team %s: %w", teamID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateAgent(ctx context.Context, teamID, name, role string, languages []string) (models.Agent, error) {
	if name == "" {
		return models.Agent{}, errors.New("agent name required")
	}
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return models.Agent{}, err
	}
	id := store.NewID()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO agents(agent_id, team_id, name, role, languages, status, recovery_attempts, completed_tasks, created_at) VALUES($1, $2, $3, $4, $5, $6, 0, 0, $7)`,
		id, teamID, name, role, strings.Join(languages, ","), models.AgentAvailable, now)
	if err != nil {
		return models.Agent{}, err
	}
	return models.Agent{
		AgentID: id, TeamID: teamID, Name: name, Role: role,
		Languages: append([]string(nil), languages...),
		Status:    models.AgentAvailable,
		CreatedAt: time.Unix(now, 0).UTC(),
	}, nil
}

func scanAgent(row pgx.Row) (models.Agent, error) {
	var a models.Agent
	var langs string
	var createdAt int64
	if err := row.Scan(&a.AgentID, &a.TeamID, &a.Name, &a.Role, &langs, &a.Status, &a.RecoveryAttempts, &a.CompletedTasks, &createdAt); err != nil {
		return models.Agent{}, err
	}
	if langs != "" {
		a.Languages = strings.Split(langs, ",")
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

const agentCols = `agent_id, team_id, name, role, languages, status, recovery_attempts, completed_tasks, created_at`

func (s *Store) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	a, err := scanAgent(s.Pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE agent_id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Agent{}, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
		}
		return models.Agent{}, err
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, teamID string) ([]models.Agent, error) {
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+agentCols+` FROM agents WHERE team_id = $1 ORDER BY agent_id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) RemoveAgent(ctx context.Context, teamID, agentID string) error {
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return err
	}
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.TeamID != teamID {
		return fmt.Errorf("agent %s not in team %s: %w", agentID, teamID, store.ErrInvalidState)
	}
	_, err = s.Pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	return err
}

func (s *Store) ClaimAgent(ctx context.Context, agentID string) (bool, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return false, err
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET status = 'busy' WHERE agent_id = $1 AND status = 'available'`, agentID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET status = $1 WHERE agent_id = $2`, status, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetAgentRecovery(ctx context.Context, agentID string, attempts int) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET recovery_attempts = $1 WHERE agent_id = $2`, attempts, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementAgentCompleted(ctx context.Context, agentID string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET completed_tasks = completed_tasks + 1 WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ReconcileAgents(ctx context.Context, maxAttempts int) (int, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET status = CASE WHEN recovery_attempts > $1 THEN 'failed' ELSE 'available' END WHERE status IN ('busy', 'recovering')`, maxAttempts)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AddMessage(ctx context.Context, teamID, author, content string) (models.Message, error) {
	if content == "" {
		return models.Message{}, errors.New("message content required")
	}
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return models.Message{}, err
	}
	id := store.NewID()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO messages(message_id, team_id, author, content, created_at) VALUES($1, $2, $3, $4, $5)`,
		id, teamID, author, content, now)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{MessageID: id, TeamID: teamID, Author: author, Content: content, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *Store) ListMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error) {
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = models.DefaultMessageListLimit
	}
	// Most recent tail of the log, returned oldest first.
	rows, err := s.Pool.Query(ctx, `
SELECT message_id, team_id, author, content, created_at FROM (
  SELECT message_id, team_id, author, content, created_at
  FROM messages WHERE team_id = $1 ORDER BY message_id DESC LIMIT $2
) tail ORDER BY message_id ASC`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var createdAt int64
		if err := rows.Scan(&msg.MessageID, &msg.TeamID, &msg.Author, &msg.Content, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	a, err := s.GetAgent(ctx, t.AgentID)
	if err != nil {
		return models.Task{}, err
	}
	if a.TeamID != t.TeamID {
		return models.Task{}, fmt.Errorf("agent %s not in team %s: %w", t.AgentID, t.TeamID, store.ErrInvalidState)
	}
	if t.TaskID == "" {
		t.TaskID = store.NewID()
	}
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO tasks(task_id, team_id, agent_id, title, description, language, creator, status, result, created_at, completed_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, NULL)`,
		t.TaskID, t.TeamID, t.AgentID, t.Title, t.Description, t.Language, t.Creator, t.Status, t.CreatedAt.Unix())
	if err != nil {
		return models.Task{}, err
	}
	return t, nil
}

const taskCols = `task_id, team_id, agent_id, title, description, language, creator, status, result, created_at, completed_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var result *string
	var createdAt int64
	var completedAt *int64
	if err := row.Scan(&t.TaskID, &t.TeamID, &t.AgentID, &t.Title, &t.Description, &t.Language, &t.Creator, &t.Status, &result, &createdAt, &completedAt); err != nil {
		return models.Task{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if completedAt != nil {
		ts := time.Unix(*completedAt, 0).UTC()
		t.CompletedAt = &ts
	}
	if result != nil && *result != "" {
		var r models.Result
		if err := json.Unmarshal([]byte(*result), &r); err == nil {
			t.Result = &r
		}
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
		}
		return models.Task{}, err
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, teamID string, limit int) ([]models.Task, error) {
	if _, err := s.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+taskCols+` FROM tasks WHERE team_id = $1 ORDER BY task_id ASC LIMIT $2`, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetTaskStatus(ctx context.Context, taskID, status string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status = $1 WHERE task_id = $2`, status, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetTaskResult(ctx context.Context, taskID, status string, r *models.Result) error {
	var resultJSON *string
	if r != nil {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		js := string(b)
		resultJSON = &js
	}
	var completedAt *int64
	if status == models.TaskCompleted || status == models.TaskError {
		now := time.Now().UTC().Unix()
		completedAt = &now
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE tasks SET status = $1, result = COALESCE($2, result), completed_at = $3 WHERE task_id = $4`,
		status, resultJSON, completedAt, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error) {
	if a.ArtifactID == "" {
		a.ArtifactID = store.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO artifacts(artifact_id, scope_id, session_id, path, name, content_type, size, fingerprint, inline, created_at) VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ArtifactID, a.ScopeID, a.SessionID, a.Path, a.Name, a.ContentType, a.Size, a.Fingerprint, a.Inline, a.CreatedAt.Unix())
	if err != nil {
		return models.Artifact{}, err
	}
	return a, nil
}

const artifactCols = `artifact_id, scope_id, session_id, path, name, content_type, size, fingerprint, inline, created_at`

func scanArtifact(row pgx.Row) (models.Artifact, error) {
	var a models.Artifact
	var createdAt int64
	if err := row.Scan(&a.ArtifactID, &a.ScopeID, &a.SessionID, &a.Path, &a.Name, &a.ContentType, &a.Size, &a.Fingerprint, &a.Inline, &createdAt); err != nil {
		return models.Artifact{}, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return a, nil
}

func (s *Store) GetArtifact(ctx context.Context, artifactID string) (models.Artifact, error) {
	a, err := scanArtifact(s.Pool.QueryRow(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE artifact_id = $1`, artifactID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
		}
		return models.Artifact{}, err
	}
	return a, nil
}

func (s *Store) ListArtifacts(ctx context.Context, scopeID string, limit int) ([]models.Artifact, error) {
	if limit <= 0 {
		limit = models.DefaultArtifactListLimit
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE scope_id = $1 ORDER BY artifact_id ASC LIMIT $2`, scopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteArtifact(ctx context.Context, artifactID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM artifacts WHERE artifact_id = $1`, artifactID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) HasArtifactFingerprint(ctx context.Context, scopeID, path, fingerprint string) (bool, error) {
	var one int
	err := s.Pool.QueryRow(ctx, `SELECT 1 FROM artifacts WHERE scope_id = $1 AND path = $2 AND fingerprint = $3 LIMIT 1`, scopeID, path, fingerprint).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
